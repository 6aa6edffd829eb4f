// Package errkind classifies the failures nettest reports per test
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the category recorded on a failed result
type Kind string

const (
	None             Kind = ""
	DiscoveryError   Kind = "DiscoveryError"   // no usable interface
	ToolNotFound     Kind = "ToolNotFound"     // external binary missing from PATH
	Timeout          Kind = "Timeout"          // process exceeded its deadline
	ParseError       Kind = "ParseError"       // output did not match the expected shape
	PermissionDenied Kind = "PermissionDenied" // privileged operation refused
	NotFound         Kind = "NotFound"         // unknown test id
	Unreachable      Kind = "Unreachable"      // iperf3 server port closed
	ToolFailed       Kind = "ToolFailed"       // tool ran but reported failure
	Cancelled        Kind = "Cancelled"        // run cancelled by operator or signal
)

// Error carries a Kind alongside the failing operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Of returns the Kind of the first *Error in err's chain, None if there is none
func Of(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return None
}

// Is reports whether err carries kind
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}
