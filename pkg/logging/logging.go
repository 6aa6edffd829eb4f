// Package logging configures the process-wide slog logger
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

// Options select the handler
type Options struct {
	Level  string // debug, info, warn, error
	Format string // auto, text, json
	File   string // when set, logs go to this file instead of stderr
	Debug  bool   // forces debug level and source locations

	// Writer overrides stderr; used by tests and the TUI
	Writer io.Writer
}

// ParseLevel maps a level name to slog.Level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a logger from opts. The returned close func releases the log
// file, if one was opened.
func New(opts Options) (*slog.Logger, func() error, error) {
	level := ParseLevel(opts.Level)
	if opts.Debug {
		level = slog.LevelDebug
	}

	closer := func() error { return nil }
	w := opts.Writer
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, closer, errors.Wrap(err, "open log file")
		}
		w = f
		closer = f.Close
	}
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.Debug,
	}

	var handler slog.Handler
	switch {
	case opts.Format == "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	case opts.Format == "text" || opts.File != "":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  opts.Debug,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(w),
		})
	}

	return slog.New(handler), closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
