// Package runner spawns the external tools nettest wraps. Every invocation
// runs in its own process group so a deadline kills the whole tree.
package runner

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/pkg/errors"
)

// waitDelay bounds how long Run waits for stdout/stderr after the process
// group has been killed
const waitDelay = 2 * time.Second

// Command is one external invocation
type Command struct {
	Name string
	Args []string
}

// Cmd builds a Command
func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Output is what a finished (or killed) process produced
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout, or stderr when stdout is empty
func (o Output) Combined() string {
	if strings.TrimSpace(o.Stdout) != "" {
		return o.Stdout
	}
	return o.Stderr
}

// Runner executes commands. A non-zero exit status is reported through
// Output.ExitCode, not as an error; errors carry an errkind.Kind.
type Runner interface {
	Run(ctx context.Context, cmd Command, timeout time.Duration) (Output, error)
	Start(ctx context.Context, cmd Command) (Process, error)
	LookPath(name string) (string, error)
}

// Local runs commands on this host
type Local struct {
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// NewLocal returns a Runner for the local host
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger, lookPath: exec.LookPath}
}

// LookPath resolves a tool on PATH, failing with ToolNotFound
func (l *Local) LookPath(name string) (string, error) {
	path, err := l.lookPath(name)
	if err != nil {
		return "", errkind.New(errkind.ToolNotFound, name, err)
	}
	return path, nil
}

// Run executes cmd and blocks until it exits or timeout elapses. On timeout
// the process group is killed and the error kind is Timeout; whatever output
// was captured is still returned.
func (l *Local) Run(ctx context.Context, cmd Command, timeout time.Duration) (Output, error) {
	path, err := l.LookPath(cmd.Name)
	if err != nil {
		return Output{ExitCode: -1}, err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, path, cmd.Args...) // #nosec G204
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return killGroup(c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = waitDelay

	var outbuf, errbuf strings.Builder
	c.Stdout = &outbuf
	c.Stderr = &errbuf

	l.logger.Debug("running command", slog.String("cmd", cmd.String()), slog.Duration("timeout", timeout))
	start := time.Now()
	err = c.Run()
	out := Output{
		Stdout:   outbuf.String(),
		Stderr:   errbuf.String(),
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		out.ExitCode = c.ProcessState.ExitCode()
	} else {
		out.ExitCode = -1
	}

	switch {
	case ctx.Err() != nil:
		return out, errkind.New(errkind.Cancelled, cmd.Name, ctx.Err())
	case runCtx.Err() == context.DeadlineExceeded:
		l.logger.Warn("command timed out", slog.String("cmd", cmd.String()), slog.Duration("timeout", timeout))
		return out, errkind.Newf(errkind.Timeout, cmd.Name, "exceeded %s", timeout)
	case err == nil:
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, nil
	}
	if errors.Is(err, os.ErrPermission) {
		return out, errkind.New(errkind.PermissionDenied, cmd.Name, err)
	}
	return out, errors.Wrapf(err, "run %s", cmd.Name)
}

func killGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
