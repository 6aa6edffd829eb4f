package runner

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Process is a command left running in the background, such as the CPU
// load generator paired with a throughput run
type Process interface {
	Pid() int
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// Stop sends SIGTERM to the process group, then SIGKILL after grace.
	// Safe to call more than once and after the process exited.
	Stop(grace time.Duration) error
	// Err is the wait error once Done is closed
	Err() error
}

type background struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	done   chan struct{}
	err    error
	stderr strings.Builder
	once   sync.Once
}

// Start launches cmd without waiting for it. Cancelling ctx stops the
// process group.
func (l *Local) Start(ctx context.Context, cmd Command) (Process, error) {
	path, err := l.LookPath(cmd.Name)
	if err != nil {
		return nil, err
	}

	b := &background{
		cmd:    exec.Command(path, cmd.Args...), // #nosec G204
		logger: l.logger,
		done:   make(chan struct{}),
	}
	b.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	b.cmd.Stderr = &b.stderr

	l.logger.Debug("starting background command", slog.String("cmd", cmd.String()))
	if err := b.cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", cmd.Name)
	}

	go func() {
		b.err = b.cmd.Wait()
		close(b.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Stop(0)
		case <-b.done:
		}
	}()

	return b, nil
}

func (b *background) Pid() int { return b.cmd.Process.Pid }

func (b *background) Done() <-chan struct{} { return b.done }

func (b *background) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

func (b *background) Stop(grace time.Duration) error {
	var err error
	b.once.Do(func() {
		select {
		case <-b.done:
			return
		default:
		}

		pid := b.cmd.Process.Pid
		if err = killGroup(pid, syscall.SIGTERM); err != nil {
			err = errors.Wrap(err, "terminate")
		}
		select {
		case <-b.done:
			return
		case <-time.After(grace):
		}

		b.logger.Debug("background command ignored SIGTERM, killing", slog.Int("pid", pid))
		if kerr := killGroup(pid, syscall.SIGKILL); kerr != nil && err == nil {
			err = errors.Wrap(kerr, "kill")
		}
		<-b.done
	})
	return err
}
