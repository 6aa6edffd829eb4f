package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/session"
)

// Status constants for a background run
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

var (
	// ErrBusy is returned by Job.Start while a run is in progress
	ErrBusy = errors.New("a run is already in progress")
	// ErrNoChannels is returned by Job.Start without channels
	ErrNoChannels = errors.New("no channels configured")
)

// Status of a background run
type Status struct {
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Started   time.Time `json:"started,omitempty"`
	Tests     int       `json:"tests"`
	Results   int       `json:"results"`
	Dir       string    `json:"dir,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Job runs at most one test run at a time in the background. The TUI and
// the web API start and cancel runs through it.
type Job struct {
	exec *Executor

	mu        sync.Mutex
	state     string
	sess      *session.Session
	tests     int
	dir       string
	err       error
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// NewJob returns an idle Job
func NewJob(e *Executor) *Job {
	return &Job{exec: e, state: StatusIdle}
}

// Start begins running defs on channels; full selects the suite run with its
// results directory. The returned session fills as tests finish.
func (j *Job) Start(ctx context.Context, channels []config.Channel, defs []catalog.Definition, full bool) (*session.Session, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StatusRunning {
		return nil, ErrBusy
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := session.New(channels)
	done := make(chan struct{})
	j.state, j.sess, j.tests = StatusRunning, s, len(defs)
	j.dir, j.err, j.cancelled = "", nil, false
	j.cancel, j.done = cancel, done

	go func() {
		defer close(done)
		defer cancel()

		var dir string
		var err error
		if full {
			dir, err = j.exec.RunSuite(runCtx, s, defs)
		} else {
			err = j.exec.RunTests(runCtx, s, defs)
		}

		j.mu.Lock()
		defer j.mu.Unlock()
		j.dir, j.err, j.cancel = dir, err, nil
		switch {
		case j.cancelled || errkind.Is(err, errkind.Cancelled):
			j.state = StatusCancelled
		case err != nil:
			j.state = StatusError
		default:
			j.state = StatusComplete
		}
		j.exec.logger.Info("background run finished", slog.String("state", j.state), slog.Int("results", s.Len()))
	}()
	return s, nil
}

// Cancel stops the running run. It reports whether a run was cancelled.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatusRunning || j.cancel == nil {
		return false
	}
	j.cancelled = true
	j.cancel()
	return true
}

// Wait blocks until the current run, if any, has finished
func (j *Job) Wait() {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Session returns the session of the latest run, nil before the first
func (j *Job) Session() *session.Session {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sess
}

// Status reports the state of the latest run
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := Status{State: j.state, Tests: j.tests, Dir: j.dir}
	if j.sess != nil {
		st.SessionID = j.sess.ID
		st.Started = j.sess.Started
		st.Results = j.sess.Len()
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st
}
