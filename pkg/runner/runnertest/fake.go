// Package runnertest provides a scripted runner.Runner for tests
package runnertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/runner"
)

// Response is one scripted reply
type Response struct {
	Output runner.Output
	Err    error
	Delay  time.Duration // simulated run time; honours ctx and timeout
}

// Fake answers commands from a script. A pattern matches a command whose
// String() equals it or starts with it followed by a space; the longest
// matching pattern wins. Each call consumes one queued response, the last
// one repeats.
type Fake struct {
	mu        sync.Mutex
	script    map[string][]Response
	missing   map[string]bool
	calls     []runner.Command
	processes []*Process
	startErr  error
	exitEarly bool
	nextPid   int

	// Default answers unmatched commands
	Default Response
}

// New returns an empty Fake
func New() *Fake {
	return &Fake{script: map[string][]Response{}, missing: map[string]bool{}, nextPid: 1000}
}

// On queues responses for pattern
func (f *Fake) On(pattern string, resp ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[pattern] = append(f.script[pattern], resp...)
	return f
}

// Stdout is a shortcut for a successful response
func (f *Fake) Stdout(pattern, stdout string) *Fake {
	return f.On(pattern, Response{Output: runner.Output{Stdout: stdout}})
}

// Missing makes LookPath fail for the named tools
func (f *Fake) Missing(names ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.missing[n] = true
	}
	return f
}

// FailStart makes Start return err
func (f *Fake) FailStart(err error) *Fake {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
	return f
}

// ExitEarly makes started processes exit immediately
func (f *Fake) ExitEarly() *Fake {
	f.mu.Lock()
	f.exitEarly = true
	f.mu.Unlock()
	return f
}

// LookPath implements runner.Runner
func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[name] {
		return "", errkind.Newf(errkind.ToolNotFound, name, "executable file not found in $PATH")
	}
	return "/usr/bin/" + name, nil
}

// Run implements runner.Runner
func (f *Fake) Run(ctx context.Context, cmd runner.Command, timeout time.Duration) (runner.Output, error) {
	if _, err := f.LookPath(cmd.Name); err != nil {
		return runner.Output{ExitCode: -1}, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	resp := f.next(cmd.String())
	f.mu.Unlock()

	if resp.Delay > 0 {
		var deadline <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-time.After(resp.Delay):
		case <-deadline:
			return runner.Output{ExitCode: -1}, errkind.Newf(errkind.Timeout, cmd.Name, "exceeded %s", timeout)
		case <-ctx.Done():
			return runner.Output{ExitCode: -1}, errkind.New(errkind.Cancelled, cmd.Name, ctx.Err())
		}
	}
	return resp.Output, resp.Err
}

func (f *Fake) next(s string) Response {
	best := ""
	found := false
	for p := range f.script {
		if (s == p || strings.HasPrefix(s, p+" ")) && len(p) >= len(best) {
			best, found = p, true
		}
	}
	if !found {
		return f.Default
	}
	q := f.script[best]
	if len(q) == 0 {
		return f.Default
	}
	resp := q[0]
	if len(q) > 1 {
		f.script[best] = q[1:]
	}
	return resp
}

// Start implements runner.Runner
func (f *Fake) Start(ctx context.Context, cmd runner.Command) (runner.Process, error) {
	if _, err := f.LookPath(cmd.Name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextPid++
	p := &Process{Command: cmd, pid: f.nextPid, done: make(chan struct{})}
	if f.exitEarly {
		p.exit()
	}
	f.processes = append(f.processes, p)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Stop(0)
		case <-p.done:
		}
	}()
	return p, nil
}

// Calls returns every command run or started, in order
func (f *Fake) Calls() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runner.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallStrings returns Calls rendered with Command.String
func (f *Fake) CallStrings() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.String())
	}
	return out
}

// Processes returns the processes handed out by Start
func (f *Fake) Processes() []*Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Process, len(f.processes))
	copy(out, f.processes)
	return out
}

// Process is a fake background process
type Process struct {
	Command runner.Command

	pid     int
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error { return nil }

func (p *Process) Stop(time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.exit()
	return nil
}

// Stopped reports whether Stop was called
func (p *Process) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Process) exit() {
	p.once.Do(func() { close(p.done) })
}
