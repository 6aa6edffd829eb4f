// Package executor runs catalog tests against channels and collects the
// results into a session
package executor

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/parser"
	"github.com/krisarmstrong/nettest/pkg/result"
	"github.com/krisarmstrong/nettest/pkg/runner"
	"github.com/krisarmstrong/nettest/pkg/session"
)

// stopGrace is how long stress-ng gets between SIGTERM and SIGKILL
const stopGrace = 2 * time.Second

// EventType of a progress event
type EventType string

const (
	EventTestStarted EventType = "test_started"
	EventResult      EventType = "result"
	EventRunDone     EventType = "run_done"
)

// Event reports progress to the menu, TUI and web UI
type Event struct {
	Type    EventType
	Test    catalog.Definition
	Channel string
	Result  *result.Result
	Index   int // 1-based position of Test in the run
	Total   int
}

// Recorder receives every finished result
type Recorder interface {
	Observe(result.Result)
}

// DialFunc opens the reachability probe connection
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Executor runs tests. It holds no per-run state; everything a run produces
// goes into the session passed to it.
type Executor struct {
	runner   runner.Runner
	cfg      *config.Config
	parser   *parser.Parser
	logger   *slog.Logger
	recorder Recorder
	dial     DialFunc
	isRoot   func() bool
	onEvent  func(Event)
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithDialer replaces the TCP dialer used for reachability checks
func WithDialer(d DialFunc) Option {
	return func(e *Executor) { e.dial = d }
}

// WithPrivilegeCheck replaces the root check used by the MTU test
func WithPrivilegeCheck(f func() bool) Option {
	return func(e *Executor) { e.isRoot = f }
}

// WithEventHandler sets the progress callback. With parallel channels it is
// called from several goroutines.
func WithEventHandler(f func(Event)) Option {
	return func(e *Executor) { e.onEvent = f }
}

// New returns an Executor for cfg. It fails when a custom rule does not
// compile.
func New(r runner.Runner, cfg *config.Config, opts ...Option) (*Executor, error) {
	p, err := parser.New(cfg.Rules)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		runner: r,
		cfg:    cfg,
		parser: p,
		logger: slog.Default(),
		dial:   (&net.Dialer{}).DialContext,
		isRoot: runner.IsSuperUser,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Preflight checks the external tools. Only a host with none of iperf3, ip
// and ethtool is an error; otherwise the missing tools (optional ones
// included) are returned for the caller to warn about.
func (e *Executor) Preflight() ([]string, error) {
	t := e.cfg.Tools
	required := []string{t.Iperf, t.IP, t.Ethtool}
	missing := runner.Missing(e.runner, required...)
	if len(missing) == len(required) {
		return missing, errkind.Newf(errkind.ToolNotFound, "preflight", "none of %s found on PATH", strings.Join(required, ", "))
	}
	return append(missing, runner.Missing(e.runner, t.Ping, t.Stress)...), nil
}

// Resolve applies the configured durations and per-test overrides
func (e *Executor) Resolve(def catalog.Definition) catalog.Definition {
	return ResolveDefinition(e.cfg, def)
}

// ResolveDefinition returns def as a run with cfg would execute it
func ResolveDefinition(cfg *config.Config, def catalog.Definition) catalog.Definition {
	o := cfg.Overrides[def.ID]
	p := catalog.Params{
		DefaultDuration: cfg.Tests.Duration,
		Duration:        o.Duration,
		Streams:         o.Streams,
		Bitrate:         o.Bitrate,
		Length:          o.Length,
		Window:          o.Window,
		JumboMTU:        cfg.MTU.Jumbo,
	}
	switch {
	case def.Soak && cfg.Tests.SoakDuration > 0:
		p.DefaultDuration = cfg.Tests.SoakDuration
	case def.Kind == catalog.KindCounters && cfg.Tests.CounterTraffic > 0:
		p.DefaultDuration = cfg.Tests.CounterTraffic
	}
	return def.WithParams(p)
}

// RunTest runs one test on one channel. Failures never escape: they come
// back as a fail result carrying the error kind.
func (e *Executor) RunTest(ctx context.Context, def catalog.Definition, ch config.Channel) result.Result {
	def = e.Resolve(def)
	th := e.cfg.ThresholdsFor(def.ID)
	started := time.Now()

	e.logger.Info("running test", slog.String("test", def.ID), slog.String("channel", ch.Interface))

	var res result.Result
	switch def.Kind {
	case catalog.KindLink:
		res = e.runLink(ctx, def, th, ch, started)
	case catalog.KindMTU:
		res = e.runMTU(ctx, def, th, ch, started)
	case catalog.KindCounters:
		res = e.runCounters(ctx, def, th, ch, started)
	default:
		res = e.runThroughput(ctx, def, th, ch, started)
	}

	attrs := []any{
		slog.String("test", res.TestID),
		slog.String("channel", res.Channel),
		slog.String("verdict", string(res.Verdict)),
		slog.Duration("elapsed", res.Duration().Round(time.Millisecond)),
	}
	if res.Kind != errkind.None {
		attrs = append(attrs, slog.String("kind", string(res.Kind)))
	}
	if res.Verdict == result.Pass {
		e.logger.Info("test finished", attrs...)
	} else {
		e.logger.Warn("test finished", append(attrs, slog.String("msg", res.Message))...)
	}

	if e.recorder != nil {
		e.recorder.Observe(res)
	}
	return res
}

// RunTests runs defs in order on every session channel and adds the results
// to s. It stops between tests once ctx is cancelled.
func (e *Executor) RunTests(ctx context.Context, s *session.Session, defs []catalog.Definition) error {
	return e.run(ctx, s, defs, nil)
}

func (e *Executor) run(ctx context.Context, s *session.Session, defs []catalog.Definition, w *suiteWriter) error {
	defer e.emit(Event{Type: EventRunDone, Total: len(defs)})
	defer e.flushMetrics()

	for i, def := range defs {
		if err := ctx.Err(); err != nil {
			return errkind.New(errkind.Cancelled, "run", err)
		}

		var dir string
		if w != nil {
			dir = w.begin(ctx, e.Resolve(def), s.Channels)
		}
		results := e.runOnChannels(ctx, def, s.Channels, i+1, len(defs))
		if w != nil {
			w.finish(ctx, dir, results, s.Channels)
		}
		for _, r := range results {
			s.Add(r)
		}
	}
	return nil
}

// runOnChannels runs def on every channel, all at once when the test allows
// it and parallel channels are enabled. Results keep channel order.
func (e *Executor) runOnChannels(ctx context.Context, def catalog.Definition, chs []config.Channel, index, total int) []result.Result {
	one := func(ch *config.Channel) result.Result {
		e.emit(Event{Type: EventTestStarted, Test: def, Channel: ch.Interface, Index: index, Total: total})
		r := e.RunTest(ctx, def, *ch)
		e.emit(Event{Type: EventResult, Test: def, Channel: ch.Interface, Result: &r, Index: index, Total: total})
		return r
	}

	if e.cfg.ParallelChannels && def.Concurrent && len(chs) > 1 {
		e.logger.Debug("running channels concurrently", slog.String("test", def.ID), slog.Int("channels", len(chs)))
		return iter.Map(chs, one)
	}

	out := make([]result.Result, 0, len(chs))
	for i := range chs {
		out = append(out, one(&chs[i]))
	}
	return out
}

func (e *Executor) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

func (e *Executor) flushMetrics() {
	path := e.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	tw, ok := e.recorder.(interface{ WriteTextfile(string) error })
	if !ok {
		return
	}
	if err := tw.WriteTextfile(path); err != nil {
		e.logger.Warn("write metrics textfile", slog.String("path", path), slog.Any("err", err))
	}
}

func failed(def catalog.Definition, ch config.Channel, err error, raw string, started time.Time) result.Result {
	r := result.Failed(def.ID, def.Name, ch.Interface, err, raw, started)
	r.Number = def.Number
	return r
}
