package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/iperf"
	"github.com/krisarmstrong/nettest/pkg/parser"
	"github.com/krisarmstrong/nettest/pkg/result"
	"github.com/krisarmstrong/nettest/pkg/runner"
)

func (e *Executor) runLink(ctx context.Context, def catalog.Definition, th config.Thresholds, ch config.Channel, started time.Time) result.Result {
	out, err := e.runner.Run(ctx, runner.Cmd(e.cfg.Tools.Ethtool, ch.Interface), e.cfg.Timeouts.Inspect)
	if err != nil {
		return failed(def, ch, err, out.Combined(), started)
	}
	return e.parser.Parse(def, th, ch.Interface, out, started)
}

func (e *Executor) runThroughput(ctx context.Context, def catalog.Definition, th config.Thresholds, ch config.Channel, started time.Time) result.Result {
	if err := e.reachable(ctx, ch); err != nil {
		return failed(def, ch, err, "", started)
	}

	if !def.Stress {
		return e.parser.Finish(def, th, ch.Interface, e.runSteps(ctx, def, th, ch), started)
	}

	proc, err := e.startStress(ctx, def)
	if err != nil {
		return failed(def, ch, err, "", started)
	}
	steps := e.runSteps(ctx, def, th, ch)
	select {
	case <-proc.Done():
		if ctx.Err() == nil {
			steps = append(steps, result.Step{
				Label:   "stress",
				Verdict: result.Warn,
				Message: "stress-ng exited before the measurement finished",
			})
		}
	default:
	}
	e.stopStress(proc)
	return e.parser.Finish(def, th, ch.Interface, steps, started)
}

// runSteps runs each iperf3 step in order. A cancelled step ends the test;
// any other failure is recorded and the next step still runs.
func (e *Executor) runSteps(ctx context.Context, def catalog.Definition, th config.Thresholds, ch config.Channel) []result.Step {
	var steps []result.Step
	for _, s := range def.Steps {
		cmd := s.Spec(ch.EndIP, ch.Port(), ch.SourceIP).Command(e.cfg.Tools.Iperf)
		out, err := e.runner.Run(ctx, cmd, s.Duration+e.cfg.Timeouts.Slack)

		var step result.Step
		if err != nil {
			step = parser.FailStep(result.Step{Label: s.Label, Raw: out.Combined()}, err)
		} else {
			step = e.parser.Throughput(s, th, out)
		}
		step.Command = cmd.String()
		steps = append(steps, step)

		e.logger.Debug("step finished",
			slog.String("test", def.ID),
			slog.String("step", s.Label),
			slog.String("verdict", string(step.Verdict)),
			slog.String("msg", step.Message))
		if errkind.Is(err, errkind.Cancelled) {
			break
		}
	}
	return steps
}

// reachable dials the channel's iperf3 server
func (e *Executor) reachable(ctx context.Context, ch config.Channel) error {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Reachability)
	defer cancel()

	conn, err := e.dial(dctx, "tcp", ch.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return errkind.New(errkind.Cancelled, "reachability", ctx.Err())
		}
		return errkind.Newf(errkind.Unreachable, "reachability",
			"iperf3 server %s not reachable (%v); start it on the END system with: iperf3 -s -p %d", ch.Addr(), err, ch.Port())
	}
	_ = conn.Close()
	return nil
}

// startStress launches the CPU load generator and confirms it is still
// running once the grace period has passed
func (e *Executor) startStress(ctx context.Context, def catalog.Definition) (runner.Process, error) {
	grace := e.cfg.Stress.GracePeriod
	secs := iperf.Seconds(def.TotalDuration() + grace + e.cfg.Timeouts.Slack)
	cmd := runner.Cmd(e.cfg.Tools.Stress, "--cpu", strconv.Itoa(e.cfg.Stress.Workers), "--timeout", fmt.Sprintf("%ds", secs))

	proc, err := e.runner.Start(ctx, cmd)
	if err != nil {
		return nil, err
	}
	e.logger.Info("cpu stress started", slog.String("cmd", cmd.String()), slog.Int("pid", proc.Pid()))

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-proc.Done():
		return nil, errkind.Newf(errkind.ToolFailed, cmd.Name, "exited during the %s grace period", grace)
	case <-ctx.Done():
		e.stopStress(proc)
		return nil, errkind.New(errkind.Cancelled, cmd.Name, ctx.Err())
	case <-t.C:
	}
	return proc, nil
}

func (e *Executor) stopStress(proc runner.Process) {
	if err := proc.Stop(stopGrace); err != nil {
		e.logger.Warn("stop cpu stress", slog.Int("pid", proc.Pid()), slog.Any("err", err))
	}
}

func (e *Executor) runCounters(ctx context.Context, def catalog.Definition, th config.Thresholds, ch config.Channel, started time.Time) result.Result {
	snapshot := runner.Cmd(e.cfg.Tools.Ethtool, "-S", ch.Interface)

	before, err := e.runner.Run(ctx, snapshot, e.cfg.Timeouts.Inspect)
	if err != nil {
		return failed(def, ch, err, before.Combined(), started)
	}
	if err := e.reachable(ctx, ch); err != nil {
		return failed(def, ch, err, before.Stdout, started)
	}

	steps := e.runSteps(ctx, def, th, ch)

	after, err := e.runner.Run(ctx, snapshot, e.cfg.Timeouts.Inspect)
	if err != nil {
		return failed(def, ch, err, after.Combined(), started)
	}
	counters := e.parser.Counters(th, before.Stdout, after.Stdout)
	counters.Command = snapshot.String()
	return e.parser.Finish(def, th, ch.Interface, append(steps, counters), started)
}

type mtuPlan struct {
	mtu    int
	probes []int
}

func (e *Executor) runMTU(ctx context.Context, def catalog.Definition, th config.Thresholds, ch config.Channel, started time.Time) result.Result {
	mc := e.cfg.MTU
	if mc.AllowChange && !e.isRoot() {
		err := errkind.Newf(errkind.PermissionDenied, "mtu",
			"changing the MTU of %s needs root; rerun with sudo or set mtu.allow_change: false", ch.Interface)
		return failed(def, ch, err, "", started)
	}
	if mc.AllowChange {
		defer e.restoreMTU(ctx, ch.Interface, mc.Standard)
	}

	jumbo := def.JumboMTU
	if jumbo == 0 {
		jumbo = mc.Jumbo
	}
	plans := []mtuPlan{{mc.Standard, mc.StandardProbe}, {jumbo, mc.JumboProbe}}

	var steps []result.Step
	for _, p := range plans {
		step := e.mtuStep(ctx, ch, p, mc.AllowChange)
		steps = append(steps, step)
		if step.Kind == errkind.Cancelled || step.Kind == errkind.PermissionDenied {
			break
		}
	}
	return e.parser.Finish(def, th, ch.Interface, steps, started)
}

func (e *Executor) mtuStep(ctx context.Context, ch config.Channel, p mtuPlan, change bool) result.Step {
	step := result.Step{Label: fmt.Sprintf("mtu-%d", p.mtu)}
	timeout := e.cfg.Timeouts.Inspect

	if change {
		set := runner.Cmd(e.cfg.Tools.IP, "link", "set", "dev", ch.Interface, "mtu", strconv.Itoa(p.mtu))
		step.Command = set.String()
		out, err := e.runner.Run(ctx, set, timeout)
		if err != nil {
			step.Raw = out.Combined()
			return parser.FailStep(step, err)
		}
		if out.ExitCode != 0 {
			step.Raw = out.Stderr
			kind := errkind.ToolFailed
			if strings.Contains(strings.ToLower(out.Stderr), "not permitted") {
				kind = errkind.PermissionDenied
			}
			return parser.FailStep(step, errkind.Newf(kind, "ip link set", "exit status %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr)))
		}
	}

	show := runner.Cmd(e.cfg.Tools.IP, "link", "show", "dev", ch.Interface)
	out, err := e.runner.Run(ctx, show, timeout)
	if err != nil {
		return parser.FailStep(step, err)
	}
	current, err := parser.ParseMTU(out.Stdout)
	if err != nil {
		step.Raw = out.Combined()
		return parser.FailStep(step, err)
	}
	step.Metrics = result.Metrics{result.MetricMTU: float64(current)}

	switch {
	case change && current != p.mtu:
		step.Verdict = result.Fail
		step.Message = fmt.Sprintf("%s reports mtu %d after setting %d", ch.Interface, current, p.mtu)
		return step
	case !change && current < p.mtu:
		step.Verdict = result.Warn
		step.Message = fmt.Sprintf("%s has mtu %d; %d probe skipped (mtu.allow_change is off)", ch.Interface, current, p.mtu)
		return step
	}

	var raw strings.Builder
	for _, size := range p.probes {
		ping := runner.Cmd(e.cfg.Tools.Ping, "-c", "3", "-M", "do", "-s", strconv.Itoa(size), ch.EndIP)
		out, err := e.runner.Run(ctx, ping, timeout)
		raw.WriteString(out.Combined())
		if err != nil {
			if errkind.Is(err, errkind.Cancelled) || errkind.Is(err, errkind.ToolNotFound) {
				step.Raw = raw.String()
				step.Command = ping.String()
				return parser.FailStep(step, err)
			}
			continue
		}
		if out.ExitCode == 0 {
			step.Command = ping.String()
			step.Raw = raw.String()
			step.Verdict = result.Pass
			step.Metrics[result.MetricPayload] = float64(size)
			step.Message = fmt.Sprintf("mtu %d: %d-byte DF ping ok", p.mtu, size)
			return step
		}
	}

	step.Raw = raw.String()
	step.Verdict = result.Fail
	step.Message = fmt.Sprintf("mtu %d: no DF ping succeeded (sizes %v)", p.mtu, p.probes)
	return step
}

// restoreMTU puts the standard MTU back even when ctx was cancelled
func (e *Executor) restoreMTU(ctx context.Context, iface string, mtu int) {
	cmd := runner.Cmd(e.cfg.Tools.IP, "link", "set", "dev", iface, "mtu", strconv.Itoa(mtu))
	out, err := e.runner.Run(context.WithoutCancel(ctx), cmd, e.cfg.Timeouts.Inspect)
	if err == nil && out.ExitCode != 0 {
		err = fmt.Errorf("exit status %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	if err != nil {
		e.logger.Error("restore mtu", slog.String("iface", iface), slog.Int("mtu", mtu), slog.Any("err", err))
		return
	}
	e.logger.Debug("mtu restored", slog.String("iface", iface), slog.Int("mtu", mtu))
}
