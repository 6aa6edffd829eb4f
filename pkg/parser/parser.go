// Package parser turns captured tool output into verdicts. Parse failures
// never escape as errors: they become fail results carrying ParseError and
// the raw output.
package parser

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/casbin/govaluate"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/iperf"
	"github.com/krisarmstrong/nettest/pkg/result"
	"github.com/krisarmstrong/nettest/pkg/runner"
)

// ErrorCounters are the ethtool -S fields whose increase fails the counter test
var ErrorCounters = []string{"rx_errors", "rx_crc_errors", "rx_dropped", "tx_errors", "tx_dropped"}

type rule struct {
	name    string
	verdict result.Verdict
	tests   mapset.Set[string]
	expr    *govaluate.EvaluableExpression
}

// Parser judges output against thresholds and the configured custom rules
type Parser struct {
	rules []rule
}

// New compiles the custom rules
func New(rules []config.Rule) (*Parser, error) {
	p := &Parser{}
	for i, r := range rules {
		expr, err := govaluate.NewEvaluableExpression(r.Expr)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %d (%s)", i+1, r.Name)
		}
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		p.rules = append(p.rules, rule{
			name:    name,
			verdict: result.Verdict(r.Verdict),
			tests:   mapset.NewThreadUnsafeSet(r.Tests...),
			expr:    expr,
		})
	}
	return p, nil
}

// Parse interprets the output of a single-command test. Multi-step tests
// are parsed per step with Throughput and folded with Finish.
func (p *Parser) Parse(def catalog.Definition, th config.Thresholds, channel string, out runner.Output, started time.Time) result.Result {
	var step result.Step
	switch def.Kind {
	case catalog.KindLink:
		step = p.Link(out)
	case catalog.KindMTU:
		step = p.mtu(out)
	case catalog.KindCounters:
		step = p.snapshot(out)
	default:
		var s catalog.Step
		if len(def.Steps) > 0 {
			s = def.Steps[0]
		}
		step = p.Throughput(s, th, out)
	}
	return p.Finish(def, th, channel, []result.Step{step}, started)
}

// Finish folds step outcomes into the test result and applies custom rules
// to the aggregate metrics
func (p *Parser) Finish(def catalog.Definition, th config.Thresholds, channel string, steps []result.Step, started time.Time) result.Result {
	verdict, kind, msg, metrics := result.Combine(steps)
	if len(steps) == 0 {
		verdict, kind, msg = result.Fail, errkind.ToolFailed, "no steps ran"
	}

	for _, r := range p.rules {
		if r.tests.Cardinality() > 0 && !r.tests.Contains(def.ID) {
			continue
		}
		if !p.matches(r, metrics) {
			continue
		}
		if result.Worse(verdict, r.verdict) != verdict {
			verdict = r.verdict
		}
		msg = appendMsg(msg, fmt.Sprintf("rule %s matched", r.name))
	}

	res := result.Result{
		TestID:   def.ID,
		Number:   def.Number,
		TestName: def.Name,
		Channel:  channel,
		Verdict:  verdict,
		Kind:     kind,
		Message:  msg,
		Metrics:  metrics,
		Started:  started,
		Finished: time.Now(),
	}
	if len(steps) == 1 {
		res.Raw = steps[0].Raw
	}
	if len(steps) > 1 || (len(steps) == 1 && steps[0].Label != "") {
		res.Steps = steps
	}
	return res
}

func (p *Parser) matches(r rule, m result.Metrics) bool {
	params := make(map[string]interface{}, len(m))
	for k, v := range m {
		params[k] = v
	}
	// a rule over metrics this test does not produce does not apply
	for _, v := range r.expr.Vars() {
		if _, ok := params[v]; !ok {
			return false
		}
	}
	got, err := r.expr.Evaluate(params)
	if err != nil {
		return false
	}
	b, ok := got.(bool)
	return ok && b
}

// Throughput judges one iperf3 -J run
func (p *Parser) Throughput(s catalog.Step, th config.Thresholds, out runner.Output) result.Step {
	step := result.Step{Label: s.Label, Raw: out.Stdout}

	sum, err := iperf.Parse(out.Stdout)
	if err != nil {
		if errkind.Is(err, errkind.ParseError) && out.ExitCode != 0 {
			err = errkind.Newf(errkind.ToolFailed, "iperf3", "exit status %d: %s", out.ExitCode, firstLine(out.Stderr))
		}
		if step.Raw == "" {
			step.Raw = out.Stderr
		}
		return FailStep(step, err)
	}

	bps := sum.Throughput()
	step.Metrics = result.Metrics{
		result.MetricThroughput: bps,
		result.MetricSeconds:    sum.Seconds,
	}
	if sum.HasSent {
		step.Metrics[result.MetricSentBps] = sum.SentBps
	}
	if sum.HasReceived {
		step.Metrics[result.MetricReceivedBps] = sum.ReceivedBps
	}
	if sum.HasRetrans {
		step.Metrics[result.MetricRetransmits] = float64(sum.Retransmits)
		step.Metrics[result.MetricRetransmitPct] = sum.RetransmitPct()
	}
	if sum.HasJitter {
		step.Metrics[result.MetricJitterMs] = sum.JitterMs
	}
	if sum.HasLoss {
		step.Metrics[result.MetricLostPct] = sum.LostPercent
	}
	if sum.MinInterval > 0 {
		step.Metrics[result.MetricMinInterval] = sum.MinInterval
	}
	if s.Length > 0 {
		step.Metrics[result.MetricPayload] = float64(s.Length)
	}

	step.Verdict = result.Pass
	var notes []string
	judge := func(v result.Verdict, format string, args ...interface{}) {
		step.Verdict = result.Worse(step.Verdict, v)
		notes = append(notes, fmt.Sprintf(format, args...))
	}

	floor := th.MinBitsPerSecond
	if s.Protocol == iperf.UDP {
		if target, ok := iperf.ParseBitrate(s.Bitrate); ok && th.UDPMinRatio*target > floor {
			floor = th.UDPMinRatio * target
		}
	}
	if floor > 0 && bps < floor {
		judge(result.Fail, "throughput %s below %s", iperf.PrettyBps(bps), iperf.PrettyBps(floor))
	}
	if sum.HasLoss && sum.LostPercent > th.MaxLossPct {
		judge(result.Fail, "loss %.3f%% above %.3f%%", sum.LostPercent, th.MaxLossPct)
	}
	if sum.HasJitter && sum.JitterMs > th.MaxJitterMs {
		judge(result.Fail, "jitter %.3f ms above %.3f ms", sum.JitterMs, th.MaxJitterMs)
	}
	if pct := sum.RetransmitPct(); sum.HasRetrans && pct > th.MaxRetransmitPct {
		judge(result.Warn, "retransmit rate %.4f%% above %.4f%%", pct, th.MaxRetransmitPct)
	}

	if len(notes) == 0 {
		step.Message = iperf.PrettyBps(bps)
	} else {
		step.Message = strings.Join(notes, "; ")
	}
	return step
}

// Link judges ethtool IFACE output: link down fails, half duplex or an
// unreported speed warns
func (p *Parser) Link(out runner.Output) result.Step {
	step := result.Step{Label: "link", Raw: out.Stdout}
	info, err := ParseLink(out.Stdout)
	if err != nil {
		return FailStep(step, err)
	}

	step.Metrics = result.Metrics{
		result.MetricLinkUp:     boolMetric(info.Detected),
		result.MetricSpeedMbps:  float64(info.SpeedMbps),
		result.MetricFullDuplex: boolMetric(info.Duplex == "full"),
	}
	switch {
	case info.HasLink && !info.Detected:
		step.Verdict = result.Fail
		step.Message = "link not detected"
	case info.SpeedMbps == 0:
		step.Verdict = result.Warn
		step.Message = "link speed not reported"
	case info.Duplex != "full":
		step.Verdict = result.Warn
		step.Message = fmt.Sprintf("%d Mb/s %s duplex", info.SpeedMbps, orUnknown(info.Duplex))
	default:
		step.Verdict = result.Pass
		step.Message = fmt.Sprintf("%d Mb/s full duplex", info.SpeedMbps)
	}
	return step
}

// Counters compares two ethtool -S snapshots. Counters the driver does not
// expose in both snapshots are skipped.
func (p *Parser) Counters(th config.Thresholds, before, after string) result.Step {
	step := result.Step{Label: "counters", Raw: after}
	b, err := ParseCounters(before)
	if err != nil {
		step.Raw = before
		return FailStep(step, err)
	}
	a, err := ParseCounters(after)
	if err != nil {
		return FailStep(step, err)
	}

	present := mapset.NewThreadUnsafeSet[string]()
	for k := range b {
		if _, ok := a[k]; ok {
			present.Add(k)
		}
	}
	watched := present.Intersect(mapset.NewThreadUnsafeSet(ErrorCounters...)).ToSlice()
	sort.Strings(watched)

	step.Metrics = result.Metrics{}
	step.Verdict = result.Pass
	var bad []string
	for _, k := range watched {
		delta := a[k] - b[k]
		step.Metrics[result.MetricCounterPrefix+k] = float64(delta)
		if delta > th.MaxCounterDelta {
			bad = append(bad, fmt.Sprintf("%s +%d", k, delta))
		}
	}

	switch {
	case len(watched) == 0:
		step.Verdict = result.Warn
		step.Message = "driver reports none of the error counters"
	case len(bad) > 0:
		step.Verdict = result.Fail
		step.Message = "error counters increased: " + strings.Join(bad, ", ")
	default:
		step.Message = fmt.Sprintf("%d error counters unchanged", len(watched))
	}
	return step
}

func (p *Parser) mtu(out runner.Output) result.Step {
	step := result.Step{Label: "mtu", Raw: out.Stdout}
	n, err := ParseMTU(out.Stdout)
	if err != nil {
		return FailStep(step, err)
	}
	step.Verdict = result.Pass
	step.Metrics = result.Metrics{result.MetricMTU: float64(n)}
	step.Message = fmt.Sprintf("mtu %d", n)
	return step
}

func (p *Parser) snapshot(out runner.Output) result.Step {
	step := result.Step{Label: "counters", Raw: out.Stdout}
	counters, err := ParseCounters(out.Stdout)
	if err != nil {
		return FailStep(step, err)
	}
	step.Verdict = result.Pass
	step.Metrics = result.Metrics{}
	for _, k := range ErrorCounters {
		if v, ok := counters[k]; ok {
			step.Metrics[k] = float64(v)
		}
	}
	step.Message = fmt.Sprintf("%d counters", len(counters))
	return step
}

// FailStep records err on step with verdict fail
func FailStep(step result.Step, err error) result.Step {
	step.Verdict = result.Fail
	step.Kind = errkind.Of(err)
	if step.Kind == errkind.None {
		step.Kind = errkind.ToolFailed
	}
	step.Message = err.Error()
	return step
}

func appendMsg(msg, s string) string {
	if msg == "" {
		return s
	}
	return msg + "; " + s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "no output"
	}
	return s
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
