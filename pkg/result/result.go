// Package result holds the per-test outcome records nettest produces
package result

import (
	"sort"
	"time"

	"github.com/krisarmstrong/nettest/pkg/errkind"
)

// Verdict of a test
type Verdict string

const (
	Pass Verdict = "pass"
	Warn Verdict = "warn"
	Fail Verdict = "fail"
)

// Worse returns the more severe of two verdicts
func Worse(a, b Verdict) Verdict {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(v Verdict) int {
	switch v {
	case Fail:
		return 2
	case Warn:
		return 1
	}
	return 0
}

// Metric names used in Metrics maps
const (
	MetricThroughput    = "bps"
	MetricSentBps       = "sent_bps"
	MetricReceivedBps   = "received_bps"
	MetricRetransmits   = "retransmits"
	MetricRetransmitPct = "retransmit_pct"
	MetricJitterMs      = "jitter_ms"
	MetricLostPct       = "lost_pct"
	MetricSeconds       = "seconds"
	MetricMinInterval   = "min_interval_bps"
	MetricSpeedMbps     = "speed_mbps"
	MetricLinkUp        = "link_up"
	MetricFullDuplex    = "full_duplex"
	MetricMTU           = "mtu"
	MetricPayload       = "payload_bytes"
	MetricCounterPrefix = "delta_"
)

// Metrics maps metric names to values
type Metrics map[string]float64

// Clone returns an independent copy
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns metric names in sorted order
func (m Metrics) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Step is one external invocation inside a test (a window size in the sweep,
// the UDP leg of a mixed test, a ping probe)
type Step struct {
	Label   string       `json:"label" yaml:"label"`
	Command string       `json:"command,omitempty" yaml:"command,omitempty"`
	Verdict Verdict      `json:"verdict" yaml:"verdict"`
	Kind    errkind.Kind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Message string       `json:"message,omitempty" yaml:"message,omitempty"`
	Metrics Metrics      `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Raw     string       `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// Result is the outcome of one test on one channel. Results are built once
// by the parser or executor and not changed afterwards.
type Result struct {
	TestID   string       `json:"test_id" yaml:"test_id"`
	Number   int          `json:"number" yaml:"number"`
	TestName string       `json:"test_name" yaml:"test_name"`
	Channel  string       `json:"channel" yaml:"channel"`
	Verdict  Verdict      `json:"verdict" yaml:"verdict"`
	Kind     errkind.Kind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Message  string       `json:"message" yaml:"message"`
	Metrics  Metrics      `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Steps    []Step       `json:"steps,omitempty" yaml:"steps,omitempty"`
	Raw      string       `json:"raw,omitempty" yaml:"raw,omitempty"`
	Started  time.Time    `json:"started" yaml:"started"`
	Finished time.Time    `json:"finished" yaml:"finished"`
}

// Duration of the test
func (r Result) Duration() time.Duration {
	if r.Finished.Before(r.Started) {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Failed builds a fail result for an error that stopped the test before any
// output could be judged
func Failed(id, name, channel string, err error, raw string, started time.Time) Result {
	return Result{
		TestID:   id,
		TestName: name,
		Channel:  channel,
		Verdict:  Fail,
		Kind:     errkind.Of(err),
		Message:  err.Error(),
		Raw:      raw,
		Started:  started,
		Finished: time.Now(),
	}
}

// Combine folds step outcomes into a test verdict and aggregate metrics.
// The verdict is the worst step verdict; the first failing step supplies the
// kind and message. Throughput metrics take the minimum across steps, all
// others the maximum.
func Combine(steps []Step) (Verdict, errkind.Kind, string, Metrics) {
	verdict := Pass
	var kind errkind.Kind
	var msg string
	agg := Metrics{}

	for _, s := range steps {
		if rank(s.Verdict) > rank(verdict) {
			verdict = s.Verdict
			kind = s.Kind
			msg = s.Message
		}
		for k, v := range s.Metrics {
			cur, ok := agg[k]
			switch {
			case !ok:
				agg[k] = v
			case isRate(k):
				if v < cur {
					agg[k] = v
				}
			case v > cur:
				agg[k] = v
			}
		}
	}

	if msg == "" && len(steps) > 0 {
		if len(steps) == 1 {
			msg = steps[0].Message
		} else {
			msg = "all steps passed"
		}
	}
	return verdict, kind, msg, agg
}

func isRate(k string) bool {
	switch k {
	case MetricThroughput, MetricSentBps, MetricReceivedBps, MetricMinInterval:
		return true
	}
	return false
}
