// Package report aggregates a run session into a summary and renders it
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/krisarmstrong/nettest/pkg/iperf"
	"github.com/krisarmstrong/nettest/pkg/result"
	"github.com/krisarmstrong/nettest/pkg/session"
)

// Counts of results per verdict
type Counts struct {
	Pass int `json:"pass" yaml:"pass"`
	Warn int `json:"warn" yaml:"warn"`
	Fail int `json:"fail" yaml:"fail"`
}

// Summary is the aggregate of one session
type Summary struct {
	SessionID   string          `json:"session_id" yaml:"session_id"`
	Started     time.Time       `json:"started" yaml:"started"`
	Finished    time.Time       `json:"finished" yaml:"finished"`
	Channels    []string        `json:"channels" yaml:"channels"`
	Total       int             `json:"total" yaml:"total"`
	Counts      Counts          `json:"counts" yaml:"counts"`
	Overall     result.Verdict  `json:"overall" yaml:"overall"`
	SuccessRate float64         `json:"success_rate" yaml:"success_rate"` // percent of results that passed
	Results     []result.Result `json:"results" yaml:"results"`
}

// Summarize aggregates the session's results. An empty session is
// reported as warn: nothing ran, so nothing can be said to have passed.
func Summarize(s *session.Session) Summary {
	results := s.Results()
	sum := Summary{
		SessionID: s.ID,
		Started:   s.Started,
		Finished:  time.Now(),
		Channels:  s.Interfaces(),
		Total:     len(results),
		Results:   results,
	}
	for _, r := range results {
		switch r.Verdict {
		case result.Pass:
			sum.Counts.Pass++
		case result.Warn:
			sum.Counts.Warn++
		default:
			sum.Counts.Fail++
		}
	}

	switch {
	case sum.Total == 0:
		sum.Overall = result.Warn
	case sum.Counts.Fail > 0:
		sum.Overall = result.Fail
	case sum.Counts.Warn > 0:
		sum.Overall = result.Warn
	default:
		sum.Overall = result.Pass
	}
	if sum.Total > 0 {
		sum.SuccessRate = float64(sum.Counts.Pass) / float64(sum.Total) * 100
	}
	return sum
}

// Headline is the short text shown after each result
func Headline(r result.Result) string {
	if bps, ok := r.Metrics[result.MetricThroughput]; ok && r.Verdict != result.Fail {
		return iperf.PrettyBps(bps)
	}
	return r.Message
}

// Text renders the summary for the terminal
func Text(sum Summary) string {
	var b strings.Builder
	rule := strings.Repeat("=", 78)

	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "NETTEST SUMMARY")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Session:  %s\n", sum.SessionID)
	fmt.Fprintf(&b, "Started:  %s\n", sum.Started.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Channels: %s\n\n", strings.Join(sum.Channels, ", "))

	if sum.Total == 0 {
		fmt.Fprintln(&b, "No tests were run.")
	} else {
		fmt.Fprintf(&b, "%3s  %-30s %-10s %-6s %s\n", "#", "Test", "Channel", "Result", "Details")
		fmt.Fprintln(&b, strings.Repeat("-", 78))
		for _, r := range sum.Results {
			details := Headline(r)
			if r.Kind != "" {
				details = fmt.Sprintf("[%s] %s", r.Kind, details)
			}
			fmt.Fprintf(&b, "%3d  %-30s %-10s %-6s %s\n", r.Number, truncate(r.TestName, 30), r.Channel, strings.ToUpper(string(r.Verdict)), details)
		}
	}

	fmt.Fprintln(&b, strings.Repeat("-", 78))
	fmt.Fprintf(&b, "Total: %d   PASS: %d   WARN: %d   FAIL: %d\n", sum.Total, sum.Counts.Pass, sum.Counts.Warn, sum.Counts.Fail)
	fmt.Fprintf(&b, "Overall: %s\n", strings.ToUpper(string(sum.Overall)))
	return b.String()
}

// Overall renders overall_summary.txt for a full-suite directory
func Overall(sum Summary) string {
	var b strings.Builder
	rule := strings.Repeat("=", 60)

	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "OVERALL TEST SUMMARY")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Test Run: %s\n", sum.Started.Format("20060102_150405"))
	fmt.Fprintf(&b, "Total Tests: %d\n", sum.Total)
	fmt.Fprintf(&b, "Total Channels: %d\n\n", len(sum.Channels))
	fmt.Fprintf(&b, "Tests PASSED: %d\n", sum.Counts.Pass)
	fmt.Fprintf(&b, "Tests WARNED: %d\n", sum.Counts.Warn)
	fmt.Fprintf(&b, "Tests FAILED: %d\n", sum.Counts.Fail)
	fmt.Fprintf(&b, "Success Rate: %.1f%%\n\n", sum.SuccessRate)
	fmt.Fprintln(&b, "Detailed Results:")
	fmt.Fprintln(&b, strings.Repeat("-", 60))
	for _, r := range sum.Results {
		fmt.Fprintf(&b, "%-30s [%-10s] : %s\n", r.TestName, r.Channel, strings.ToUpper(string(r.Verdict)))
	}
	return b.String()
}

// TestSummary renders the per-channel test_summary.txt
func TestSummary(r result.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test: %s\n", r.TestName)
	fmt.Fprintf(&b, "Interface: %s\n", r.Channel)
	fmt.Fprintf(&b, "Result: %s\n", strings.ToUpper(string(r.Verdict)))
	if r.Kind != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Kind)
	}
	fmt.Fprintf(&b, "Details: %s\n", r.Message)
	for _, k := range r.Metrics.Keys() {
		fmt.Fprintf(&b, "  %s: %g\n", k, r.Metrics[k])
	}
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "Step %s: %s %s\n", s.Label, strings.ToUpper(string(s.Verdict)), s.Message)
	}
	fmt.Fprintf(&b, "Time: %s\n", r.Finished.Format("2006-01-02 15:04:05"))
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
