package iperf

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/krisarmstrong/nettest/pkg/errkind"
)

// DefaultMSS is assumed when iperf3 does not report start.tcp_mss
const DefaultMSS = 1448

// Summary is the end-of-run totals from iperf3 -J output
type Summary struct {
	SentBps     float64
	ReceivedBps float64
	SumBps      float64 // end.sum (UDP)
	Retransmits int64
	JitterMs    float64
	LostPercent float64
	Seconds     float64
	MSS         int
	MinInterval float64 // lowest per-interval throughput, 0 when no intervals
	HasSent     bool
	HasReceived bool
	HasSum      bool
	HasRetrans  bool
	HasJitter   bool
	HasLoss     bool
}

// Throughput returns the headline rate: end.sum, then received, then sent
func (s Summary) Throughput() float64 {
	switch {
	case s.HasSum && s.SumBps > 0:
		return s.SumBps
	case s.HasReceived && s.ReceivedBps > 0:
		return s.ReceivedBps
	case s.HasSent:
		return s.SentBps
	}
	return s.SumBps
}

// sendRate is the rate segments left the sender at: end.sum, then sent,
// then received
func (s Summary) sendRate() float64 {
	switch {
	case s.HasSum && s.SumBps > 0:
		return s.SumBps
	case s.HasSent && s.SentBps > 0:
		return s.SentBps
	case s.HasReceived:
		return s.ReceivedBps
	}
	return 0
}

// RetransmitPct estimates retransmitted segments as a percentage of the
// segments sent: rt / max(1, bps*seconds/(mss*8)) * 100
func (s Summary) RetransmitPct() float64 {
	bps := s.sendRate()
	if !s.HasRetrans || bps <= 0 {
		return 0
	}
	secs := s.Seconds
	if secs <= 0 {
		secs = 30
	}
	mss := s.MSS
	if mss <= 0 {
		mss = DefaultMSS
	}
	segments := bps * secs / (float64(mss) * 8)
	if segments < 1 {
		segments = 1
	}
	return float64(s.Retransmits) / float64(int64(segments)) * 100
}

// Parse extracts a Summary from iperf3 JSON output. Output that is not
// JSON, or lacks an "end" object, fails with ParseError; an iperf3 "error"
// field fails with ToolFailed.
func Parse(out string) (Summary, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return Summary{}, errkind.Newf(errkind.ParseError, "iperf3", "empty output")
	}
	if !gjson.Valid(out) {
		return Summary{}, errkind.Newf(errkind.ParseError, "iperf3", "output is not valid JSON")
	}

	doc := gjson.Parse(out)
	if msg := doc.Get("error"); msg.Exists() {
		return Summary{}, errkind.New(errkind.ToolFailed, "iperf3", fmt.Errorf("%s", msg.String()))
	}

	end := doc.Get("end")
	if !end.IsObject() {
		return Summary{}, errkind.Newf(errkind.ParseError, "iperf3", "missing end summary")
	}

	var s Summary
	if v := end.Get("sum_sent"); v.IsObject() {
		s.HasSent = true
		s.SentBps = v.Get("bits_per_second").Float()
		if rt := v.Get("retransmits"); rt.Exists() {
			s.HasRetrans = true
			s.Retransmits = rt.Int()
		}
	}
	if v := end.Get("sum_received"); v.IsObject() {
		s.HasReceived = true
		s.ReceivedBps = v.Get("bits_per_second").Float()
	}
	if v := end.Get("sum"); v.IsObject() {
		s.HasSum = true
		s.SumBps = v.Get("bits_per_second").Float()
		if j := v.Get("jitter_ms"); j.Exists() {
			s.HasJitter = true
			s.JitterMs = j.Float()
		}
		if lp := v.Get("lost_percent"); lp.Exists() {
			s.HasLoss = true
			s.LostPercent = lp.Float()
		}
		lost, packets := v.Get("lost_packets"), v.Get("packets")
		if lost.Exists() && packets.Exists() && packets.Float() > 0 {
			s.HasLoss = true
			s.LostPercent = lost.Float() / packets.Float() * 100
		}
	}
	if !s.HasSent && !s.HasReceived && !s.HasSum {
		return Summary{}, errkind.Newf(errkind.ParseError, "iperf3", "end summary has no totals")
	}

	for _, path := range []string{"sum.seconds", "sum_sent.seconds", "sum_received.seconds"} {
		if v := end.Get(path); v.Exists() && v.Float() > 0 {
			s.Seconds = v.Float()
			break
		}
	}

	s.MSS = DefaultMSS
	if mss := doc.Get("start.tcp_mss"); mss.Exists() && mss.Int() > 0 {
		s.MSS = int(mss.Int())
	}

	first := true
	doc.Get("intervals.#.sum.bits_per_second").ForEach(func(_, v gjson.Result) bool {
		if first || v.Float() < s.MinInterval {
			s.MinInterval = v.Float()
			first = false
		}
		return true
	})

	return s, nil
}
