// Package catalog defines the ordered set of Ethernet validation tests.
//
// The table is fixed at start-up. List and Get hand out deep copies, so
// parameterizing or running a definition never changes the catalog.
package catalog

import (
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/iperf"
)

// DefaultDuration applies to throughput steps that do not set their own
const DefaultDuration = 30 * time.Second

// Kind selects how a test is executed
type Kind string

const (
	KindLink       Kind = "link"       // ethtool link speed/duplex
	KindMTU        Kind = "mtu"        // ip link + ping -M do
	KindCounters   Kind = "counters"   // ethtool -S before/after traffic
	KindThroughput Kind = "throughput" // iperf3 steps
)

// Shape is the expected output shape of the test's primary tool
type Shape string

const (
	ShapeJSON Shape = "json"
	ShapeText Shape = "text"
)

// Step is the command template for one iperf3 run within a test
type Step struct {
	Label    string         `json:"label"`
	Protocol iperf.Protocol `json:"protocol"`
	Duration time.Duration  `json:"duration"` // 0 = the run's default duration
	Streams  int            `json:"streams"`
	Reverse  bool           `json:"reverse,omitempty"`
	Bidir    bool           `json:"bidir,omitempty"`
	Window   string         `json:"window,omitempty"`
	Bitrate  string         `json:"bitrate,omitempty"`
	Length   int            `json:"length,omitempty"`
	Interval time.Duration  `json:"interval,omitempty"`
}

// Spec fills the template for one channel
func (s Step) Spec(target string, port int, bind string) iperf.Spec {
	return iperf.Spec{
		Target:   target,
		Port:     port,
		Bind:     bind,
		Protocol: s.Protocol,
		Duration: s.Duration,
		Streams:  s.Streams,
		Reverse:  s.Reverse,
		Bidir:    s.Bidir,
		Window:   s.Window,
		Bitrate:  s.Bitrate,
		Length:   s.Length,
		Interval: s.Interval,
	}
}

// Definition is one catalog entry
type Definition struct {
	ID          string `json:"id"`
	Number      int    `json:"number"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        Kind   `json:"kind"`
	Shape       Shape  `json:"shape"`
	Steps       []Step `json:"steps,omitempty"`
	Stress      bool   `json:"stress,omitempty"`     // run under stress-ng CPU load
	Concurrent  bool   `json:"concurrent,omitempty"` // may run on all channels at once
	Privileged  bool   `json:"privileged,omitempty"` // changes interface settings
	Soak        bool   `json:"soak,omitempty"`       // long-duration run
	JumboMTU    int    `json:"jumbo_mtu,omitempty"`
}

// Clone returns a deep copy
func (d Definition) Clone() Definition {
	if d.Steps != nil {
		steps := make([]Step, len(d.Steps))
		copy(steps, d.Steps)
		d.Steps = steps
	}
	return d
}

// Params are the knobs a run applies to a definition's templates
type Params struct {
	DefaultDuration time.Duration // fills steps without their own duration
	Duration        time.Duration // replaces every step duration
	Protocol        iperf.Protocol
	Streams         int
	Bitrate         string // UDP steps only
	Length          int
	Window          string // TCP steps only
	JumboMTU        int
}

// WithParams returns a parameterized copy of d
func (d Definition) WithParams(p Params) Definition {
	out := d.Clone()
	def := p.DefaultDuration
	if def <= 0 {
		def = DefaultDuration
	}
	for i := range out.Steps {
		s := &out.Steps[i]
		switch {
		case p.Duration > 0:
			s.Duration = p.Duration
		case s.Duration == 0:
			s.Duration = def
		}
		if p.Protocol != "" {
			s.Protocol = p.Protocol
		}
		if p.Streams > 0 {
			s.Streams = p.Streams
		}
		if p.Bitrate != "" && s.Protocol == iperf.UDP {
			s.Bitrate = p.Bitrate
		}
		if p.Length > 0 {
			s.Length = p.Length
		}
		if p.Window != "" && s.Protocol == iperf.TCP {
			s.Window = p.Window
		}
	}
	if p.JumboMTU > 0 && out.Kind == KindMTU {
		out.JumboMTU = p.JumboMTU
	}
	return out
}

// TotalDuration is the sum of step durations
func (d Definition) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range d.Steps {
		total += s.Duration
	}
	return total
}

var concurrentCapable = mapset.NewSet(
	"tcp-unidir",
	"tcp-parallel",
	"tcp-high",
	"udp-line",
	"udp-large",
	"udp-small",
	"udp-500m",
	"udp-100m",
)

func tcp(label string, streams int) Step {
	return Step{Label: label, Protocol: iperf.TCP, Streams: streams}
}

func udp(label, bitrate string, length int) Step {
	return Step{Label: label, Protocol: iperf.UDP, Streams: 1, Bitrate: bitrate, Length: length}
}

var definitions = []Definition{
	{ID: "link", Name: "Link Speed & Duplex", Description: "ethtool link speed & duplex", Kind: KindLink, Shape: ShapeText},
	{ID: "mtu", Name: "MTU/Jumbo Validation", Description: "Probe 1500 and jumbo MTU with DF pings", Kind: KindMTU, Shape: ShapeText, Privileged: true, JumboMTU: 9000},
	{ID: "nic-counters", Name: "NIC Error Counter Check", Description: "ethtool -S before/after traffic", Kind: KindCounters, Shape: ShapeText,
		Steps: []Step{tcp("traffic", 1)}},
	{ID: "tcp-unidir", Name: "TCP Unidirectional (UUT -> END)", Description: "Basic TCP client->server", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{tcp("tcp", 1)}},
	{ID: "tcp-parallel", Name: "TCP Parallel (P streams)", Description: "Parallel TCP streams", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{tcp("tcp-p4", 4)}},
	{ID: "tcp-high", Name: "TCP High (8 streams)", Description: "8-stream saturation", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{tcp("tcp-p8", 8)}},
	{ID: "tcp-reverse", Name: "TCP Reverse (END -> UUT)", Description: "Reverse -R receive path", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{{Label: "tcp-reverse", Protocol: iperf.TCP, Streams: 1, Reverse: true}}},
	{ID: "tcp-bidir", Name: "TCP Bidirectional", Description: "Bi-directional TCP", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{{Label: "tcp-bidir", Protocol: iperf.TCP, Streams: 1, Bidir: true}}},
	{ID: "tcp-window-sweep", Name: "TCP Window Sweep", Description: "Window sizes sweep", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{
			{Label: "window-256K", Protocol: iperf.TCP, Streams: 1, Window: "256K", Duration: 20 * time.Second},
			{Label: "window-512K", Protocol: iperf.TCP, Streams: 1, Window: "512K", Duration: 20 * time.Second},
			{Label: "window-1M", Protocol: iperf.TCP, Streams: 1, Window: "1M", Duration: 20 * time.Second},
			{Label: "window-default", Protocol: iperf.TCP, Streams: 1, Duration: 20 * time.Second},
		}},
	{ID: "tcp-retrans", Name: "TCP Retransmission Monitor", Description: "Long-run retransmission check", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{{Label: "tcp-p4", Protocol: iperf.TCP, Streams: 4, Duration: 60 * time.Second}}},
	{ID: "udp-100m", Name: "UDP Low (100M)", Description: "UDP 100 Mbps", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{udp("udp-100M", "100M", 1470)}},
	{ID: "udp-500m", Name: "UDP Mid (500M)", Description: "UDP 500 Mbps", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{udp("udp-500M", "500M", 1470)}},
	{ID: "udp-line", Name: "UDP Line Rate", Description: "UDP near line-rate", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{udp("udp-1G", "1G", 0)}},
	{ID: "udp-small", Name: "UDP Small Packet (256B)", Description: "PPS small packets", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{udp("udp-256B", "1G", 256)}},
	{ID: "udp-large", Name: "UDP Large Packet (1470B)", Description: "Large UDP payloads", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{udp("udp-1470B", "1G", 1470)}},
	{ID: "udp-mixed", Name: "UDP Mixed (256/512/1470)", Description: "Mixed UDP sizes", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{udp("udp-256B", "200M", 256), udp("udp-512B", "200M", 512), udp("udp-1470B", "200M", 1470)}},
	{ID: "udp-reverse", Name: "UDP Reverse (END->UUT)", Description: "UDP reverse direction", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{{Label: "udp-reverse", Protocol: iperf.UDP, Streams: 1, Bitrate: "100M", Reverse: true}}},
	{ID: "mixed-tcp-udp", Name: "Mixed TCP+UDP", Description: "TCP + UDP sequential", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{tcp("tcp-p2", 2), udp("udp-100M", "100M", 0)}},
	{ID: "sensor", Name: "Sensor Simulation", Description: "Video UDP + telemetry TCP", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{udp("video-udp", "500M", 1470), tcp("control-tcp", 1)}},
	{ID: "cpu-tcp", Name: "CPU Load + TCP", Description: "stress-ng + TCP", Kind: KindThroughput, Shape: ShapeJSON, Stress: true,
		Steps: []Step{tcp("tcp", 1)}},
	{ID: "cpu-udp", Name: "CPU Load + UDP", Description: "stress-ng + UDP", Kind: KindThroughput, Shape: ShapeJSON, Stress: true,
		Steps: []Step{udp("udp-500M", "500M", 0)}},
	{ID: "interval", Name: "Interval / Microburst", Description: "Short-interval microburst", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{{Label: "interval-0.5s", Protocol: iperf.TCP, Streams: 1, Duration: 20 * time.Second, Interval: 500 * time.Millisecond}}},
	{ID: "mtu-mismatch", Name: "MTU Mismatch", Description: "MTU mismatch behavior", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{{Label: "tcp", Protocol: iperf.TCP, Streams: 1, Duration: 10 * time.Second}}},
	{ID: "fairness", Name: "Fairness (2 sessions)", Description: "Per-flow fairness", Kind: KindThroughput, Shape: ShapeJSON,
		Steps: []Step{tcp("session-1", 1), tcp("session-2", 1)}},
	{ID: "soak", Name: "Soak / Stability", Description: "Long soak test", Kind: KindThroughput, Shape: ShapeJSON, Soak: true,
		Steps: []Step{tcp("soak", 1)}},
}

func init() {
	for i := range definitions {
		definitions[i].Number = i + 1
		definitions[i].Concurrent = concurrentCapable.Contains(definitions[i].ID)
	}
}

// List returns every definition in catalog order
func List() []Definition {
	out := make([]Definition, len(definitions))
	for i, d := range definitions {
		out[i] = d.Clone()
	}
	return out
}

// Len is the number of definitions
func Len() int { return len(definitions) }

// Get returns the definition whose id (or catalog number) matches
func Get(id string) (Definition, error) {
	id = strings.TrimSpace(strings.ToLower(id))
	if n, err := strconv.Atoi(id); err == nil {
		if n >= 1 && n <= len(definitions) {
			return definitions[n-1].Clone(), nil
		}
		return Definition{}, errkind.Newf(errkind.NotFound, "catalog", "no test number %d", n)
	}
	for _, d := range definitions {
		if d.ID == id {
			return d.Clone(), nil
		}
	}
	return Definition{}, errkind.Newf(errkind.NotFound, "catalog", "no test %q", id)
}

// Select resolves ids or numbers in the order given. An empty list selects
// the whole catalog.
func Select(ids []string) ([]Definition, error) {
	if len(ids) == 0 {
		return List(), nil
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []Definition
	for _, id := range ids {
		d, err := Get(id)
		if err != nil {
			return nil, err
		}
		if seen.Add(d.ID) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ConcurrentCapable returns the ids that may run on several channels at once
func ConcurrentCapable() mapset.Set[string] {
	return concurrentCapable.Clone()
}
