// Package config provides YAML configuration support for nettest
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultServerPort is the iperf3 server port used when a channel omits one
const DefaultServerPort = 5201

// MaxChannels is the number of ports that can be tested in one session
const MaxChannels = 4

var ipv4RE = regexp.MustCompile(`^(?:\d{1,3}\.){3}\d{1,3}$`)

// ReportFormat for serialized reports
type ReportFormat string

const (
	FormatText     ReportFormat = "text"
	FormatJSON     ReportFormat = "json"
	FormatYAML     ReportFormat = "yaml"
	FormatCSV      ReportFormat = "csv"
	FormatMarkdown ReportFormat = "markdown"
	FormatXLSX     ReportFormat = "xlsx"
	FormatPDF      ReportFormat = "pdf"
)

// Config represents the full configuration
type Config struct {
	// Test channels (1-4 ports)
	Channels         []Channel `yaml:"channels"`
	ParallelChannels bool      `yaml:"parallel_channels"` // run concurrent-capable tests on all channels at once

	// Pass/fail thresholds
	Thresholds Thresholds          `yaml:"thresholds"`
	Overrides  map[string]Override `yaml:"overrides"` // keyed by test id
	Rules      []Rule              `yaml:"rules"`

	// Test parameters
	Tests  TestsConfig  `yaml:"tests"`
	Stress StressConfig `yaml:"stress"`
	MTU    MTUConfig    `yaml:"mtu"`

	// External tools
	Tools    ToolsConfig    `yaml:"tools"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Output
	ResultsDir string        `yaml:"results_dir"` // Default: results
	Report     ReportConfig  `yaml:"report"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Log        LogConfig     `yaml:"log"`

	// Web UI
	WebUI WebUIConfig `yaml:"web_ui"`
}

// Channel is one local port paired with an END system running iperf3 -s
type Channel struct {
	Interface  string `yaml:"iface" json:"iface"`
	SourceIP   string `yaml:"src_ip" json:"src_ip"`
	EndIP      string `yaml:"end_ip" json:"end_ip"`
	ServerPort int    `yaml:"server_port" json:"server_port"` // Default: 5201
}

// Addr returns the iperf3 server address of the channel
func (c Channel) Addr() string {
	port := c.ServerPort
	if port == 0 {
		port = DefaultServerPort
	}
	return net.JoinHostPort(c.EndIP, fmt.Sprint(port))
}

// Port returns the server port, defaulting to 5201
func (c Channel) Port() int {
	if c.ServerPort == 0 {
		return DefaultServerPort
	}
	return c.ServerPort
}

// Thresholds decide pass/fail/warn from parsed metrics
type Thresholds struct {
	MinBitsPerSecond float64 `yaml:"min_bps" json:"min_bps"`                       // 0 = no absolute floor
	UDPMinRatio      float64 `yaml:"udp_min_ratio" json:"udp_min_ratio"`           // fraction of the UDP target bitrate that must be reached
	MaxRetransmitPct float64 `yaml:"max_retransmit_pct" json:"max_retransmit_pct"` // exceeding it is a warning
	MaxJitterMs      float64 `yaml:"max_jitter_ms" json:"max_jitter_ms"`
	MaxLossPct       float64 `yaml:"max_loss_pct" json:"max_loss_pct"`
	MaxCounterDelta  int64   `yaml:"max_counter_delta" json:"max_counter_delta"` // NIC error counter increase allowed
}

// Override replaces catalog defaults for one test
type Override struct {
	Duration   time.Duration      `yaml:"duration"`
	Streams    int                `yaml:"streams"`
	Bitrate    string             `yaml:"bitrate"`
	Length     int                `yaml:"length"`
	Window     string             `yaml:"window"`
	Thresholds *ThresholdOverride `yaml:"thresholds"`
}

// ThresholdOverride changes only the limits that are set; the rest are
// inherited from the global thresholds
type ThresholdOverride struct {
	MinBitsPerSecond *float64 `yaml:"min_bps,omitempty"`
	UDPMinRatio      *float64 `yaml:"udp_min_ratio,omitempty"`
	MaxRetransmitPct *float64 `yaml:"max_retransmit_pct,omitempty"`
	MaxJitterMs      *float64 `yaml:"max_jitter_ms,omitempty"`
	MaxLossPct       *float64 `yaml:"max_loss_pct,omitempty"`
	MaxCounterDelta  *int64   `yaml:"max_counter_delta,omitempty"`
}

// Apply returns base with the set fields replaced
func (o ThresholdOverride) Apply(base Thresholds) Thresholds {
	if o.MinBitsPerSecond != nil {
		base.MinBitsPerSecond = *o.MinBitsPerSecond
	}
	if o.UDPMinRatio != nil {
		base.UDPMinRatio = *o.UDPMinRatio
	}
	if o.MaxRetransmitPct != nil {
		base.MaxRetransmitPct = *o.MaxRetransmitPct
	}
	if o.MaxJitterMs != nil {
		base.MaxJitterMs = *o.MaxJitterMs
	}
	if o.MaxLossPct != nil {
		base.MaxLossPct = *o.MaxLossPct
	}
	if o.MaxCounterDelta != nil {
		base.MaxCounterDelta = *o.MaxCounterDelta
	}
	return base
}

// Rule is a custom verdict expression evaluated over the metric map
type Rule struct {
	Name    string   `yaml:"name"`
	Expr    string   `yaml:"expr"`    // e.g. "lost_pct > 0.5 && jitter_ms > 2"
	Verdict string   `yaml:"verdict"` // warn or fail
	Tests   []string `yaml:"tests"`   // empty = all tests
}

// TestsConfig holds durations applied to catalog steps
type TestsConfig struct {
	Duration       time.Duration `yaml:"duration"`        // 0 = catalog default per test
	SoakDuration   time.Duration `yaml:"soak_duration"`   // Default: 15m
	CounterTraffic time.Duration `yaml:"counter_traffic"` // traffic between ethtool -S snapshots
	Only           []string      `yaml:"only"`            // restrict the full suite to these ids
}

// StressConfig for the CPU load generator
type StressConfig struct {
	Workers     int           `yaml:"workers"`      // Default: 2
	GracePeriod time.Duration `yaml:"grace_period"` // wait before measuring
}

// MTUConfig for the MTU/jumbo validation test
type MTUConfig struct {
	Standard      int   `yaml:"standard"`     // Default: 1500
	Jumbo         int   `yaml:"jumbo"`        // Default: 9000
	AllowChange   bool  `yaml:"allow_change"` // set local MTU (needs root)
	StandardProbe []int `yaml:"standard_probe"`
	JumboProbe    []int `yaml:"jumbo_probe"`
}

// ToolsConfig names the external binaries
type ToolsConfig struct {
	Iperf   string `yaml:"iperf"`
	Ethtool string `yaml:"ethtool"`
	IP      string `yaml:"ip"`
	Ping    string `yaml:"ping"`
	Stress  string `yaml:"stress"`
}

// TimeoutsConfig bounds every external invocation
type TimeoutsConfig struct {
	Slack        time.Duration `yaml:"slack"`        // added to the iperf3 duration
	Inspect      time.Duration `yaml:"inspect"`      // ip/ethtool/ping calls
	Reachability time.Duration `yaml:"reachability"` // TCP dial to the iperf3 server
}

// ReportConfig for serialized run reports
type ReportConfig struct {
	Formats []ReportFormat `yaml:"formats"` // written into each full-suite directory
	Chart   bool           `yaml:"chart"`   // throughput.png
}

// MetricsConfig for Prometheus export
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node_exporter textfile path, empty = off
}

// LogConfig for slog
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // auto, text, json
	File   string `yaml:"file"`
}

// WebUIConfig for web interface
type WebUIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g., ":8080"
}

// DefaultThresholds returns the thresholds used when the config omits them
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinBitsPerSecond: 0,
		UDPMinRatio:      0.9,
		MaxRetransmitPct: 0.001,
		MaxJitterMs:      5.0,
		MaxLossPct:       1.0,
		MaxCounterDelta:  0,
	}
}

// DefaultMTUConfig returns default MTU probe settings
func DefaultMTUConfig() MTUConfig {
	return MTUConfig{
		Standard:      1500,
		Jumbo:         9000,
		AllowChange:   true,
		StandardProbe: []int{1472},
		JumboProbe:    []int{8950, 8972, 8900, 8800},
	}
}

// DefaultToolsConfig returns the binary names looked up on PATH
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		Iperf:   "iperf3",
		Ethtool: "ethtool",
		IP:      "ip",
		Ping:    "ping",
		Stress:  "stress-ng",
	}
}

// DefaultConfig returns a configuration with the nettest defaults
func DefaultConfig() *Config {
	return &Config{
		Channels:         []Channel{},
		ParallelChannels: false,
		Thresholds:       DefaultThresholds(),
		Overrides:        map[string]Override{},

		Tests: TestsConfig{
			SoakDuration:   15 * time.Minute,
			CounterTraffic: 10 * time.Second,
		},

		Stress: StressConfig{
			Workers:     2,
			GracePeriod: 2 * time.Second,
		},

		MTU:   DefaultMTUConfig(),
		Tools: DefaultToolsConfig(),

		Timeouts: TimeoutsConfig{
			Slack:        15 * time.Second,
			Inspect:      10 * time.Second,
			Reachability: 2 * time.Second,
		},

		ResultsDir: "results",
		Report: ReportConfig{
			Formats: []ReportFormat{FormatJSON},
			Chart:   true,
		},

		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},

		WebUI: WebUIConfig{
			Enabled: false,
			Address: ":8080",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Validate checks configuration for errors. An empty channel list is valid;
// the menu asks for channels before running anything.
func (c *Config) Validate() error {
	if len(c.Channels) > MaxChannels {
		return fmt.Errorf("at most %d channels supported, got %d", MaxChannels, len(c.Channels))
	}
	for i, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("channel %d: %w", i+1, err)
		}
	}

	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	for id, o := range c.Overrides {
		if o.Streams < 0 || o.Length < 0 || o.Duration < 0 {
			return fmt.Errorf("override %s: negative value", id)
		}
		if o.Thresholds != nil {
			if err := o.Thresholds.Apply(c.Thresholds).Validate(); err != nil {
				return fmt.Errorf("override %s: %w", id, err)
			}
		}
	}

	for i, r := range c.Rules {
		if r.Expr == "" {
			return fmt.Errorf("rule %d: expr is required", i+1)
		}
		switch r.Verdict {
		case "warn", "fail":
		default:
			return fmt.Errorf("rule %d: verdict must be warn or fail, got %q", i+1, r.Verdict)
		}
	}

	if c.Stress.Workers < 1 {
		return fmt.Errorf("stress workers must be >= 1")
	}
	if c.MTU.Jumbo <= c.MTU.Standard {
		return fmt.Errorf("jumbo MTU %d must exceed standard MTU %d", c.MTU.Jumbo, c.MTU.Standard)
	}
	if c.Timeouts.Inspect <= 0 || c.Timeouts.Reachability <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}

	for _, f := range c.Report.Formats {
		if !ValidFormat(f) {
			return fmt.Errorf("invalid report format: %s", f)
		}
	}

	return nil
}

// Validate checks one channel
func (ch Channel) Validate() error {
	if ch.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if !ValidIPv4(ch.SourceIP) {
		return fmt.Errorf("invalid source IP: %q", ch.SourceIP)
	}
	if !ValidIPv4(ch.EndIP) {
		return fmt.Errorf("invalid end IP: %q", ch.EndIP)
	}
	if ch.ServerPort < 0 || ch.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", ch.ServerPort)
	}
	return nil
}

// Validate checks threshold ranges
func (t Thresholds) Validate() error {
	if t.MinBitsPerSecond < 0 {
		return fmt.Errorf("min_bps must be >= 0")
	}
	if t.UDPMinRatio < 0 || t.UDPMinRatio > 1 {
		return fmt.Errorf("udp_min_ratio must be between 0 and 1")
	}
	if t.MaxRetransmitPct < 0 || t.MaxJitterMs < 0 || t.MaxLossPct < 0 || t.MaxCounterDelta < 0 {
		return fmt.Errorf("maximums must be >= 0")
	}
	return nil
}

// ThresholdsFor returns the thresholds that apply to a test id
func (c *Config) ThresholdsFor(id string) Thresholds {
	if o, ok := c.Overrides[id]; ok && o.Thresholds != nil {
		return o.Thresholds.Apply(c.Thresholds)
	}
	return c.Thresholds
}

// ValidIPv4 reports whether s is a dotted-quad IPv4 address
func ValidIPv4(s string) bool {
	if !ipv4RE.MatchString(s) {
		return false
	}
	return net.ParseIP(s) != nil
}

// ValidFormat reports whether f is a known report format
func ValidFormat(f ReportFormat) bool {
	switch f {
	case FormatText, FormatJSON, FormatYAML, FormatCSV, FormatMarkdown, FormatXLSX, FormatPDF:
		return true
	}
	return false
}
