// Package discovery finds the Ethernet ports that can carry a test
package discovery

import (
	"bufio"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/parser"
	"github.com/krisarmstrong/nettest/pkg/runner"
)

// Ethernet interface name prefixes considered during auto-detection
var Prefixes = []string{"eth", "enp", "ens"}

var linkLineRE = regexp.MustCompile(`^\d+:\s+([^:@\s]+)[@:]`)

// Interface is a read-only snapshot of one port
type Interface struct {
	Name      string `json:"name"`
	IP        string `json:"ip,omitempty"`
	LinkUp    bool   `json:"link_up"`
	SpeedMbps int    `json:"speed_mbps"`
	Duplex    string `json:"duplex,omitempty"`
	MTU       int    `json:"mtu"`
}

// Discoverer queries ip and ethtool
type Discoverer struct {
	runner  runner.Runner
	tools   config.ToolsConfig
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Discoverer. timeout bounds each tool call.
func New(r runner.Runner, tools config.ToolsConfig, timeout time.Duration, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Discoverer{runner: r, tools: tools, timeout: timeout, logger: logger}
}

// ListInterfaces returns every active Ethernet port with link details.
// A port whose ethtool output cannot be read is skipped with a warning; it
// is a DiscoveryError when no tool is available or no port could be read.
func (d *Discoverer) ListInterfaces(ctx context.Context) ([]Interface, error) {
	for _, tool := range []string{d.tools.IP, d.tools.Ethtool} {
		if _, err := d.runner.LookPath(tool); err != nil {
			return nil, errkind.New(errkind.DiscoveryError, "list interfaces", err)
		}
	}

	out, err := d.runner.Run(ctx, runner.Cmd(d.tools.IP, "link", "show"), d.timeout)
	if err != nil {
		return nil, errkind.New(errkind.DiscoveryError, "ip link show", err)
	}
	if out.ExitCode != 0 {
		return nil, errkind.Newf(errkind.DiscoveryError, "ip link show", "exit status %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	candidates := Candidates(out.Stdout)
	if len(candidates) == 0 {
		return nil, errkind.Newf(errkind.DiscoveryError, "list interfaces", "no active Ethernet interfaces (state UP, name %s*)", strings.Join(Prefixes, "*/"))
	}

	var found []Interface
	for _, c := range candidates {
		iface, err := d.inspect(ctx, c)
		if err != nil {
			if errkind.Is(err, errkind.Cancelled) {
				return nil, err
			}
			d.logger.Warn("skipping interface", slog.String("iface", c.Name), slog.Any("err", err))
			continue
		}
		found = append(found, iface)
	}
	if len(found) == 0 {
		return nil, errkind.Newf(errkind.DiscoveryError, "list interfaces", "ethtool output unreadable for all %d interfaces", len(candidates))
	}
	return found, nil
}

// Active filters ifaces down to ports with link detected
func Active(ifaces []Interface) []Interface {
	var out []Interface
	for _, i := range ifaces {
		if i.LinkUp {
			out = append(out, i)
		}
	}
	return out
}

// Inspect reads link details of a single named interface
func (d *Discoverer) Inspect(ctx context.Context, name string) (Interface, error) {
	out, err := d.runner.Run(ctx, runner.Cmd(d.tools.IP, "link", "show", name), d.timeout)
	if err != nil {
		return Interface{}, err
	}
	if out.ExitCode != 0 {
		return Interface{}, errkind.Newf(errkind.NotFound, "inspect", "interface %s does not exist", name)
	}
	iface := Interface{Name: name}
	iface.MTU, _ = parser.ParseMTU(out.Stdout)
	return d.inspect(ctx, iface)
}

func (d *Discoverer) inspect(ctx context.Context, iface Interface) (Interface, error) {
	out, err := d.runner.Run(ctx, runner.Cmd(d.tools.Ethtool, iface.Name), d.timeout)
	if err != nil {
		return iface, err
	}
	link, err := parser.ParseLink(out.Stdout)
	if err != nil {
		return iface, errors.Wrapf(err, "ethtool %s", iface.Name)
	}
	iface.LinkUp = link.Detected
	iface.SpeedMbps = link.SpeedMbps
	iface.Duplex = link.Duplex

	addr, err := d.runner.Run(ctx, runner.Cmd(d.tools.IP, "addr", "show", iface.Name), d.timeout)
	if err == nil {
		iface.IP, _ = parser.ParseIPv4(addr.Stdout)
	}
	return iface, nil
}

// SourceIP reads the IPv4 address of an interface with ip addr show. It
// needs neither ethtool nor link, so a channel can be set up on a host that
// lacks ethtool.
func (d *Discoverer) SourceIP(ctx context.Context, name string) (string, error) {
	out, err := d.runner.Run(ctx, runner.Cmd(d.tools.IP, "addr", "show", name), d.timeout)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", errkind.Newf(errkind.NotFound, "source ip", "interface %s does not exist", name)
	}
	ip, ok := parser.ParseIPv4(out.Stdout)
	if !ok {
		return "", errkind.Newf(errkind.ParseError, "source ip", "interface %s has no IPv4 address", name)
	}
	return ip, nil
}

// Exists reports whether ip link show IFACE succeeds
func (d *Discoverer) Exists(ctx context.Context, name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	out, err := d.runner.Run(ctx, runner.Cmd(d.tools.IP, "link", "show", name), d.timeout)
	return err == nil && out.ExitCode == 0
}

// Candidates picks Ethernet ports from ip link show output: header lines
// that are BROADCAST, in state UP, and carry an Ethernet name prefix
func Candidates(ipLink string) []Interface {
	var out []Interface
	sc := bufio.NewScanner(strings.NewReader(ipLink))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "state UP") || !strings.Contains(line, "BROADCAST") {
			continue
		}
		m := linkLineRE.FindStringSubmatch(line)
		if m == nil || !hasPrefix(m[1]) {
			continue
		}
		iface := Interface{Name: m[1]}
		iface.MTU, _ = parser.ParseMTU(line)
		out = append(out, iface)
	}
	return out
}

func hasPrefix(name string) bool {
	for _, p := range Prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
