package menu

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/discovery"
)

type formField int

const (
	fieldCount formField = iota
	fieldIface
	fieldSource
	fieldEnd
	fieldPort
)

// channelForm collects channels one field per input line
type channelForm struct {
	field    formField
	idx      int
	count    int
	chans    []config.Channel
	detected []discovery.Interface
}

func (c *Controller) configureChannels(ctx context.Context) State {
	if c.form == nil {
		c.form = &channelForm{}
		c.detect(ctx)
	}
	f := c.form

	line, ok := c.readLine(c.prompt())
	if !ok {
		c.form = nil
		return MainMenu
	}
	if line == "0" && f.field == fieldCount {
		c.form = nil
		return MainMenu
	}

	if msg := c.apply(ctx, line); msg != "" {
		c.printf("%s\n", msg)
		return ConfigureChannels
	}
	if f.idx < f.count {
		return ConfigureChannels
	}

	c.channels = f.chans
	c.form = nil
	c.printf("Configured %d channel(s).\n", len(c.channels))
	return MainMenu
}

func (c *Controller) detect(ctx context.Context) {
	ifaces, err := c.inspect.ListInterfaces(ctx)
	if err != nil {
		c.printf("Interface auto-detection failed: %v\n", err)
		return
	}
	c.form.detected = discovery.Active(ifaces)
	c.printf("\nDetected Ethernet ports:\n")
	for _, i := range ifaces {
		state := "up"
		if !i.LinkUp {
			state = "no link"
		}
		c.printf("  %-10s %-15s %5d Mb/s  mtu %-5d %s\n", i.Name, i.IP, i.SpeedMbps, i.MTU, state)
	}
}

// defaults for the current channel: previous config, then detection
func (c *Controller) current() config.Channel {
	f := c.form
	ch := config.Channel{}
	if f.idx < len(c.channels) {
		ch = c.channels[f.idx]
	}
	if f.idx < len(f.detected) {
		d := f.detected[f.idx]
		if ch.Interface == "" {
			ch.Interface = d.Name
		}
		if ch.SourceIP == "" && ch.Interface == d.Name {
			ch.SourceIP = d.IP
		}
	}
	return ch
}

func (c *Controller) prompt() string {
	f := c.form
	if f.field == fieldCount {
		return fmt.Sprintf("Number of channels (1-%d) [%d], 0 = back: ", config.MaxChannels, c.defaultCount())
	}
	ch := f.chans[f.idx]
	n := f.idx + 1
	switch f.field {
	case fieldIface:
		return fmt.Sprintf("Channel %d interface%s: ", n, hint(ch.Interface))
	case fieldSource:
		return fmt.Sprintf("Channel %d source IP%s: ", n, hint(ch.SourceIP))
	case fieldEnd:
		return fmt.Sprintf("Channel %d END system IP%s: ", n, hint(ch.EndIP))
	}
	return fmt.Sprintf("Channel %d iperf3 server port [%d]: ", n, ch.Port())
}

func hint(def string) string {
	if def == "" {
		return ""
	}
	return " [" + def + "]"
}

func (c *Controller) defaultCount() int {
	n := len(c.channels)
	if n == 0 {
		n = len(c.form.detected)
	}
	if n < 1 {
		n = 1
	}
	if n > config.MaxChannels {
		n = config.MaxChannels
	}
	return n
}

// apply consumes one answer. It returns a message when the answer is
// rejected; the field is then asked again.
func (c *Controller) apply(ctx context.Context, line string) string {
	f := c.form
	if f.field == fieldCount {
		n := c.defaultCount()
		if line != "" {
			v, err := strconv.Atoi(line)
			if err != nil || v < 1 || v > config.MaxChannels {
				return fmt.Sprintf("Enter a number between 1 and %d.", config.MaxChannels)
			}
			n = v
		}
		f.count = n
		f.chans = make([]config.Channel, 0, n)
		f.chans = append(f.chans, c.current())
		f.field = fieldIface
		return ""
	}

	ch := &f.chans[f.idx]
	switch f.field {
	case fieldIface:
		name := orDefault(line, ch.Interface)
		if !c.inspect.Exists(ctx, name) {
			return fmt.Sprintf("Interface %q not found.", name)
		}
		ch.Interface = name
		f.field = fieldSource

	case fieldSource:
		ip := orDefault(line, ch.SourceIP)
		if !config.ValidIPv4(ip) {
			return fmt.Sprintf("Invalid IPv4 address %q.", ip)
		}
		ch.SourceIP = ip
		f.field = fieldEnd

	case fieldEnd:
		ip := orDefault(line, ch.EndIP)
		if !config.ValidIPv4(ip) {
			return fmt.Sprintf("Invalid IPv4 address %q.", ip)
		}
		ch.EndIP = ip
		f.field = fieldPort

	case fieldPort:
		port := ch.Port()
		if line != "" {
			v, err := strconv.Atoi(line)
			if err != nil || v < 1 || v > 65535 {
				return fmt.Sprintf("Invalid port %q.", line)
			}
			port = v
		}
		ch.ServerPort = port
		f.idx++
		if f.idx < f.count {
			f.chans = append(f.chans, c.current())
			f.field = fieldIface
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
