// Package iperf builds iperf3 client invocations and reads their JSON output
package iperf

import (
	"strconv"
	"time"

	"github.com/krisarmstrong/nettest/pkg/runner"
)

// Protocol selects TCP or UDP
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// Spec describes one iperf3 client run
type Spec struct {
	Target   string
	Port     int
	Bind     string // local source address (-B)
	Protocol Protocol
	Duration time.Duration
	Streams  int
	Reverse  bool
	Bidir    bool
	Window   string // e.g. 256K
	Bitrate  string // e.g. 500M
	Length   int    // buffer/datagram length in bytes
	Interval time.Duration
}

// Args returns the iperf3 argument list, always ending in -J
func (s Spec) Args() []string {
	var args []string
	if s.Protocol == UDP {
		args = append(args, "-u")
	}
	if s.Bind != "" {
		args = append(args, "-B", s.Bind)
	}
	args = append(args, "-c", s.Target)
	if s.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.Port))
	}

	streams := s.Streams
	if streams < 1 {
		streams = 1
	}
	args = append(args, "-t", strconv.Itoa(Seconds(s.Duration)), "-P", strconv.Itoa(streams))

	if s.Reverse {
		args = append(args, "-R")
	}
	if s.Bidir {
		args = append(args, "--bidir")
	}
	if s.Window != "" {
		args = append(args, "-w", s.Window)
	}
	if s.Bitrate != "" {
		args = append(args, "-b", s.Bitrate)
	}
	if s.Length > 0 {
		args = append(args, "-l", strconv.Itoa(s.Length))
	}
	if s.Interval > 0 {
		args = append(args, "-i", strconv.FormatFloat(s.Interval.Seconds(), 'f', -1, 64))
	}
	return append(args, "-J")
}

// Command returns the runner command for the given iperf3 binary
func (s Spec) Command(binary string) runner.Command {
	if binary == "" {
		binary = "iperf3"
	}
	return runner.Cmd(binary, s.Args()...)
}

// Seconds rounds d up to whole seconds, minimum 1
func Seconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ParseBitrate converts iperf3 rate notation (100M, 1G, 500K, 2000) to bits per second
func ParseBitrate(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1e3
	case 'M', 'm':
		mult = 1e6
	case 'G', 'g':
		mult = 1e9
	case 'T', 't':
		mult = 1e12
	}
	num := s
	if mult != 1.0 {
		num = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v * mult, true
}
