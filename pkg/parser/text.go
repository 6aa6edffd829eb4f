package parser

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/krisarmstrong/nettest/pkg/errkind"
)

var (
	speedRE = regexp.MustCompile(`Speed:\s*(\d+)`)
	mtuRE   = regexp.MustCompile(`mtu\s+(\d+)`)
	inetRE  = regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)/`)
)

// LinkInfo is what ethtool IFACE reports about the link
type LinkInfo struct {
	Detected  bool
	HasLink   bool // a "Link detected:" line was present
	SpeedMbps int  // 0 when unknown
	Duplex    string
}

// KeyValues splits "key: value" lines. Keys and values are trimmed; lines
// without a colon are skipped.
func KeyValues(out string) map[string]string {
	kv := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		kv[k] = strings.TrimSpace(v)
	}
	return kv
}

// ParseLink reads ethtool IFACE output
func ParseLink(out string) (LinkInfo, error) {
	kv := KeyValues(out)
	var info LinkInfo

	if v, ok := kv["Link detected"]; ok {
		info.HasLink = true
		info.Detected = strings.EqualFold(v, "yes")
	}
	if m := speedRE.FindStringSubmatch(out); m != nil {
		info.SpeedMbps, _ = strconv.Atoi(m[1])
	}
	info.Duplex = strings.ToLower(kv["Duplex"])

	if !info.HasLink && info.SpeedMbps == 0 && info.Duplex == "" {
		return info, errkind.Newf(errkind.ParseError, "ethtool", "no link fields in output")
	}
	return info, nil
}

// ParseMTU extracts the mtu field from ip link show output
func ParseMTU(out string) (int, error) {
	m := mtuRE.FindStringSubmatch(out)
	if m == nil {
		return 0, errkind.Newf(errkind.ParseError, "ip link", "no mtu in output")
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, errkind.New(errkind.ParseError, "ip link", err)
	}
	return n, nil
}

// ParseIPv4 returns the first inet address in ip addr show output
func ParseIPv4(out string) (string, bool) {
	m := inetRE.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseCounters reads ethtool -S statistics. Lines that are not
// "name: integer" (including the "NIC statistics:" header) are ignored.
func ParseCounters(out string) (map[string]int64, error) {
	counters := map[string]int64{}
	for k, v := range KeyValues(out) {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counters[k] = n
	}
	if len(counters) == 0 {
		return nil, errkind.Newf(errkind.ParseError, "ethtool -S", "no counters in output")
	}
	return counters, nil
}
