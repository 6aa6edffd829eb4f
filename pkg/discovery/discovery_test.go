package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/runner"
	"github.com/krisarmstrong/nettest/pkg/runner/runnertest"
)

const ipLink = `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN mode DEFAULT group default qlen 1000
    link/loopback 00:00:00:00:00:00 brd 00:00:00:00:00:00
2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc mq state UP mode DEFAULT group default qlen 1000
    link/ether 02:42:ac:11:00:02 brd ff:ff:ff:ff:ff:ff
3: enp3s0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 9000 qdisc mq state UP mode DEFAULT group default qlen 1000
    link/ether 02:42:ac:11:00:03 brd ff:ff:ff:ff:ff:ff
4: ens5: <BROADCAST,MULTICAST> mtu 1500 qdisc noop state DOWN mode DEFAULT group default qlen 1000
5: wlan0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP mode DORMANT group default qlen 1000
6: eth1@if7: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP mode DEFAULT group default
`

const ethtoolUp = `Settings for eth0:
	Speed: 1000Mb/s
	Duplex: Full
	Link detected: yes
`

func newDiscoverer(f *runnertest.Fake) *Discoverer {
	return New(f, config.DefaultToolsConfig(), 0, nil)
}

func TestCandidates(t *testing.T) {
	got := Candidates(ipLink)
	require.Len(t, got, 3)
	assert.Equal(t, "eth0", got[0].Name)
	assert.Equal(t, 1500, got[0].MTU)
	assert.Equal(t, "enp3s0", got[1].Name)
	assert.Equal(t, 9000, got[1].MTU)
	assert.Equal(t, "eth1", got[2].Name)
}

func TestListInterfaces(t *testing.T) {
	f := runnertest.New().
		Stdout("ip link show", ipLink).
		Stdout("ethtool eth0", ethtoolUp).
		Stdout("ethtool enp3s0", "Settings for enp3s0:\n\tSpeed: 10000Mb/s\n\tDuplex: Full\n\tLink detected: no\n").
		Stdout("ethtool eth1", "garbage").
		Stdout("ip addr show eth0", "    inet 192.168.1.10/24 brd 192.168.1.255 scope global eth0\n")

	ifaces, err := newDiscoverer(f).ListInterfaces(context.Background())
	require.NoError(t, err)
	require.Len(t, ifaces, 2, "eth1 is skipped")

	assert.Equal(t, Interface{Name: "eth0", IP: "192.168.1.10", LinkUp: true, SpeedMbps: 1000, Duplex: "full", MTU: 1500}, ifaces[0])
	assert.Equal(t, "enp3s0", ifaces[1].Name)
	assert.False(t, ifaces[1].LinkUp)

	active := Active(ifaces)
	require.Len(t, active, 1)
	assert.Equal(t, "eth0", active[0].Name)
}

func TestListInterfacesToolMissing(t *testing.T) {
	f := runnertest.New().Missing("ethtool")

	_, err := newDiscoverer(f).ListInterfaces(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.DiscoveryError, errkind.Of(err))
	assert.Empty(t, f.Calls())
}

func TestListInterfacesNoneReadable(t *testing.T) {
	f := runnertest.New().
		Stdout("ip link show", ipLink).
		Stdout("ethtool", "Cannot get device settings")

	_, err := newDiscoverer(f).ListInterfaces(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.DiscoveryError, errkind.Of(err))
}

func TestListInterfacesNoCandidates(t *testing.T) {
	f := runnertest.New().Stdout("ip link show", "1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 state UNKNOWN\n")

	_, err := newDiscoverer(f).ListInterfaces(context.Background())
	assert.True(t, errkind.Is(err, errkind.DiscoveryError))
}

func TestExists(t *testing.T) {
	f := runnertest.New().
		Stdout("ip link show eth0", "2: eth0: <BROADCAST> mtu 1500 state UP").
		On("ip link show eth9", runnertest.Response{Output: runner.Output{Stderr: "Device \"eth9\" does not exist.", ExitCode: 1}})
	d := newDiscoverer(f)

	assert.True(t, d.Exists(context.Background(), "eth0"))
	assert.False(t, d.Exists(context.Background(), "eth9"))
	assert.False(t, d.Exists(context.Background(), " "))
}

func TestInspect(t *testing.T) {
	f := runnertest.New().
		Stdout("ip link show eth0", "2: eth0: <BROADCAST,UP> mtu 9000 qdisc mq state UP").
		Stdout("ethtool eth0", ethtoolUp).
		On("ip link show eth9", runnertest.Response{Output: runner.Output{ExitCode: 1}})
	d := newDiscoverer(f)

	iface, err := d.Inspect(context.Background(), "eth0")
	require.NoError(t, err)
	assert.Equal(t, 9000, iface.MTU)
	assert.Equal(t, 1000, iface.SpeedMbps)
	assert.Empty(t, iface.IP)

	_, err = d.Inspect(context.Background(), "eth9")
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestSourceIPWithoutEthtool(t *testing.T) {
	f := runnertest.New().
		Missing("ethtool").
		Stdout("ip addr show eth0", "2: eth0: <BROADCAST,UP> mtu 1500\n    inet 192.168.1.10/24 brd 192.168.1.255 scope global eth0\n").
		Stdout("ip addr show eth1", "3: eth1: <BROADCAST,UP> mtu 1500\n    inet6 fe80::1/64 scope link\n").
		On("ip addr show eth9", runnertest.Response{Output: runner.Output{Stderr: "Device \"eth9\" does not exist.", ExitCode: 1}})
	d := newDiscoverer(f)

	ip, err := d.SourceIP(context.Background(), "eth0")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", ip)

	_, err = d.SourceIP(context.Background(), "eth1")
	assert.True(t, errkind.Is(err, errkind.ParseError))

	_, err = d.SourceIP(context.Background(), "eth9")
	assert.True(t, errkind.Is(err, errkind.NotFound))

	for _, c := range f.CallStrings() {
		assert.NotContains(t, c, "ethtool")
	}
}
