package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/iperf"
)

// ============================================================================
// Lookup Tests
// ============================================================================

func TestListOrder(t *testing.T) {
	defs := List()
	require.Len(t, defs, 25)

	assert.Equal(t, "link", defs[0].ID)
	assert.Equal(t, "mtu", defs[1].ID)
	assert.Equal(t, "nic-counters", defs[2].ID)
	assert.Equal(t, "soak", defs[24].ID)

	seen := map[string]bool{}
	for i, d := range defs {
		assert.Equal(t, i+1, d.Number)
		assert.False(t, seen[d.ID], "duplicate id %s", d.ID)
		seen[d.ID] = true
		assert.NotEmpty(t, d.Name)
	}
}

func TestGetMatchesID(t *testing.T) {
	for _, d := range List() {
		got, err := Get(d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)
	}
}

func TestGetByNumber(t *testing.T) {
	d, err := Get("9")
	require.NoError(t, err)
	assert.Equal(t, "tcp-window-sweep", d.ID)
	assert.Len(t, d.Steps, 4)
}

func TestGetNotFound(t *testing.T) {
	for _, id := range []string{"nope", "0", "26", ""} {
		_, err := Get(id)
		require.Error(t, err, id)
		assert.Equal(t, errkind.NotFound, errkind.Of(err), id)
	}
}

func TestSelect(t *testing.T) {
	defs, err := Select([]string{"udp-100m", "4", "tcp-unidir"})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "udp-100m", defs[0].ID)
	assert.Equal(t, "tcp-unidir", defs[1].ID)

	all, err := Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, Len())

	_, err = Select([]string{"bogus"})
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

// ============================================================================
// Immutability Tests
// ============================================================================

func TestListDoesNotExposeTable(t *testing.T) {
	first := List()
	first[8].Steps[0].Window = "64K"
	first[0].Name = "changed"

	second := List()
	assert.Equal(t, "256K", second[8].Steps[0].Window)
	assert.Equal(t, "Link Speed & Duplex", second[0].Name)
}

func TestWithParamsLeavesCatalog(t *testing.T) {
	d, err := Get("udp-mixed")
	require.NoError(t, err)

	p := d.WithParams(Params{Duration: 5 * time.Second, Bitrate: "50M"})
	for _, s := range p.Steps {
		assert.Equal(t, 5*time.Second, s.Duration)
		assert.Equal(t, "50M", s.Bitrate)
	}

	again, _ := Get("udp-mixed")
	assert.Equal(t, "200M", again.Steps[0].Bitrate)
	assert.Equal(t, time.Duration(0), again.Steps[0].Duration)
}

// ============================================================================
// Parameterization Tests
// ============================================================================

func TestWithParamsDefaults(t *testing.T) {
	d, _ := Get("tcp-window-sweep")
	p := d.WithParams(Params{DefaultDuration: 10 * time.Second})
	for _, s := range p.Steps {
		assert.Equal(t, 20*time.Second, s.Duration, "explicit step durations are kept")
	}
	assert.Equal(t, 80*time.Second, p.TotalDuration())

	d, _ = Get("tcp-unidir")
	assert.Equal(t, DefaultDuration, d.WithParams(Params{}).Steps[0].Duration)
}

func TestWithParamsProtocolScoped(t *testing.T) {
	d, _ := Get("mixed-tcp-udp")
	p := d.WithParams(Params{Bitrate: "10M", Window: "128K", Streams: 3})

	tcpStep, udpStep := p.Steps[0], p.Steps[1]
	assert.Equal(t, iperf.TCP, tcpStep.Protocol)
	assert.Equal(t, "128K", tcpStep.Window)
	assert.Empty(t, tcpStep.Bitrate)
	assert.Equal(t, "10M", udpStep.Bitrate)
	assert.Empty(t, udpStep.Window)
	assert.Equal(t, 3, tcpStep.Streams)
	assert.Equal(t, 3, udpStep.Streams)
}

func TestWithParamsJumbo(t *testing.T) {
	d, _ := Get("mtu")
	assert.Equal(t, 9000, d.JumboMTU)
	assert.Equal(t, 9216, d.WithParams(Params{JumboMTU: 9216}).JumboMTU)

	tcp, _ := Get("tcp-unidir")
	assert.Equal(t, 0, tcp.WithParams(Params{JumboMTU: 9216}).JumboMTU)
}

func TestStepSpec(t *testing.T) {
	d, _ := Get("udp-small")
	spec := d.WithParams(Params{}).Steps[0].Spec("10.0.0.2", 5202, "10.0.0.1")

	assert.Equal(t, []string{
		"-u", "-B", "10.0.0.1", "-c", "10.0.0.2", "-p", "5202",
		"-t", "30", "-P", "1", "-b", "1G", "-l", "256", "-J",
	}, spec.Args())
}

func TestConcurrentCapable(t *testing.T) {
	set := ConcurrentCapable()
	assert.Equal(t, 8, set.Cardinality())

	for _, d := range List() {
		assert.Equal(t, set.Contains(d.ID), d.Concurrent, d.ID)
	}

	set.Add("soak")
	assert.False(t, ConcurrentCapable().Contains("soak"))
}

func TestStressAndPrivilegeFlags(t *testing.T) {
	for _, d := range List() {
		switch d.ID {
		case "cpu-tcp", "cpu-udp":
			assert.True(t, d.Stress, d.ID)
		default:
			assert.False(t, d.Stress, d.ID)
		}
		assert.Equal(t, d.ID == "mtu", d.Privileged, d.ID)
		assert.Equal(t, d.Kind == KindThroughput || d.Kind == KindCounters, len(d.Steps) > 0, d.ID)
	}
}
