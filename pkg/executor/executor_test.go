package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/result"
	"github.com/krisarmstrong/nettest/pkg/runner"
	"github.com/krisarmstrong/nettest/pkg/runner/runnertest"
	"github.com/krisarmstrong/nettest/pkg/session"
)

var eth0 = config.Channel{Interface: "eth0", SourceIP: "10.0.0.1", EndIP: "10.0.0.2"}
var eth1 = config.Channel{Interface: "eth1", SourceIP: "10.0.1.1", EndIP: "10.0.1.2", ServerPort: 5202}

func tcpJSON(bps float64) string {
	return fmt.Sprintf(`{"start":{"tcp_mss":1448},"end":{`+
		`"sum_sent":{"seconds":30,"bits_per_second":%g,"retransmits":0},`+
		`"sum_received":{"seconds":30,"bits_per_second":%g}}}`, bps, bps)
}

const ethtoolLink = "Settings for eth0:\n\tSpeed: 1000Mb/s\n\tDuplex: Full\n\tLink detected: yes\n"

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Stress.GracePeriod = 10 * time.Millisecond
	cfg.ResultsDir = t.TempDir()
	cfg.Report.Chart = false
	return cfg
}

func dialOK(context.Context, string, string) (net.Conn, error) {
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func dialRefused(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connect: connection refused")
}

func newExecutor(t *testing.T, f *runnertest.Fake, cfg *config.Config, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{WithDialer(dialOK), WithPrivilegeCheck(func() bool { return true })}, opts...)
	e, err := New(f, cfg, opts...)
	require.NoError(t, err)
	return e
}

func mustGet(t *testing.T, id string) catalog.Definition {
	t.Helper()
	d, err := catalog.Get(id)
	require.NoError(t, err)
	return d
}

// ============================================================================
// Throughput Tests
// ============================================================================

func TestRunTestThroughput(t *testing.T) {
	f := runnertest.New().Stdout("iperf3", tcpJSON(950e6))
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "tcp-parallel"), eth0)
	assert.Equal(t, result.Pass, r.Verdict)
	assert.Equal(t, 5, r.Number)
	assert.Equal(t, 950e6, r.Metrics[result.MetricThroughput])
	require.Len(t, r.Steps, 1)
	assert.Equal(t, "iperf3 -B 10.0.0.1 -c 10.0.0.2 -p 5201 -t 30 -P 4 -J", r.Steps[0].Command)
}

func TestRunTestUnreachable(t *testing.T) {
	f := runnertest.New()
	e := newExecutor(t, f, newConfig(t), WithDialer(dialRefused))

	r := e.RunTest(context.Background(), mustGet(t, "tcp-unidir"), eth1)
	assert.Equal(t, result.Fail, r.Verdict)
	assert.Equal(t, errkind.Unreachable, r.Kind)
	assert.Contains(t, r.Message, "iperf3 -s -p 5202")
	assert.Empty(t, f.Calls(), "iperf3 is not started against a closed port")
}

func TestRunTestTimeout(t *testing.T) {
	f := runnertest.New().On("iperf3", runnertest.Response{Delay: 5 * time.Second})
	cfg := newConfig(t)
	cfg.Timeouts.Slack = 10 * time.Millisecond
	cfg.Overrides["tcp-unidir"] = config.Override{Duration: 10 * time.Millisecond}
	e := newExecutor(t, f, cfg)

	start := time.Now()
	r := e.RunTest(context.Background(), mustGet(t, "tcp-unidir"), eth0)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, result.Fail, r.Verdict)
	assert.Equal(t, errkind.Timeout, r.Kind)
}

func TestRunTestMultiStepKeepsGoing(t *testing.T) {
	f := runnertest.New().On("iperf3",
		runnertest.Response{Output: runner.Output{Stdout: tcpJSON(940e6)}},
		runnertest.Response{Output: runner.Output{Stdout: "not json"}},
		runnertest.Response{Output: runner.Output{Stdout: tcpJSON(930e6)}},
	)
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "tcp-window-sweep"), eth0)
	assert.Equal(t, result.Fail, r.Verdict)
	assert.Equal(t, errkind.ParseError, r.Kind)
	require.Len(t, r.Steps, 4)
	assert.Equal(t, result.Pass, r.Steps[3].Verdict)
	assert.Contains(t, r.Steps[0].Command, "-w 256K")
	assert.Contains(t, r.Steps[0].Command, "-t 20")
}

// ============================================================================
// Stress Pairing Tests
// ============================================================================

func TestStressPairing(t *testing.T) {
	f := runnertest.New().Stdout("iperf3", tcpJSON(900e6))
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "cpu-tcp"), eth0)
	assert.Equal(t, result.Pass, r.Verdict)

	calls := f.CallStrings()
	require.Len(t, calls, 2)
	assert.Equal(t, "stress-ng --cpu 2 --timeout 46s", calls[0])
	assert.Contains(t, calls[1], "iperf3")

	procs := f.Processes()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Stopped())
}

func TestStressStoppedWhenThroughputTimesOut(t *testing.T) {
	f := runnertest.New().On("iperf3", runnertest.Response{Delay: 5 * time.Second})
	cfg := newConfig(t)
	cfg.Timeouts.Slack = 10 * time.Millisecond
	cfg.Overrides["cpu-udp"] = config.Override{Duration: 10 * time.Millisecond}
	e := newExecutor(t, f, cfg)

	r := e.RunTest(context.Background(), mustGet(t, "cpu-udp"), eth0)
	assert.Equal(t, errkind.Timeout, r.Kind)
	require.Len(t, f.Processes(), 1)
	assert.True(t, f.Processes()[0].Stopped())
}

func TestStressExitsDuringGrace(t *testing.T) {
	f := runnertest.New().ExitEarly()
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "cpu-tcp"), eth0)
	assert.Equal(t, result.Fail, r.Verdict)
	assert.Equal(t, errkind.ToolFailed, r.Kind)
	assert.Len(t, f.CallStrings(), 1, "iperf3 does not run without load")
}

func TestStressMissing(t *testing.T) {
	f := runnertest.New().Missing("stress-ng")
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "cpu-udp"), eth0)
	assert.Equal(t, errkind.ToolNotFound, r.Kind)
}

// ============================================================================
// MTU Tests
// ============================================================================

func mtuFake() *runnertest.Fake {
	return runnertest.New().
		On("ip link show dev eth0",
			runnertest.Response{Output: runner.Output{Stdout: "2: eth0: <BROADCAST,UP> mtu 1500 state UP"}},
			runnertest.Response{Output: runner.Output{Stdout: "2: eth0: <BROADCAST,UP> mtu 9000 state UP"}},
		).
		Stdout("ping -c 3 -M do -s 1472 10.0.0.2", "3 packets transmitted, 3 received").
		On("ping -c 3 -M do -s 8950 10.0.0.2", runnertest.Response{Output: runner.Output{Stdout: "message too long", ExitCode: 1}}).
		Stdout("ping -c 3 -M do -s 8972 10.0.0.2", "3 packets transmitted, 3 received")
}

func TestMTUPermissionDenied(t *testing.T) {
	f := mtuFake()
	e := newExecutor(t, f, newConfig(t), WithPrivilegeCheck(func() bool { return false }))

	r := e.RunTest(context.Background(), mustGet(t, "mtu"), eth0)
	assert.Equal(t, result.Fail, r.Verdict)
	assert.Equal(t, errkind.PermissionDenied, r.Kind)
	assert.Empty(t, f.Calls())
}

func TestMTUAsRoot(t *testing.T) {
	f := mtuFake()
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "mtu"), eth0)
	assert.Equal(t, result.Pass, r.Verdict, r.Message)
	assert.Equal(t, 9000.0, r.Metrics[result.MetricMTU])
	assert.Equal(t, 8972.0, r.Metrics[result.MetricPayload])

	calls := f.CallStrings()
	assert.Equal(t, "ip link set dev eth0 mtu 1500", calls[0])
	assert.Contains(t, calls, "ip link set dev eth0 mtu 9000")
	assert.Equal(t, "ip link set dev eth0 mtu 1500", calls[len(calls)-1], "standard MTU restored last")
}

func TestMTURestoredAfterFailure(t *testing.T) {
	f := mtuFake().On("ip link set dev eth0 mtu 9000", runnertest.Response{
		Output: runner.Output{Stderr: "RTNETLINK answers: Operation not permitted\n", ExitCode: 2},
	})
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "mtu"), eth0)
	assert.Equal(t, result.Fail, r.Verdict)
	assert.Equal(t, errkind.PermissionDenied, r.Kind)

	calls := f.CallStrings()
	assert.Equal(t, "ip link set dev eth0 mtu 1500", calls[len(calls)-1])
}

func TestMTUWithoutChange(t *testing.T) {
	f := runnertest.New().
		Stdout("ip link show dev eth0", "2: eth0: <BROADCAST,UP> mtu 1500 state UP").
		Stdout("ping", "ok")
	cfg := newConfig(t)
	cfg.MTU.AllowChange = false
	e := newExecutor(t, f, cfg, WithPrivilegeCheck(func() bool { return false }))

	r := e.RunTest(context.Background(), mustGet(t, "mtu"), eth0)
	assert.Equal(t, result.Warn, r.Verdict)
	assert.Contains(t, r.Message, "9000 probe skipped")
	for _, c := range f.CallStrings() {
		assert.NotContains(t, c, "link set")
	}
}

// ============================================================================
// Link / Counter Tests
// ============================================================================

func TestLink(t *testing.T) {
	f := runnertest.New().Stdout("ethtool eth0", ethtoolLink)
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "link"), eth0)
	assert.Equal(t, result.Pass, r.Verdict)
	assert.Equal(t, "1000 Mb/s full duplex", r.Message)
}

func TestLinkToolMissing(t *testing.T) {
	f := runnertest.New().Missing("ethtool")
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "link"), eth0)
	assert.Equal(t, errkind.ToolNotFound, r.Kind)
}

func TestCounters(t *testing.T) {
	f := runnertest.New().
		On("ethtool -S eth0",
			runnertest.Response{Output: runner.Output{Stdout: "NIC statistics:\n rx_errors: 0\n rx_crc_errors: 4\n"}},
			runnertest.Response{Output: runner.Output{Stdout: "NIC statistics:\n rx_errors: 0\n rx_crc_errors: 6\n"}},
		).
		Stdout("iperf3", tcpJSON(940e6))
	e := newExecutor(t, f, newConfig(t))

	r := e.RunTest(context.Background(), mustGet(t, "nic-counters"), eth0)
	assert.Equal(t, result.Fail, r.Verdict)
	assert.Contains(t, r.Message, "rx_crc_errors +2")
	assert.Equal(t, 2.0, r.Metrics["delta_rx_crc_errors"])

	calls := f.CallStrings()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[1], "-t 10", "counter traffic uses its own duration")
}

// ============================================================================
// Run / Session Tests
// ============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func TestRunTestsOrder(t *testing.T) {
	f := runnertest.New().Stdout("iperf3", tcpJSON(950e6)).Stdout("ethtool", ethtoolLink)
	var log eventLog
	e := newExecutor(t, f, newConfig(t), WithEventHandler(log.add))
	s := session.New([]config.Channel{eth0, eth1})

	defs := []catalog.Definition{mustGet(t, "link"), mustGet(t, "tcp-unidir")}
	require.NoError(t, e.RunTests(context.Background(), s, defs))

	results := s.Results()
	require.Len(t, results, 4)
	assert.Equal(t, []string{"link/eth0", "link/eth1", "tcp-unidir/eth0", "tcp-unidir/eth1"}, []string{
		results[0].TestID + "/" + results[0].Channel,
		results[1].TestID + "/" + results[1].Channel,
		results[2].TestID + "/" + results[2].Channel,
		results[3].TestID + "/" + results[3].Channel,
	})

	require.Len(t, log.events, 9)
	assert.Equal(t, EventTestStarted, log.events[0].Type)
	assert.Equal(t, EventResult, log.events[1].Type)
	assert.Equal(t, 2, log.events[4].Index)
	assert.Equal(t, EventRunDone, log.events[8].Type)
}

func TestRunTestsParallelChannels(t *testing.T) {
	f := runnertest.New().On("iperf3", runnertest.Response{Output: runner.Output{Stdout: tcpJSON(950e6)}, Delay: 20 * time.Millisecond})
	cfg := newConfig(t)
	cfg.ParallelChannels = true
	e := newExecutor(t, f, cfg)
	s := session.New([]config.Channel{eth0, eth1})

	require.NoError(t, e.RunTests(context.Background(), s, []catalog.Definition{mustGet(t, "udp-line")}))
	results := s.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "eth0", results[0].Channel)
	assert.Equal(t, "eth1", results[1].Channel)
}

func TestRunTestsCancelled(t *testing.T) {
	e := newExecutor(t, runnertest.New(), newConfig(t))
	s := session.New([]config.Channel{eth0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.RunTests(ctx, s, catalog.List())
	assert.True(t, errkind.Is(err, errkind.Cancelled))
	assert.Equal(t, 0, s.Len())
}

func TestFullCatalogTwiceLeavesCatalogUnchanged(t *testing.T) {
	f := runnertest.New().Stdout("iperf3", tcpJSON(950e6)).Stdout("ethtool", ethtoolLink)
	e := newExecutor(t, f, newConfig(t), WithPrivilegeCheck(func() bool { return false }))
	before := catalog.List()

	for i := 0; i < 2; i++ {
		s := session.New([]config.Channel{eth0})
		require.NoError(t, e.RunTests(context.Background(), s, catalog.List()))
		assert.Equal(t, catalog.Len(), s.Len())
	}
	assert.Equal(t, before, catalog.List())
}

type countingRecorder struct {
	mu       sync.Mutex
	observed int
	written  []string
}

func (c *countingRecorder) Observe(result.Result) {
	c.mu.Lock()
	c.observed++
	c.mu.Unlock()
}

func (c *countingRecorder) WriteTextfile(path string) error {
	c.written = append(c.written, path)
	return nil
}

func TestRecorder(t *testing.T) {
	rec := &countingRecorder{}
	cfg := newConfig(t)
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "nettest.prom")
	e := newExecutor(t, runnertest.New().Stdout("ethtool", ethtoolLink), cfg, WithRecorder(rec))

	s := session.New([]config.Channel{eth0, eth1})
	require.NoError(t, e.RunTests(context.Background(), s, []catalog.Definition{mustGet(t, "link")}))
	assert.Equal(t, 2, rec.observed)
	assert.Equal(t, []string{cfg.Metrics.Textfile}, rec.written)
}

// ============================================================================
// Suite Tests
// ============================================================================

func TestRunSuiteArtefacts(t *testing.T) {
	f := runnertest.New().
		Stdout("iperf3", tcpJSON(950e6)).
		Stdout("ethtool eth0", ethtoolLink).
		Stdout("ethtool -S eth0", "NIC statistics:\n rx_errors: 0\n")
	cfg := newConfig(t)
	cfg.Report.Formats = []config.ReportFormat{config.FormatJSON, config.FormatCSV}
	cfg.Report.Chart = true
	e := newExecutor(t, f, cfg)
	s := session.New([]config.Channel{eth0})

	dir, err := e.RunSuite(context.Background(), s, []catalog.Definition{mustGet(t, "link"), mustGet(t, "tcp-unidir")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ResultsDir, "full_test_run_"+s.Started.Format("20060102_150405")), dir)

	for _, p := range []string{
		"overall_summary.txt",
		"report.json",
		"report.csv",
		"throughput.png",
		"01_Link_Speed_&_Duplex/test_config.txt",
		"01_Link_Speed_&_Duplex/ethtool_before_eth0.txt",
		"01_Link_Speed_&_Duplex/ethtool_after_eth0.txt",
		"01_Link_Speed_&_Duplex/eth0/test_summary.txt",
		"01_Link_Speed_&_Duplex/eth0/01_link.txt",
		"04_TCP_Unidirectional_(UUT_--_END)/eth0/01_tcp.json",
	} {
		assert.FileExists(t, filepath.Join(dir, p))
	}

	overall, err := os.ReadFile(filepath.Join(dir, "overall_summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(overall), "Tests PASSED: 2")

	cfgText, err := os.ReadFile(filepath.Join(dir, "04_TCP_Unidirectional_(UUT_--_END)", "test_config.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(cfgText), "tcp: iperf3 -B 10.0.0.1 -c 10.0.0.2 -p 5201 -t 30 -P 1 -J")
}

func TestRunSuiteLocked(t *testing.T) {
	cfg := newConfig(t)
	held := flock.New(filepath.Join(cfg.ResultsDir, LockFile))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = held.Unlock() }()

	e := newExecutor(t, runnertest.New(), cfg)
	_, err = e.RunSuite(context.Background(), session.New([]config.Channel{eth0}), catalog.List())
	assert.ErrorIs(t, err, ErrLocked)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "UDP_Mixed_(256-512-1470)", SafeName("UDP Mixed (256/512/1470)"))
	assert.Equal(t, "MTU-Jumbo_Validation", SafeName("MTU/Jumbo Validation"))
	assert.Equal(t, "TCP_Unidirectional_(UUT_--_END)", SafeName("TCP Unidirectional (UUT -> END)"))
}

// ============================================================================
// Preflight / Resolve Tests
// ============================================================================

func TestPreflight(t *testing.T) {
	e := newExecutor(t, runnertest.New().Missing("iperf3", "ip", "ethtool"), newConfig(t))
	_, err := e.Preflight()
	assert.True(t, errkind.Is(err, errkind.ToolNotFound))

	e = newExecutor(t, runnertest.New().Missing("stress-ng", "ethtool"), newConfig(t))
	missing, err := e.Preflight()
	require.NoError(t, err)
	assert.Equal(t, []string{"ethtool", "stress-ng"}, missing)
}

func TestResolve(t *testing.T) {
	cfg := newConfig(t)
	cfg.Tests.Duration = 5 * time.Second
	cfg.Tests.SoakDuration = time.Minute
	cfg.Overrides["udp-100m"] = config.Override{Bitrate: "80M", Streams: 2}
	e := newExecutor(t, runnertest.New(), cfg)

	assert.Equal(t, 5*time.Second, e.Resolve(mustGet(t, "tcp-unidir")).Steps[0].Duration)
	assert.Equal(t, time.Minute, e.Resolve(mustGet(t, "soak")).Steps[0].Duration)
	assert.Equal(t, 10*time.Second, e.Resolve(mustGet(t, "nic-counters")).Steps[0].Duration)
	assert.Equal(t, 20*time.Second, e.Resolve(mustGet(t, "interval")).Steps[0].Duration)

	udp := e.Resolve(mustGet(t, "udp-100m")).Steps[0]
	assert.Equal(t, "80M", udp.Bitrate)
	assert.Equal(t, 2, udp.Streams)
}

func TestNewRejectsBadRule(t *testing.T) {
	cfg := newConfig(t)
	cfg.Rules = []config.Rule{{Expr: "((", Verdict: "fail"}}
	_, err := New(runnertest.New(), cfg)
	assert.Error(t, err)
}
