package runner

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) *Local {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return NewLocal(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// ============================================================================
// Run Tests
// ============================================================================

func TestRunCapturesOutput(t *testing.T) {
	r := newTestRunner(t)

	out, err := r.Run(context.Background(), Cmd("sh", "-c", "echo hello; echo oops >&2"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	assert.Equal(t, 0, out.ExitCode)
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	r := newTestRunner(t)

	out, err := r.Run(context.Background(), Cmd("sh", "-c", "echo failed >&2; exit 3"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "failed\n", out.Combined())
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t)

	start := time.Now()
	out, err := r.Run(context.Background(), Cmd("sh", "-c", "sleep 10"), 200*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Timeout), "expected Timeout, got %v", err)
	assert.Less(t, elapsed, 200*time.Millisecond+waitDelay, "Run must return shortly after the deadline")
	assert.NotEqual(t, 0, out.ExitCode)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	r := newTestRunner(t)

	// The background sleep inherits the shell's stdout. Run only returns
	// promptly if the whole group was killed and the pipe closed.
	start := time.Now()
	_, err := r.Run(context.Background(), Cmd("sh", "-c", "sleep 30 & wait"), 300*time.Millisecond)
	require.True(t, errkind.Is(err, errkind.Timeout), "expected Timeout, got %v", err)
	assert.Less(t, time.Since(start), 300*time.Millisecond+waitDelay)
}

func TestRunToolNotFound(t *testing.T) {
	r := newTestRunner(t)

	_, err := r.Run(context.Background(), Cmd("definitely-not-a-real-tool-xyz"), time.Second)
	assert.True(t, errkind.Is(err, errkind.ToolNotFound), "expected ToolNotFound, got %v", err)
}

func TestRunCancelled(t *testing.T) {
	r := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Cmd("sh", "-c", "sleep 10"), 10*time.Second)
	assert.True(t, errkind.Is(err, errkind.Cancelled), "expected Cancelled, got %v", err)
}

// ============================================================================
// Background Process Tests
// ============================================================================

func TestStartStop(t *testing.T) {
	r := newTestRunner(t)

	p, err := r.Start(context.Background(), Cmd("sh", "-c", "sleep 30"))
	require.NoError(t, err)
	require.True(t, processAlive(p.Pid()))

	require.NoError(t, p.Stop(time.Second))

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit after Stop")
	}

	// Second stop is a no-op
	assert.NoError(t, p.Stop(time.Second))
}

func TestStartStopEscalatesToKill(t *testing.T) {
	r := newTestRunner(t)

	p, err := r.Start(context.Background(), Cmd("sh", "-c", "trap '' TERM; sleep 30"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(200*time.Millisecond))
	assert.Less(t, time.Since(start), 3*time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatal("Stop must not return before the process exited")
	}
}

func TestStartContextCancelStops(t *testing.T) {
	r := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	p, err := r.Start(ctx, Cmd("sh", "-c", "sleep 30"))
	require.NoError(t, err)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process should stop when its context is cancelled")
	}
	assert.Error(t, p.Err())
}

func TestStartExitsOnItsOwn(t *testing.T) {
	r := newTestRunner(t)

	p, err := r.Start(context.Background(), Cmd("sh", "-c", "exit 0"))
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process should have exited")
	}
	assert.NoError(t, p.Err())
	assert.NoError(t, p.Stop(time.Second))
}

// ============================================================================
// Helpers
// ============================================================================

func TestMissing(t *testing.T) {
	r := newTestRunner(t)

	missing := Missing(r, "sh", "", "definitely-not-a-real-tool-xyz")
	assert.Equal(t, []string{"definitely-not-a-real-tool-xyz"}, missing)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "ethtool -S eth0", Cmd("ethtool", "-S", "eth0").String())
	assert.Equal(t, "ip", Cmd("ip").String())
}

func TestOutputCombined(t *testing.T) {
	assert.Equal(t, "out", Output{Stdout: "out", Stderr: "err"}.Combined())
	assert.Equal(t, "err", Output{Stdout: "  \n", Stderr: "err"}.Combined())
}
