package metrics

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisarmstrong/nettest/pkg/result"
)

func observeSample(r *Recorder) {
	start := time.Now().Add(-30 * time.Second)
	r.Observe(result.Result{TestID: "tcp-unidir", Channel: "eth0", Verdict: result.Pass,
		Metrics: result.Metrics{result.MetricThroughput: 941e6}, Started: start, Finished: start.Add(30 * time.Second)})
	r.Observe(result.Result{TestID: "tcp-unidir", Channel: "eth1", Verdict: result.Fail, Started: start, Finished: start.Add(2 * time.Second)})
	r.Observe(result.Result{TestID: "link", Channel: "eth0", Verdict: result.Pass})
}

func TestHandler(t *testing.T) {
	r := New()
	observeSample(r)

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `nettest_results_total{test="tcp-unidir",verdict="pass"} 1`)
	assert.Contains(t, out, `nettest_results_total{test="tcp-unidir",verdict="fail"} 1`)
	assert.Contains(t, out, `nettest_throughput_bps{channel="eth0",test="tcp-unidir"} 9.41e+08`)
	assert.Contains(t, out, `nettest_test_duration_seconds_count{test="tcp-unidir"} 2`)
	assert.NotContains(t, out, `nettest_test_duration_seconds_count{test="link"}`)
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	observeSample(r)

	path := filepath.Join(t.TempDir(), "nettest.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `nettest_results_total{test="link",verdict="pass"} 1`)
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Observe(result.Result{TestID: "soak", Verdict: result.Warn})

	w := httptest.NewRecorder()
	b.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.NotContains(t, w.Body.String(), "soak")
}
