// Package metrics exports test outcomes as Prometheus metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krisarmstrong/nettest/pkg/result"
)

const namespace = "nettest"

// Recorder owns a private registry so several recorders (tests, the web
// server) never collide on the global one
type Recorder struct {
	registry   *prometheus.Registry
	results    *prometheus.CounterVec
	throughput *prometheus.GaugeVec
	duration   *prometheus.HistogramVec
}

// New registers the nettest collectors on a fresh registry
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "results_total",
				Help:      "Test results by verdict",
			},
			[]string{"test", "verdict"},
		),
		throughput: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "throughput_bps",
				Help:      "Last measured throughput in bits per second",
			},
			[]string{"test", "channel"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "test_duration_seconds",
				Help:      "Wall-clock duration of each test",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
			},
			[]string{"test"},
		),
	}
	r.registry.MustRegister(r.results, r.throughput, r.duration)
	return r
}

// Observe records one result
func (r *Recorder) Observe(res result.Result) {
	r.results.WithLabelValues(res.TestID, string(res.Verdict)).Inc()
	if bps, ok := res.Metrics[result.MetricThroughput]; ok {
		r.throughput.WithLabelValues(res.TestID, res.Channel).Set(bps)
	}
	if d := res.Duration(); d > 0 {
		r.duration.WithLabelValues(res.TestID).Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for the node_exporter textfile collector
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
