package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speakcapture/speakcapture/internal/capture"
)

const namespace = "speakcapture"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	capturesStarted  prometheus.Counter
	capturesFinished *prometheus.CounterVec
	captureDuration  prometheus.Histogram
	uploads          *prometheus.CounterVec
	releaseFailures  *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		capturesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_started_total",
			Help:      "Capture sessions started.",
		}),
		capturesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_finished_total",
			Help:      "Capture sessions resolved, by final status.",
		}, []string{"status"}),
		captureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Wall-clock length of resolved capture sessions.",
			Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 300},
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Recording saves, by outcome.",
		}, []string{"outcome"}),
		releaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_failures_total",
			Help:      "Device resources that failed to release cleanly.",
		}, []string{"resource"}),
	}

	m.registry.MustRegister(
		m.capturesStarted,
		m.capturesFinished,
		m.captureDuration,
		m.uploads,
		m.releaseFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CaptureStarted() {
	m.capturesStarted.Inc()
}

func (m *Metrics) CaptureFinished(status capture.Status, d time.Duration) {
	m.capturesFinished.WithLabelValues(string(status)).Inc()
	m.captureDuration.Observe(d.Seconds())
}

func (m *Metrics) ReleaseFailed(resource string) {
	m.releaseFailures.WithLabelValues(resource).Inc()
}

// UploadFinished counts a save attempt; outcome is "ok", "upload_failed" or
// "metadata_failed".
func (m *Metrics) UploadFinished(outcome string) {
	m.uploads.WithLabelValues(outcome).Inc()
}
