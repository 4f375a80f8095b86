// Package metrics defines the Prometheus collectors of the analyzer and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of the ingestion pipeline.
type Metrics struct {
	UnitsAppliedTotal   *prometheus.CounterVec
	UnitsSkippedTotal   *prometheus.CounterVec
	DeletionsTotal      prometheus.Counter
	BatchesTotal        *prometheus.CounterVec
	BatchDuration       prometheus.Histogram
	SaveLatency         prometheus.Histogram
	BucketCount         prometheus.Gauge
	MirrorDocCount      prometheus.Gauge
	ChannelPosition     *prometheus.GaugeVec
	SinkPublishTotal    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with the default registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates all metrics and registers them with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UnitsAppliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_units_applied_total",
				Help: "Translation units appended to buckets, by direction.",
			},
			[]string{"direction"},
		),
		UnitsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_units_skipped_total",
				Help: "Translation units not applied, by reason (duplicate, unsupported).",
			},
			[]string{"reason"},
		),
		DeletionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "analyzer_deletions_total",
				Help: "Buckets removed by deletion requests.",
			},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_batches_total",
				Help: "Ingestion batches by status.",
			},
			[]string{"status"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "analyzer_batch_duration_seconds",
				Help:    "Time to apply one ingestion batch.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		SaveLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "analyzer_index_save_seconds",
				Help:    "Time to atomically save the corpora index snapshot.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		BucketCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "analyzer_buckets",
				Help: "Number of buckets in the corpora index.",
			},
		),
		MirrorDocCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "analyzer_mirror_documents",
				Help: "Content documents in the search-index mirror.",
			},
		),
		ChannelPosition: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "analyzer_channel_position",
				Help: "Highest applied offset per ingestion channel.",
			},
			[]string{"channel"},
		),
		SinkPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_sink_publish_total",
				Help: "Progress publications by sink and status.",
			},
			[]string{"sink", "status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyzer_http_requests_total",
				Help: "Requests served by the admin server, by path and status.",
			},
			[]string{"path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyzer_http_request_duration_seconds",
				Help:    "Admin server request latency, by path.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}

	reg.MustRegister(
		m.UnitsAppliedTotal,
		m.UnitsSkippedTotal,
		m.DeletionsTotal,
		m.BatchesTotal,
		m.BatchDuration,
		m.SaveLatency,
		m.BucketCount,
		m.MirrorDocCount,
		m.ChannelPosition,
		m.SinkPublishTotal,
		m.CircuitBreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// SetChannels records the position of every channel.
func (m *Metrics) SetChannels(positions map[uint16]int64) {
	for ch, pos := range positions {
		m.ChannelPosition.WithLabelValues(strconv.Itoa(int(ch))).Set(float64(pos))
	}
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
