// Package metrics defines the Prometheus metric collectors used by the
// publisher and consumer processes and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	StreamLinesTotal        *prometheus.CounterVec
	StreamReconnectsTotal   prometheus.Counter
	PublisherState          prometheus.Gauge
	LogAppendsTotal         *prometheus.CounterVec
	RecordsPolledTotal      prometheus.Counter
	RecordsMalformedTotal   prometheus.Counter
	RecordsRedeliveredTotal prometheus.Counter
	BatchSize               prometheus.Histogram
	BulkRequestsTotal       *prometheus.CounterVec
	BulkLatency             prometheus.Histogram
	DocsIndexedTotal        prometheus.Counter
	CommitsTotal            *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. Passing nil uses
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		StreamLinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_lines_total",
				Help: "Lines read from the upstream event stream by disposition (forwarded, skipped, oversized).",
			},
			[]string{"disposition"},
		),
		StreamReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stream_reconnects_total",
				Help: "Times the publisher entered backoff after a stream failure.",
			},
		),
		PublisherState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "publisher_state",
				Help: "Publisher state (0=connecting, 1=streaming, 2=backoff, 3=terminated).",
			},
		),
		LogAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "log_appends_total",
				Help: "Asynchronous log appends by completion status.",
			},
			[]string{"status"},
		),
		RecordsPolledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "consumer_records_polled_total",
				Help: "Records returned by consumer polls, including redeliveries.",
			},
		),
		RecordsMalformedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "consumer_records_malformed_total",
				Help: "Records excluded from a batch because no document could be extracted.",
			},
		),
		RecordsRedeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "consumer_records_redelivered_total",
				Help: "Records handed out again because their batch was not committed.",
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "consumer_batch_size",
				Help:    "Records per non-empty poll.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		BulkRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_bulk_requests_total",
				Help: "Bulk write requests by outcome (ok, partial_failure, error).",
			},
			[]string{"outcome"},
		),
		BulkLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_bulk_latency_seconds",
				Help:    "Bulk write latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Documents acknowledged by the index engine.",
			},
		),
		CommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consumer_commits_total",
				Help: "Read-position commits by status (ok, skipped, error).",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.StreamLinesTotal,
		m.StreamReconnectsTotal,
		m.PublisherState,
		m.LogAppendsTotal,
		m.RecordsPolledTotal,
		m.RecordsMalformedTotal,
		m.RecordsRedeliveredTotal,
		m.BatchSize,
		m.BulkRequestsTotal,
		m.BulkLatency,
		m.DocsIndexedTotal,
		m.CommitsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
