// Package metrics defines the Prometheus metric collectors used across the
// journal pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	OutboxEventsRecorded *prometheus.CounterVec
	OutboxPublishedTotal *prometheus.CounterVec
	OutboxUnpublished    prometheus.Gauge
	OutboxOldestAge      prometheus.Gauge
	RelayPublishDuration prometheus.Histogram

	EventsProcessedTotal *prometheus.CounterVec
	DeadLettersTotal     *prometheus.CounterVec
	EmbeddingDuration    prometheus.Histogram
	IndexUpsertsTotal    *prometheus.CounterVec

	SearchQueriesTotal *prometheus.CounterVec
	SearchLatency      *prometheus.HistogramVec
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		OutboxEventsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_events_recorded_total",
				Help: "Outbox events written by the mutation path, by event type.",
			},
			[]string{"event_type"},
		),
		OutboxPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_published_total",
				Help: "Outbox events relayed to the stream, by event type and status.",
			},
			[]string{"event_type", "status"},
		),
		OutboxUnpublished: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outbox_unpublished_events",
				Help: "Outbox events not yet confirmed published.",
			},
		),
		OutboxOldestAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outbox_oldest_unpublished_age_seconds",
				Help: "Age of the oldest unpublished outbox event (stuck-row alert signal).",
			},
		),
		RelayPublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_publish_duration_seconds",
				Help:    "Latency of a single relay publish round trip.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_events_processed_total",
				Help: "Entry-change events processed by outcome (indexed, noop, tombstoned, dead_letter, retried).",
			},
			[]string{"event_type", "outcome"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_dead_letters_total",
				Help: "Events routed to the dead-letter subject, by failure class.",
			},
			[]string{"class"},
		),
		EmbeddingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "embedding_request_duration_seconds",
				Help:    "Latency of embedding provider calls.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		IndexUpsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_index_upserts_total",
				Help: "Search index writes by result (applied, stale).",
			},
			[]string{"result"},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, miss, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Hybrid search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of search cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of search cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.OutboxEventsRecorded,
		m.OutboxPublishedTotal,
		m.OutboxUnpublished,
		m.OutboxOldestAge,
		m.RelayPublishDuration,
		m.EventsProcessedTotal,
		m.DeadLettersTotal,
		m.EmbeddingDuration,
		m.IndexUpsertsTotal,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
