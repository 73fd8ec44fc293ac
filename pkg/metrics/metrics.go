// Package metrics holds the Prometheus collectors for the service. All
// recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the latency buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

type Metrics struct {
	reg *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	arbRetries    prometheus.Counter
	degraded      prometheus.Counter
	persistFails  prometheus.Counter
	embedCache    *prometheus.CounterVec
	ingested      *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodrec_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "foodrec_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: DefaultBuckets,
		}, []string{"method", "route"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "foodrec_stage_duration_seconds",
			Help:    "Latency of recommendation pipeline stages.",
			Buckets: DefaultBuckets,
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodrec_stage_errors_total",
			Help: "Failed pipeline stages by error kind.",
		}, []string{"stage", "kind"}),
		arbRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foodrec_arbitration_retries_total",
			Help: "Arbitration attempts retried after a contract violation.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foodrec_external_search_degraded_total",
			Help: "Recommendations served without external place results.",
		}),
		persistFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foodrec_persist_failures_total",
			Help: "Recommendation records that could not be written.",
		}),
		embedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodrec_embed_cache_total",
			Help: "Embedding cache lookups by result.",
		}, []string{"result"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foodrec_ingest_messages_total",
			Help: "Catalog messages processed by subject and outcome.",
		}, []string{"subject", "outcome"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.stageDuration, m.stageErrors,
		m.arbRetries, m.degraded, m.persistFails, m.embedCache, m.ingested,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveStage records a pipeline stage's latency and, when kind is
// non-empty, its failure.
func (m *Metrics) ObserveStage(stage string, start time.Time, kind string) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if kind != "" {
		m.stageErrors.WithLabelValues(stage, kind).Inc()
	}
}

func (m *Metrics) ArbitrationRetry() {
	if m != nil {
		m.arbRetries.Inc()
	}
}

func (m *Metrics) ExternalDegraded() {
	if m != nil {
		m.degraded.Inc()
	}
}

func (m *Metrics) PersistFailed() {
	if m != nil {
		m.persistFails.Inc()
	}
}

func (m *Metrics) EmbedCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.embedCache.WithLabelValues("hit").Inc()
		return
	}
	m.embedCache.WithLabelValues("miss").Inc()
}

func (m *Metrics) Ingested(subject, outcome string) {
	if m != nil {
		m.ingested.WithLabelValues(subject, outcome).Inc()
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
