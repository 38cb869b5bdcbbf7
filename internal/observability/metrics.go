// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for the gateway.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the pipeline hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	allowed       int64
	limited       int64
	authFailed    int64
	denied        int64
	cacheErrors   int64
	upstreamCalls int64

	// Prometheus counters for scraping.
	promAllowed     prometheus.Counter
	promLimited     prometheus.Counter
	promAuthFailed  prometheus.Counter
	promDenied      prometheus.Counter
	promCacheErrors prometheus.Counter
	promSinkDropped prometheus.Counter

	// Token lifecycle counters, labeled by kind ("csrf" / "oauth2").
	promTokenCacheHits   *prometheus.CounterVec
	promTokenRefreshes   *prometheus.CounterVec
	promCredentialRetrys *prometheus.CounterVec

	// Prometheus histograms.
	PromRequestDuration  *prometheus.HistogramVec
	PromResolveDuration  prometheus.Histogram
	PromUpstreamDuration prometheus.Histogram

	promUpstreamCalls *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed rate limiting.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promAuthFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "authentication_failures_total",
			Help:      "Total number of requests with a missing, invalid, revoked, or expired API key.",
		}),
		promDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "authorization_denied_total",
			Help:      "Total number of requests denied by entity/operation permission checks.",
		}),
		promCacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "cache_store_errors_total",
			Help:      "Total number of cache store errors encountered.",
		}),
		promSinkDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "log_sink_dropped_total",
			Help:      "Total number of request-log records dropped by the sink emitter.",
		}),
		promTokenCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "token_cache_hits_total",
			Help:      "Total number of upstream credential tokens served from cache.",
		}, []string{"kind"}),
		promTokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "token_refreshes_total",
			Help:      "Total number of upstream credential token fetches.",
		}, []string{"kind"}),
		promCredentialRetrys: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "credential_retries_total",
			Help:      "Total number of upstream calls retried after a credential refresh.",
		}, []string{"kind"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "s4gateway",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "s4gateway",
			Name:      "resolve_duration_seconds",
			Help:      "Access resolution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromUpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "s4gateway",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream OData call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		promUpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s4gateway",
			Name:      "upstream_calls_total",
			Help:      "Total upstream HTTP calls, labeled by outcome class.",
		}, []string{"outcome"}),
	}

	return m
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncAuthFailed increments the authentication failure counter.
func (m *Metrics) IncAuthFailed() {
	atomic.AddInt64(&m.authFailed, 1)
	m.promAuthFailed.Inc()
}

// IncDenied increments the authorization denied counter.
func (m *Metrics) IncDenied() {
	atomic.AddInt64(&m.denied, 1)
	m.promDenied.Inc()
}

// IncCacheErrors increments the cache store error counter.
func (m *Metrics) IncCacheErrors() {
	atomic.AddInt64(&m.cacheErrors, 1)
	m.promCacheErrors.Inc()
}

// IncSinkDropped increments the dropped log record counter.
func (m *Metrics) IncSinkDropped() { m.promSinkDropped.Inc() }

// IncTokenCacheHit records a token served from the cache store.
func (m *Metrics) IncTokenCacheHit(kind string) { m.promTokenCacheHits.WithLabelValues(kind).Inc() }

// IncTokenRefresh records a fresh token fetch.
func (m *Metrics) IncTokenRefresh(kind string) { m.promTokenRefreshes.WithLabelValues(kind).Inc() }

// IncCredentialRetry records a retry-after-refresh of an upstream call.
func (m *Metrics) IncCredentialRetry(kind string) {
	m.promCredentialRetrys.WithLabelValues(kind).Inc()
}

// IncUpstreamCall records an upstream call outcome ("ok", "protocol_error",
// "transport_error").
func (m *Metrics) IncUpstreamCall(outcome string) {
	atomic.AddInt64(&m.upstreamCalls, 1)
	m.promUpstreamCalls.WithLabelValues(outcome).Inc()
}

// Allowed returns the current allowed count (used in tests).
func (m *Metrics) Allowed() int64 { return atomic.LoadInt64(&m.allowed) }

// Limited returns the current limited count (used in tests).
func (m *Metrics) Limited() int64 { return atomic.LoadInt64(&m.limited) }

// Denied returns the current denied count (used in tests).
func (m *Metrics) Denied() int64 { return atomic.LoadInt64(&m.denied) }
