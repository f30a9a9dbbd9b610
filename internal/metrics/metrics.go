// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	CacheLookups  *prometheus.CounterVec
	ScriptFetches *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// routes are the path prefixes reported as-is in the path_prefix label;
// anything else is reported as "other".
func New(routes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analytics_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analytics_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"proxy", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_proxy_upstream_responses_total",
			Help: "Total upstream responses by proxy, method and status code.",
		}, []string{"proxy", "method", "status_code"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_proxy_script_cache_lookups_total",
			Help: "Client script cache lookups by result (hit or miss).",
		}, []string{"result"}),

		ScriptFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_proxy_script_fetches_total",
			Help: "Client script fetches from upstream by proxy and result.",
		}, []string{"proxy", "result"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "analytics_proxy_script_breaker_state",
			Help: "Script fetch circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"proxy"}),

		prefixes: append(defaultPrefixes(), routes...),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.CacheLookups,
		m.ScriptFetches,
		m.BreakerState,
	)

	return m
}

// CacheHit records a script cache hit.
func (m *Metrics) CacheHit() {
	m.CacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss records a script cache miss.
func (m *Metrics) CacheMiss() {
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

func defaultPrefixes() []string {
	return []string{"/healthz", "/proxy/status", "/metrics"}
}

// NormalizePath returns a bounded path label for Prometheus metrics.
// The longest matching route wins.
func (m *Metrics) NormalizePath(path string) string {
	best := ""
	for _, prefix := range m.prefixes {
		if len(prefix) <= len(best) {
			continue
		}
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") || strings.HasPrefix(path, prefix+"?") {
			best = prefix
		}
	}
	if best == "" {
		return "other"
	}
	return best
}
