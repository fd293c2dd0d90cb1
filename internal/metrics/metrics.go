// Package metrics registers the prometheus series spec.md §6 requires the
// core to publish, grounded on the teacher's internal/metrics package and
// its promauto usage throughout caddyhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles every metric a request-processing component touches. A
// process constructs exactly one Set and threads it into C4/C5/C6/C8.
type Set struct {
	RequestsTotal         *prometheus.CounterVec
	UpstreamLatencySecs   *prometheus.HistogramVec
	UpstreamFailuresTotal *prometheus.CounterVec
	BreakerState          *prometheus.GaugeVec
	EndpointHealthy       *prometheus.GaugeVec
	RateLimitedTotal      *prometheus.CounterVec
	ActiveConnections     *prometheus.GaugeVec
}

// NewSet registers every series against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test packages.
func NewSet(reg prometheus.Registerer) *Set {
	f := promauto.With(reg)
	return &Set{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spire",
			Name:      "requests_total",
			Help:      "Total requests processed, labeled by route and final status.",
		}, []string{"route", "status"}),

		UpstreamLatencySecs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spire",
			Name:      "upstream_latency_seconds",
			Help:      "Upstream round-trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		UpstreamFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spire",
			Name:      "upstream_failures_total",
			Help:      "Upstream failures, labeled by endpoint and failure kind.",
		}, []string{"endpoint", "kind"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spire",
			Name:      "breaker_state",
			Help:      "Circuit breaker phase per endpoint (0=closed,1=half_open,2=open).",
		}, []string{"endpoint"}),

		EndpointHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spire",
			Name:      "endpoint_healthy",
			Help:      "1 if the endpoint is currently considered healthy, else 0.",
		}, []string{"endpoint"}),

		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spire",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, labeled by route.",
		}, []string{"route"}),

		ActiveConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spire",
			Name:      "active_connections",
			Help:      "Currently open connections per listener.",
		}, []string{"listener"}),
	}
}

// BreakerPhaseValue maps a breaker phase name to the gauge value documented
// on BreakerState.
func BreakerPhaseValue(phase string) float64 {
	switch phase {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
