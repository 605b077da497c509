// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the token pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service registers.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensIssued    prometheus.Counter
	AuthFailures    *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aims",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aims",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aims",
			Name:      "tokens_issued_total",
			Help:      "Successful API key to token exchanges.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aims",
			Name:      "auth_failures_total",
			Help:      "Failed token exchanges by reason.",
		}, []string{"reason"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aims",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter, by bucket class.",
		}, []string{"class"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.TokensIssued,
		m.AuthFailures,
		m.RateLimited,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
