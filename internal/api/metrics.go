package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's Prometheus registry.
type Metrics struct {
	registry            *prometheus.Registry
	statusQueriesTotal  *prometheus.CounterVec
	orchestrationsTotal *prometheus.CounterVec
	manualRefreshTotal  *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers the service metrics
func NewMetrics() *Metrics {
	statusQueries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offchain_status_queries_total",
		Help: "Total number of deposit status derivations served",
	}, []string{"result"})

	orchestrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offchain_orchestrations_total",
		Help: "Total number of deposit orchestrations by outcome",
	}, []string{"outcome"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offchain_manual_refresh_total",
		Help: "Manual status refresh requests by result",
	}, []string{"result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offchain_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	r := prometheus.NewRegistry()
	r.MustRegister(statusQueries, orchestrations, refreshes, duration)

	return &Metrics{
		registry:            r,
		statusQueriesTotal:  statusQueries,
		orchestrationsTotal: orchestrations,
		manualRefreshTotal:  refreshes,
		requestDuration:     duration,
	}
}

// Handler serves the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incStatusQuery(result string) {
	m.statusQueriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incOrchestration(outcome string) {
	m.orchestrationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incManualRefresh(result string) {
	m.manualRefreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRequest(route, method string, seconds float64) {
	m.requestDuration.WithLabelValues(route, method).Observe(seconds)
}
