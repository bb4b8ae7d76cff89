package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the instrumentation exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	sendsTotal       *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
	rafflesTotal     *prometheus.CounterVec
	contactsRefresh  *prometheus.CounterVec
}

// NewMetrics creates and registers the API metric set on a private
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapcamp",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapcamp",
			Name:      "message_sends_total",
			Help:      "Outbound message sends by result.",
		}, []string{"result"}),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapcamp",
			Name:      "form_submissions_total",
			Help:      "Lead form submissions by result.",
		}, []string{"result"}),
		rafflesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapcamp",
			Name:      "raffles_total",
			Help:      "Raffle draws by result.",
		}, []string{"result"}),
		contactsRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapcamp",
			Name:      "contact_refreshes_total",
			Help:      "Contact list refreshes by source (gateway or cache).",
		}, []string{"source"}),
	}

	registry.MustRegister(
		metrics.requestsTotal,
		metrics.sendsTotal,
		metrics.submissionsTotal,
		metrics.rafflesTotal,
		metrics.contactsRefresh,
	)

	return metrics
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeResult(vec *prometheus.CounterVec, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	vec.WithLabelValues(result).Inc()
}
