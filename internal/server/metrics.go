package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	intentsTotal     *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
	claimsTotal      *prometheus.CounterVec
	inFlightGauge    prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stablerails_intents_total",
		Help: "Total number of payment intent creations",
	}, []string{"status"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stablerails_submissions_total",
		Help: "Total number of signed payload submissions",
	}, []string{"status"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stablerails_claims_total",
		Help: "Total number of payment claim attempts",
	}, []string{"status"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stablerails_in_flight_intents",
		Help: "Number of submitted or confirming intents",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(intents, submissions, claims, inFlight)

	return &metricsRegistry{
		registry:         r,
		intentsTotal:     intents,
		submissionsTotal: submissions,
		claimsTotal:      claims,
		inFlightGauge:    inFlight,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incIntent(status string) {
	m.intentsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incSubmission(status string) {
	m.submissionsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incClaim(status string) {
	m.claimsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) setInFlight(n int) {
	m.inFlightGauge.Set(float64(n))
}
