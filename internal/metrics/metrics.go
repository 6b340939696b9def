// Package metrics exposes Prometheus collectors for the billing core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the billing collectors. A nil *Metrics is valid and
// records nothing, so tests can pass nil instead of a registry.
type Metrics struct {
	paymentsCreated      *prometheus.CounterVec
	paymentFinalizations *prometheus.CounterVec
	gatewayCharges       *prometheus.CounterVec
	sweepItems           *prometheus.CounterVec
	sweepDuration        prometheus.Histogram
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// New registers the billing collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		paymentsCreated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_payments_created_total",
				Help: "Payment records created, by purpose.",
			},
			[]string{"purpose"},
		),
		paymentFinalizations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_payment_finalizations_total",
				Help: "Payment finalization outcomes, by resulting status and whether the transition was a duplicate no-op.",
			},
			[]string{"status", "duplicate"},
		),
		gatewayCharges: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_gateway_charges_total",
				Help: "Off-session billing key charge outcomes.",
			},
			[]string{"outcome"},
		),
		sweepItems: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_sweep_items_total",
				Help: "Subscriptions processed by the daily sweep, by pass and outcome.",
			},
			[]string{"pass", "outcome"},
		),
		sweepDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_sweep_duration_seconds",
				Help:    "Wall time of one full four-pass sweep run.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		httpRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests served, by method, route pattern and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency, by method and route pattern.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) PaymentCreated(purpose string) {
	if m == nil {
		return
	}
	m.paymentsCreated.WithLabelValues(purpose).Inc()
}

func (m *Metrics) PaymentFinalized(status string, duplicate bool) {
	if m == nil {
		return
	}
	dup := "false"
	if duplicate {
		dup = "true"
	}
	m.paymentFinalizations.WithLabelValues(status, dup).Inc()
}

func (m *Metrics) GatewayCharge(outcome string) {
	if m == nil {
		return
	}
	m.gatewayCharges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SweepItem(pass, outcome string) {
	if m == nil {
		return
	}
	m.sweepItems.WithLabelValues(pass, outcome).Inc()
}

func (m *Metrics) SweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) HTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
