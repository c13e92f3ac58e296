// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "photoedit"

// LedgerOperations counts ledger mutations by operation and outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger mutations by operation (debit, refund, grant) and outcome.",
}, []string{"op", "outcome"})

// CreditsMoved sums credits debited, refunded and granted.
var CreditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Credits moved by operation.",
}, []string{"op"})

// JobTransitions counts jobs reaching a status.
var JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "transitions_total",
	Help:      "Edit jobs entering a status (processing, success, failed).",
}, []string{"status"})

// JobsInFlight tracks jobs that are still processing.
var JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "in_flight",
	Help:      "Edit jobs currently processing, as seen by the last sweep.",
})

// ProviderRequests counts generation provider calls by operation and outcome.
var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "requests_total",
	Help:      "Generation provider calls by operation (submit, poll) and outcome.",
}, []string{"op", "outcome"})

// ProviderLatency tracks generation provider call latency.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "latency_seconds",
	Help:      "Generation provider call latency.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
}, []string{"op"})

// PaymentEvents counts payment events by outcome (applied, duplicate, ignored, rejected).
var PaymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payments",
	Name:      "events_total",
	Help:      "Payment events by outcome.",
}, []string{"outcome"})

// ObserveProvider records one provider call.
func ObserveProvider(op, outcome string, started time.Time) {
	ProviderRequests.WithLabelValues(op, outcome).Inc()
	ProviderLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
