package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersProcessed counts orders that completed the pipeline successfully.
	OrdersProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_processed_total",
		Help: "Orders processed and persisted successfully.",
	})

	// OrdersFailed counts orders that failed processing, labelled by failure stage.
	OrdersFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Orders that failed processing, by stage.",
	}, []string{"stage"})

	// OrdersRetried counts retry-ledger increments.
	OrdersRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_retried_total",
		Help: "Retry attempts recorded for failed orders.",
	})

	// OrdersEscalated counts orders moved to permanent-failure storage.
	OrdersEscalated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_escalated_total",
		Help: "Orders escalated to permanent-failure storage after exhausting retries.",
	})

	// MalformedMessages counts inbound messages rejected before processing.
	MalformedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_malformed_messages_total",
		Help: "Inbound messages rejected as malformed or invalid.",
	})

	// LockContention counts lock acquisitions that failed because another
	// worker held the order.
	LockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_lock_contention_total",
		Help: "Lock acquisitions rejected because the order was held elsewhere.",
	})

	// GatewayRequests counts upstream validation calls by service and outcome.
	GatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Upstream validation service calls, by service and outcome.",
	}, []string{"service", "outcome"})

	// BreakerState exposes the current circuit state per upstream service
	// (0 closed, 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_breaker_state",
		Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
	}, []string{"service"})

	// OrdersInFlight tracks orders currently inside the pipeline.
	OrdersInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orders_in_flight",
		Help: "Orders currently being processed.",
	})

	// ProcessingDuration observes end-to-end pipeline latency.
	ProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orders_processing_duration_seconds",
		Help:    "End-to-end order processing latency.",
		Buckets: prometheus.DefBuckets,
	})
)

var registerOnce sync.Once

// Register installs all collectors on the default registry. Safe to call from
// multiple binaries that share this package.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OrdersProcessed,
			OrdersFailed,
			OrdersRetried,
			OrdersEscalated,
			MalformedMessages,
			LockContention,
			GatewayRequests,
			BreakerState,
			OrdersInFlight,
			ProcessingDuration,
		)
	})
}

// Handler returns the HTTP handler that serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
