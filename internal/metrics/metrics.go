// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rate limit decisions.
const (
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
)

// Lock operation outcomes.
const (
	OutcomeAcquired  = "acquired"
	OutcomeContended = "contended"
	OutcomeReleased  = "released"
	OutcomeExtended  = "extended"
	OutcomeNotOwner  = "not_owner"
	OutcomeCanceled  = "canceled"
	OutcomeError     = "error"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks requests currently being served.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections",
		},
	)

	// RateLimitDecisionsTotal counts sliding window decisions per key.
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"key", "decision"},
	)

	// RateLimitedTotal counts API requests rejected by the HTTP middleware.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total number of rate-limited requests",
		},
	)

	// LockOperationsTotal counts lock operations by outcome.
	LockOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_operations_total",
			Help: "Total number of lock operations",
		},
		[]string{"operation", "outcome"},
	)

	// LockAcquireAttempts measures claim attempts per Acquire call.
	LockAcquireAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lock_acquire_attempts",
			Help:    "Claim attempts made per lock acquisition",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	// StoreOperationDuration measures store transaction latency.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Store transaction duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// StoreErrorsTotal counts failed store transactions.
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Total number of failed store transactions",
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateDecision records one sliding window decision.
func RecordRateDecision(key string, allowed bool) {
	decision := DecisionRejected
	if allowed {
		decision = DecisionAllowed
	}
	RateLimitDecisionsTotal.WithLabelValues(key, decision).Inc()
}

// RecordRateLimited records a request rejected by the middleware.
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}

// RecordLockOperation records the outcome of a lock operation.
func RecordLockOperation(operation, outcome string) {
	LockOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordLockAttempts records how many claims one acquisition made.
func RecordLockAttempts(attempts int) {
	LockAcquireAttempts.Observe(float64(attempts))
}

// RecordStoreOperation records a store transaction and whether it failed.
func RecordStoreOperation(operation string, duration time.Duration, err error) {
	StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		StoreErrorsTotal.WithLabelValues(operation).Inc()
	}
}
