// Package metrics exposes Prometheus collectors for the queue service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Claim kinds.
const (
	ClaimFetch      = "fetch"
	ClaimProcessing = "processing"
)

// Claim outcomes.
const (
	OutcomeClaimed  = "claimed"
	OutcomeEmpty    = "empty"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

var (
	tasksAddedTotal            prometheus.Counter
	taskClaimsTotal            *prometheus.CounterVec
	taskTransitionsTotal       *prometheus.CounterVec
	persistenceFailuresTotal   *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	captureDurationSeconds     *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksAddedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bass_hunter_tasks_added_total",
				Help: "Total number of tasks added to the queue.",
			},
		)

		taskClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bass_hunter_task_claims_total",
				Help: "Claim attempts, labeled by kind (fetch, processing) and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		taskTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bass_hunter_task_transitions_total",
				Help: "Applied task status transitions, labeled by the new status.",
			},
			[]string{"status"},
		)

		persistenceFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bass_hunter_persistence_failures_total",
				Help: "Storage failures swallowed by the queue, labeled by operation.",
			},
			[]string{"op"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bass_hunter_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bass_hunter_capture_duration_seconds",
				Help:    "Histogram of capture latencies, labeled by mode.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bass_hunter_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTaskAdded increments the added tasks counter.
func ObserveTaskAdded() {
	Init()
	tasksAddedTotal.Inc()
}

// ObserveClaim records one claim attempt.
func ObserveClaim(kind, outcome string) {
	Init()
	taskClaimsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveTransition records an applied status change.
func ObserveTransition(status string) {
	Init()
	taskTransitionsTotal.WithLabelValues(status).Inc()
}

// ObservePersistenceFailure records a storage failure for op.
func ObservePersistenceFailure(op string) {
	Init()
	persistenceFailuresTotal.WithLabelValues(op).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveCapture records how long a capture took.
func ObserveCapture(mode string, duration time.Duration) {
	Init()
	captureDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
