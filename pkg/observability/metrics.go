package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptly_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptly_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Orchestration metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptly_turns_total",
			Help: "Total number of Q&A turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptly_turn_duration_seconds",
			Help:    "Q&A turn duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	stopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptly_stop_conditions_total",
			Help: "Total number of turns stopped by a stop condition",
		},
		[]string{"reason"},
	)

	sessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptly_sessions_created_total",
			Help: "Total number of sessions created",
		},
		[]string{"target_model"},
	)

	// Completion service metrics
	completionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptly_completion_attempts_total",
			Help: "Total number of completion service attempts",
		},
		[]string{"backend", "outcome"},
	)

	completionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptly_completion_retries_total",
			Help: "Total number of completion service retries",
		},
		[]string{"backend"},
	)

	completionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptly_completion_duration_seconds",
			Help:    "Completion call duration in seconds, including retries",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)

	// Upload metrics
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptly_file_uploads_total",
			Help: "Total number of file uploads by status",
		},
		[]string{"status"},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptly_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// System metrics
	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptly_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			turnDuration,
			stopsTotal,
			sessionsCreated,
			completionAttempts,
			completionRetries,
			completionDuration,
			uploadsTotal,
			rateLimited,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn records the outcome of an Answer call.
func RecordTurn(outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStop records a turn rejected by a stop condition.
func RecordStop(reason string) {
	stopsTotal.WithLabelValues(reason).Inc()
}

// RecordSessionCreated records a new session.
func RecordSessionCreated(targetModel string) {
	sessionsCreated.WithLabelValues(targetModel).Inc()
}

// RecordCompletionAttempt records one attempt against the completion service.
func RecordCompletionAttempt(backend, outcome string) {
	completionAttempts.WithLabelValues(backend, outcome).Inc()
}

// RecordCompletionRetry records a retry after a transient failure.
func RecordCompletionRetry(backend string) {
	completionRetries.WithLabelValues(backend).Inc()
}

// RecordCompletion records the total duration of a completion call.
func RecordCompletion(backend string, duration time.Duration) {
	completionDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordUpload records a file upload attempt.
func RecordUpload(status string) {
	uploadsTotal.WithLabelValues(status).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited() {
	rateLimited.Inc()
}

// UpdateGoroutines samples the goroutine gauge.
func UpdateGoroutines() {
	goroutines.Set(float64(runtime.NumGoroutine()))
}
