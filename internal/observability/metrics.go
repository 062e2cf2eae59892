package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	attemptsSubmittedTotal  *prometheus.CounterVec
	attemptTransitionsTotal *prometheus.CounterVec
	autoSubmitDiscarded     prometheus.Counter

	uploadRequestsTotal  *prometheus.CounterVec
	uploadRejectedTotal  *prometheus.CounterVec
	uploadOrphanedTotal  *prometheus.CounterVec
	uploadLatencySeconds prometheus.Histogram

	timedSessionsActive  prometheus.Gauge
	countdownClients     prometheus.Gauge
	eventsPublishedTotal *prometheus.CounterVec
	enrollmentCacheTotal *prometheus.CounterVec
	rateLimitedTotal     *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		attemptsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_attempts_submitted_total",
			Help: "Attempts created, by assessment type and trigger.",
		}, []string{"type", "trigger"})

		attemptTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_attempt_transitions_total",
			Help: "Review actions applied to attempts, by action and outcome.",
		}, []string{"action", "result"})

		autoSubmitDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assessment_auto_submit_discarded_total",
			Help: "Timer-driven submissions dropped because the attempt already existed.",
		})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_requests_total",
			Help: "Files stored, by category and MIME type.",
		}, []string{"category", "mime"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_rejected_total",
			Help: "Rejected uploads, by reason.",
		}, []string{"reason"})

		uploadOrphanedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_orphaned_total",
			Help: "Files stored but never attached to an attempt, by category.",
		}, []string{"category"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_latency_seconds",
			Help:    "Time spent validating and storing uploads.",
			Buckets: prometheus.DefBuckets,
		})

		timedSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timed_sessions_active",
			Help: "Countdowns currently running.",
		})

		countdownClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "countdown_websocket_clients",
			Help: "Websocket clients following a countdown.",
		})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attempt_events_published_total",
			Help: "Attempt events published, by transport and outcome.",
		}, []string{"transport", "result"})

		enrollmentCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_cache_lookups_total",
			Help: "Enrollment date cache lookups, by result.",
		}, []string{"result"})

		rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Requests rejected by a rate limiter, by limiter scope.",
		}, []string{"scope"})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			attemptsSubmittedTotal, attemptTransitionsTotal, autoSubmitDiscarded,
			uploadRequestsTotal, uploadRejectedTotal, uploadOrphanedTotal, uploadLatencySeconds,
			timedSessionsActive, countdownClients, eventsPublishedTotal, enrollmentCacheTotal,
			rateLimitedTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// AttemptsSubmitted counts created attempts.
func AttemptsSubmitted() *prometheus.CounterVec {
	RegisterMetrics()
	return attemptsSubmittedTotal
}

// AttemptTransitions counts review actions.
func AttemptTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return attemptTransitionsTotal
}

// AutoSubmitDiscarded counts timer submissions that lost to a manual one.
func AutoSubmitDiscarded() prometheus.Counter {
	RegisterMetrics()
	return autoSubmitDiscarded
}

// UploadRequests counts stored files.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected counts rejected files.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// OrphanedUploads counts stored files whose attaching action then failed.
func OrphanedUploads() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadOrphanedTotal
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}

// TimedSessionsActive tracks running countdowns.
func TimedSessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return timedSessionsActive
}

// CountdownClients tracks websocket countdown subscribers.
func CountdownClients() prometheus.Gauge {
	RegisterMetrics()
	return countdownClients
}

// EventsPublished counts attempt event publications.
func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

// EnrollmentCache counts enrollment cache hits and misses.
func EnrollmentCache() *prometheus.CounterVec {
	RegisterMetrics()
	return enrollmentCacheTotal
}

// RateLimited counts requests turned away by a limiter scope.
func RateLimited() *prometheus.CounterVec {
	RegisterMetrics()
	return rateLimitedTotal
}
