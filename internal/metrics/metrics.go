package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Booking metrics
	bookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookings_total",
			Help: "Total number of booking requests by resulting status",
		},
		[]string{"status"},
	)

	bookingConfirmationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_confirmations_total",
			Help: "Total number of waitlist confirmations",
		},
	)

	bookingCancellationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_cancellations_total",
			Help: "Total number of booking cancellations",
		},
	)

	waitlistPromotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_promotions_total",
			Help: "Total number of waitlist promotions to confirmation pending",
		},
	)

	confirmationExpiriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "confirmation_expiries_total",
			Help: "Total number of confirmation windows that elapsed unconfirmed",
		},
	)

	conferenceStartCleanupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conference_start_cleanups_total",
			Help: "Total number of conference start cleanups processed",
		},
	)

	// Outbox metrics
	outboxPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox events published to the broker",
		},
	)

	outboxFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_failures_total",
			Help: "Total number of outbox publish attempts that failed",
		},
	)

	// Dependency health metrics
	dependencyHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_health",
			Help: "Health status of dependencies (1 = healthy, 0 = unhealthy)",
		},
		[]string{"dependency"},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

// RecordBooking increments the booking counter for the resulting status
func RecordBooking(status string) {
	bookingsTotal.WithLabelValues(status).Inc()
}

// RecordConfirmation increments the confirmation counter
func RecordConfirmation() {
	bookingConfirmationsTotal.Inc()
}

// RecordCancellation increments the cancellation counter
func RecordCancellation() {
	bookingCancellationsTotal.Inc()
}

// RecordPromotion increments the waitlist promotion counter
func RecordPromotion() {
	waitlistPromotionsTotal.Inc()
}

// RecordConfirmationExpiry increments the expired confirmation counter
func RecordConfirmationExpiry() {
	confirmationExpiriesTotal.Inc()
}

// RecordConferenceStartCleanup increments the start cleanup counter
func RecordConferenceStartCleanup() {
	conferenceStartCleanupsTotal.Inc()
}

// RecordOutboxPublished increments the outbox published counter
func RecordOutboxPublished() {
	outboxPublishedTotal.Inc()
}

// RecordOutboxFailure increments the outbox failure counter
func RecordOutboxFailure() {
	outboxFailuresTotal.Inc()
}

// SetDependencyHealth sets the health status of a dependency
func SetDependencyHealth(dependency string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	dependencyHealth.WithLabelValues(dependency).Set(value)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
