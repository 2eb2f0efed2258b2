package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/baechuer/confbook/internal/domain"
	"github.com/baechuer/confbook/internal/metrics"
)

type RouterDeps struct {
	Handler *Handler
	Health  *HealthHandler
	Cache   domain.ConferenceCache

	RateLimitEnabled bool
	RateLimitMax     int
	RateLimitWindow  time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Health == nil {
		panic("rest.NewRouter: nil health handler")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.RateLimitEnabled && d.Cache != nil {
		r.Use(RateLimitMiddleware(d.Cache, d.RateLimitMax, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	r.Get("/healthz", d.Health.Healthz)
	r.Get("/readyz", d.Health.Readyz)
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())

	r.Post("/user", d.Handler.CreateUser)
	r.Post("/conference", d.Handler.CreateConference)
	r.Post("/book", d.Handler.Book)
	r.Get("/booking/{bookingID}", d.Handler.BookingStatus)
	r.Post("/confirm", d.Handler.Confirm)
	r.Post("/cancel", d.Handler.Cancel)
	r.Get("/conference/{conferenceName}/bookings", d.Handler.ConferenceBookings)

	return r
}
