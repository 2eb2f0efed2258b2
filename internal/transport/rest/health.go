package rest

import (
	"context"
	"net/http"

	"github.com/baechuer/confbook/internal/metrics"
	"github.com/baechuer/confbook/internal/transport/rest/response"
)

// Pinger reports whether a dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db    Pinger
	cache Pinger
}

func NewHealthHandler(db, cache Pinger) *HealthHandler {
	return &HealthHandler{db: db, cache: cache}
}

// Healthz handles GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. The database gates readiness; the cache is
// optional and only updates the dependency gauge.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			metrics.SetDependencyHealth("postgres", false)
			response.JSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  "database unavailable",
			})
			return
		}
		metrics.SetDependencyHealth("postgres", true)
	}

	if h.cache != nil {
		metrics.SetDependencyHealth("redis", h.cache.Ping(r.Context()) == nil)
	}

	response.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
