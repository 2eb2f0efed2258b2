package rest

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/confbook/internal/domain"
	"github.com/baechuer/confbook/internal/transport/rest/response"
)

// RateLimitMiddleware applies a fixed-window per-IP limit backed by the
// cache. The limiter fails open: if the cache is unreachable, requests
// pass.
func RateLimitMiddleware(cache domain.ConferenceCache, limit int, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			allowed, _ := cache.AllowRequest(r.Context(), ip, limit, window)
			if !allowed {
				response.Message(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keeps it simple: RemoteAddr host part.
// If you are behind a trusted reverse proxy, you may choose to trust X-Forwarded-For,
// but doing so blindly is a spoofing risk.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CSP for API: restrictive policy suitable for JSON-only endpoints
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking (redundant with CSP frame-ancestors, but belt-and-suspenders)
		w.Header().Set("X-Frame-Options", "DENY")

		// Don't leak referrer to external sites
		w.Header().Set("Referrer-Policy", "no-referrer")

		// Prevent cross-origin resource embedding
		w.Header().Set("Cross-Origin-Resource-Policy", "same-site")

		next.ServeHTTP(w, r)
	})
}
