package httpapi

import (
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/imgforge/internal/ratelimiter"
)

// NewRouter builds the full gorilla/mux router for the HTTP edge adapter,
// mirroring the teacher's mux-based composition in cmd/api/main.go.
func NewRouter(h *Handlers, limiter *ratelimiter.Limiter, corsOrigins []string) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware(corsOrigins))
	r.Use(rateLimitMiddleware(limiter, h.metrics()))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/convert/to-base64", h.HandleToBase64).Methods(http.MethodPost)
	api.HandleFunc("/convert/to-base64-advanced", h.HandleToBase64Advanced).Methods(http.MethodPost)
	api.HandleFunc("/convert/from-base64", h.HandleFromBase64).Methods(http.MethodPost)
	api.HandleFunc("/validate-base64", h.HandleValidateBase64).Methods(http.MethodPost)
	api.HandleFunc("/security/scan", h.HandleSecurityScan).Methods(http.MethodPost)

	api.HandleFunc("/convert/batch-start", h.HandleBatchStart).Methods(http.MethodPost)
	api.HandleFunc("/convert/batch-progress/{job_id}", h.HandleBatchProgress).Methods(http.MethodGet)
	api.HandleFunc("/convert/batch-cancel/{job_id}", h.HandleBatchCancel).Methods(http.MethodDelete)
	api.HandleFunc("/convert/batch-status", h.HandleBatchStatus).Methods(http.MethodGet)
	api.HandleFunc("/convert/batch-cleanup", h.HandleBatchCleanup).Methods(http.MethodPost)

	api.HandleFunc("/cache/status", h.HandleCacheStatus).Methods(http.MethodGet)
	api.HandleFunc("/cache/clear", h.HandleCacheClear).Methods(http.MethodDelete)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(allowOrigins []string) mux.MiddlewareFunc {
	allowAll := len(allowOrigins) == 0 || (len(allowOrigins) == 1 && allowOrigins[0] == "*")
	allowed := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware keys the token bucket on client IP, following the
// teacher's header-derived-key pattern but without an auth identity to key
// on (spec Non-goals: no auth/authz). Denials report a real
// retry_after_seconds (spec §4.7 check), not a fixed guess.
func rateLimitMiddleware(limiter *ratelimiter.Limiter, m MetricsRecorder) mux.MiddlewareFunc {
	m = normalizeMetrics(m)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			allowed, retryAfter := limiter.Check(key)
			if !allowed {
				m.IncRateLimitRejection()
				retrySeconds := int(math.Ceil(retryAfter.Seconds()))
				if retrySeconds < 1 {
					retrySeconds = 1
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retrySeconds))
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate limit exceeded","error_kind":"RATE_LIMITED","retry_after_seconds":%g}`, retryAfter.Seconds())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}
