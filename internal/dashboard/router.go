package dashboard

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/sugos/mrdash/internal/shared/auth"
	"github.com/sugos/mrdash/internal/shared/config"
	"github.com/sugos/mrdash/internal/shared/metrics"
	secmiddleware "github.com/sugos/mrdash/internal/shared/middleware"
)

// ReadyCheck reports whether a dependency can serve requests.
type ReadyCheck func(ctx context.Context) error

// NewRouter assembles the HTTP surface: health, metrics and the session API
// under /api/v1.
func NewRouter(cfg *config.Config, h *Handler, checks map[string]ReadyCheck, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(checks))
	r.Handle("/metrics", metrics.Handler())

	r.Get("/", infoHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(secmiddleware.RateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
		r.Use(secmiddleware.InputSanitizer)
		r.Use(auth.Middleware(cfg.Auth))

		r.Mount("/", h.Routes())
	})

	return r
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "mrdash",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func readyHandler(checks map[string]ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]string{
			"server": "ready",
		}

		allReady := true
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				results[name] = "not ready: " + err.Error()
				allReady = false
			} else {
				results[name] = "ready"
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": results,
		})
	}
}
