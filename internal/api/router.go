/**
 * @description
 * This file sets up the HTTP router for the donation-service. It defines the API
 * endpoints, associates them with their handlers and applies middleware for logging,
 * CORS, metrics and authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/metrics"
)

// RouterConfig carries what the router needs besides the handlers.
type RouterConfig struct {
	Auth           AuthConfig
	InternalAPIKey string
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// NewRouter creates and returns the router for the donation service.
func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	return newRouter(h, cfg, JWTAuthMiddleware(cfg.Auth))
}

func newRouter(h *Handlers, cfg RouterConfig, auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(cfg.Metrics.InstrumentHandler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Post("/donations", h.CreateDonationHandler)
		r.Get("/donations/mine", h.ListMyDonationsHandler)
		r.Get("/donations/received", h.ListReceivedDonationsHandler)
		r.Get("/donations/{id}", h.GetDonationHandler)

		r.Get("/badges/mine", h.ListMyBadgesHandler)
		r.Get("/badges/{id}", h.GetBadgeHandler)

		r.Get("/users/me/reputation", h.GetReputationHandler)
		r.Get("/users/stats", h.GetUserStatsHandler)

		r.Post("/assistance-requests", h.CreateAssistanceRequestHandler)
		r.Get("/assistance-requests", h.ListAssistanceRequestsHandler)
		r.Get("/assistance-requests/my-requests", h.ListMyAssistanceRequestsHandler)
		r.Get("/assistance-requests/{id}", h.GetAssistanceRequestHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Post("/assistance-requests/{id}/cancel", h.CancelAssistanceRequestHandler)
		r.Post("/donations/{id}/effects", h.CompleteDonationEffectsHandler)
		r.Post("/reconcile", h.ReconcileHandler)
	})

	return r
}
