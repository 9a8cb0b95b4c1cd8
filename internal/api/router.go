package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/yieldvault/distribution-engine/internal/metrics"
)

// RouterConfig configures the HTTP router.
type RouterConfig struct {
	AllowedOrigins []string
	QueryTimeout   time.Duration // bounds read endpoints; manual runs are unbounded
}

// NewRouter wires middleware and routes.
func NewRouter(h *Handler, hub *WSHub, cfg RouterConfig) http.Handler {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for the operator console.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for batch progress.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Route("/distributions", func(r chi.Router) {
			// A manual run lasts as long as the batch.
			r.Post("/manual", h.TriggerManual)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(cfg.QueryTimeout))
				r.Get("/batches", h.ListBatches)
				r.Get("/batches/{batchID}", h.GetBatch)
				r.Post("/batches/{batchID}/retry", h.RetryBatch)
				r.Get("/stats", h.GetStats)
				r.Get("/failed-tasks", h.ListFailedTasks)
			})
		})
	})
	return r
}
