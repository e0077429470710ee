// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orchestra/tiermem/config"
	"github.com/orchestra/tiermem/pkg/api/handlers"
	"github.com/orchestra/tiermem/pkg/api/middleware"
	"github.com/orchestra/tiermem/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes unmounted.
type Handlers struct {
	// Memory handles the memory item endpoints
	Memory *handlers.MemoryHandler

	// Consolidation triggers and reports consolidation runs
	Consolidation *handlers.ConsolidationHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// WebSocket streams memory events
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves the Prometheus registry on the API port when set.
	MetricsHandler http.Handler
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID(log))
	r.Use(middleware.Recovery(log))

	// The websocket stream hijacks the connection, so it stays outside the
	// response-wrapping, body-limiting and deadline middleware.
	if h.WebSocket != nil {
		r.Get("/ws/events", h.WebSocket.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		if cfg.Tracing.Enabled {
			r.Use(middleware.Tracing(middleware.DefaultTracingOptions().WithStorage(cfg.Storage.Environment, cfg.Storage.Namespace)))
		}
		r.Use(middleware.Logger(log))
		if h.Metrics != nil {
			r.Use(middleware.Metrics(h.Metrics))
		}
		r.Use(middleware.CORS(&cfg.Server.CORS))
		r.Use(middleware.BodyLimit(cfg.Server.HTTP.MaxBodyBytes))
		r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

		RegisterRoutes(r, h)
		if h.MetricsHandler != nil {
			path := cfg.Metrics.Path
			if path == "" {
				path = "/metrics"
			}
			r.Handle(path, h.MetricsHandler)
		}
	})

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Memory != nil {
			r.Route("/memory", func(r chi.Router) {
				r.Post("/", h.Memory.StoreItem)
				r.Post("/query", h.Memory.QueryItems)
				r.Get("/{id}", h.Memory.GetItem)
				r.Patch("/{id}", h.Memory.AppendItem)
				r.Delete("/{id}", h.Memory.DeleteItem)
			})
			r.Delete("/owners/{ownerID}/memory", h.Memory.ForgetOwner)
		}

		if h.Consolidation != nil {
			r.Route("/consolidation", func(r chi.Router) {
				r.Post("/run", h.Consolidation.Run)
				r.Get("/last", h.Consolidation.Last)
			})
		}
	})

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
		r.Post("/status/refresh", h.Health.Refresh)
	}
}
