package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Live updates stay outside the request timeout
	if s.deps.Live != nil {
		r.Handle("/ws", s.deps.Live)
	}

	r.Group(func(r chi.Router) {
		if s.config.API.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.config.API.RequestTimeout))
		}

		// Health check
		r.Get("/health", s.HandleHealth)
		r.Get("/commands", s.HandleListCommands)

		r.Get("/telemetry", s.HandleQueryTelemetry)

		r.Route("/statistics", func(r chi.Router) {
			r.Get("/", s.HandleListStatistics)
			r.Get("/{deviceId}", s.HandleGetStatistics)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.HandleListSessions)
			r.Get("/{clientId}", s.HandleGetSession)
		})

		// Control routes
		r.Route("/dispatch", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/", s.HandleDispatch)
			r.Get("/{deviceId}/logs", s.HandleListDispatchLogs)
		})
	})
}
