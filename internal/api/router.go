package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/loads", s.handleListLoads)
		r.Get("/loads/{id}", s.handleGetLoad)
		r.Get("/objects", s.handleListObjects)
		r.Get("/states", s.handleListStates)
		r.Get("/states/{path}", s.handleGetState)
		r.Get("/commands", s.handleListCommands)

		// Routes that reach the gateway
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Put("/states/{path}", s.handleWriteState)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/claim", s.handleClaim)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}
