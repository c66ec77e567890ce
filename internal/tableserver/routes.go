package tableserver

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/tables/{table}", h.Query)
			r.Post("/tables/{table}", h.Insert)
			r.Get("/tables/{table}/{id}", h.Get)
			r.Patch("/tables/{table}/{id}", h.Update)
			r.Delete("/tables/{table}/{id}", h.Delete)
		})
	})

	return r
}
