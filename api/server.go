/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/patrons/*        Ledger accounts, consumption, recharges
  /api/walkins          Anonymous passages
  /api/import           Mass import
  /api/undo, /api/redo  Action history
  /api/stats/*          Reports
  /api/config/*         Runtime configuration
  /api/admin/*          Backup and maintenance

SECURITY NOTE:
  No authentication middleware currently. The service is meant to run
  on a closed local network at the service desk.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Patron routes
		r.Route("/patrons", func(r chi.Router) {
			r.Get("/", h.ListPatrons)
			r.Post("/", h.CreatePatron)
			r.Get("/{id}", h.GetPatron)
			r.Put("/{id}", h.UpdatePatron)
			r.Delete("/{id}", h.DeletePatron)
			r.Get("/{id}/events", h.GetPatronEvents)
			r.Post("/{id}/consume", h.Consume)
			r.Post("/{id}/recharge", h.Recharge)
		})

		// Anonymous passages and bulk loading
		r.Post("/walkins", h.WalkIn)
		r.Post("/import", h.Import)

		// Action history
		r.Get("/undo", h.GetUndoState)
		r.Post("/undo", h.UndoAction)
		r.Post("/redo", h.RedoAction)

		// Report routes
		r.Route("/stats", func(r chi.Router) {
			r.Get("/", h.GetStats)
			r.Get("/daily", h.GetDaily)
			r.Get("/monthly", h.GetBreakdown)
			r.Get("/reconciliation", h.GetReconciliation)
		})

		// Runtime configuration
		r.Route("/config/{key}", func(r chi.Router) {
			r.Get("/", h.GetConfigValue)
			r.Put("/", h.SetConfigValue)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/backup", h.TriggerBackup)
			r.Post("/maintenance", h.TriggerMaintenance)
		})
	})

	return r
}
