/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the nursery frontend
  5. Scope:      X-Org-ID / X-Actor-ID on every /api route

ROUTE GROUPS:
  /api/batches/*        Batches, events, operators, derived views
  /api/merges           Merge operator
  /api/admin/*          Integrity audits
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint (no scope required)
  /healthz              Liveness

SECURITY NOTE:
  The scope headers are trusted as-is. This service must sit behind a
  gateway that authenticates the caller and sets them.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Org-ID", "X-Actor-ID", "X-Role"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireScope)

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Get("/{id}", h.GetBatch)

			r.Get("/{id}/events", h.ListEvents)
			r.Post("/{id}/events", h.AppendEvent)
			r.Post("/{id}/import", h.ImportEvents)

			r.Post("/{id}/transplants", h.Transplant)

			r.Get("/{id}/projection", h.GetProjection)
			r.Get("/{id}/movements", h.GetMovements)
			r.Get("/{id}/lineage", h.GetLineage)
			r.Get("/{id}/ancestors", h.GetAncestors)
			r.Get("/{id}/descendants", h.GetDescendants)
		})

		r.Post("/merges", h.Merge)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.TriggerAudit)
			r.Get("/audit/runs", h.ListAuditRuns)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
