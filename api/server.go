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
  /api/notifications/*  Ledger listener callbacks
  /api/reconcile/*      Manual poll and run history
  /api/scenarios/*      Demo counterparty (in-process ledger only)
  /api/{type}/*         Documents (contracts, usages, settlements)
  /metrics              Prometheus scrape endpoint (when enabled)
  /health               Liveness

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

// RouterOptions configures the parts of the router that vary per deployment.
type RouterOptions struct {
	AllowedOrigins []string
	MetricsPath    string
	MetricsHandler http.Handler // nil disables the metrics route
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.MetricsHandler)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Notification routes
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/documents", h.NotifyDocuments)
			r.Post("/signatures", h.NotifySignatures)
		})

		// Reconcile routes
		r.Route("/reconcile", func(r chi.Router) {
			r.Post("/poll", h.TriggerPoll)
			r.Get("/runs", h.ListRuns)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		// Document routes
		r.Route("/{type}", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Post("/", h.CreateDraft)
			r.Get("/{id}", h.GetDocument)
			r.Post("/{id}/send", h.SendDocument)

			// Contract only
			r.Get("/{id}/usages", h.ListContractUsages)
			r.Get("/{id}/settlements", h.ListContractSettlements)
			r.Post("/{id}/recompute-approval", h.RecomputeApproval)
		})
	})

	return r
}
