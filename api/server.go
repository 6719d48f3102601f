/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the gateway
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Bounded request time
  6. CORS:       Cross-origin requests for the admin and creator UI

ROUTE GROUPS:
  /api/commissions      Issuance
  /api/users/*          Creator views (earnings, eligibility)
  /api/plans/*          Plan management
  /api/creators/*       Creator snapshots from user management
  /api/admin/*          Admin operations
  /health               Liveness

SEE ALSO:
  - handlers.go:        Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the router. Zero values select defaults.
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/commissions", h.IssueCommission)

		// Creator-facing views
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/earnings", h.GetEarningsHistory)
			r.Get("/eligible-plans", h.GetEligiblePlans)
		})

		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Put("/{id}", h.UpdatePlan)
		})

		r.Put("/creators/{id}", h.UpsertCreator)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Put("/users/{id}/commission-status", h.UpdateUserCommissionStatus)
			r.Get("/commissions/summary", h.GetStatusSummary)
			r.Get("/commissions/{id}", h.GetCommissionRecord)
			r.Post("/commissions/{id}/cancel", h.CancelCommissionRecord)
			r.Post("/entries/{id}/requeue", h.RequeueEntry)
			r.Post("/disbursements/run", h.RunDisbursements)
		})
	})

	return r
}
