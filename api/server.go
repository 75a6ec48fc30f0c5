/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROLE GATING:
  Authentication lives in an upstream gateway which injects the caller's
  role as the X-Role header (contractor | admin). This service only checks
  that header; it must never be exposed without the gateway in front.

ROUTE GROUPS:
  /api/contractors/*   Wallet, history, withdrawals, payment methods
  /api/quotes/*        Quote intake + settlement
  /api/penalties/*     Penalty intake + processing
  /api/withdrawals/*   Operator decisions (admin)
  /api/admin/*         Suspension, reconciliation (admin)
  /api/dev/*           Seed/reset (dev only)

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
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Role"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Contractor-facing routes
		r.Route("/contractors/{id}", func(r chi.Router) {
			r.Get("/wallet", h.GetWallet)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/withdrawals", h.RequestWithdrawal)
			r.Get("/payment-methods", h.ListPaymentMethods)
			r.Put("/payment-methods", h.UpdatePaymentMethods)
		})

		// Pricing preview
		r.Get("/breakdown", h.GetBreakdown)

		// Quote intake + settlement
		r.Route("/quotes", func(r chi.Router) {
			r.Post("/", h.SaveQuote)
			r.With(requireRole("admin")).Post("/{id}/settle", h.SettleQuote)
		})

		// Penalty intake + processing
		r.Route("/penalties", func(r chi.Router) {
			r.Post("/", h.SavePenalty)
			r.With(requireRole("admin")).Post("/process", h.ProcessPenalty)
		})

		// Operator decisions
		r.With(requireRole("admin")).
			Post("/withdrawals/{id}/decide", h.DecideWithdrawal)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole("admin"))
			r.Post("/wallets/{id}/suspend", h.SuspendWallet)
			r.Get("/wallets/{id}/reconcile", h.ReconcileWallet)
		})

		// Dev routes
		r.Route("/dev", func(r chi.Router) {
			r.Post("/seed", h.SeedDemoData)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requireRole rejects requests whose X-Role header does not match.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Role") != role {
				writeError(w, http.StatusForbidden, "Insufficient role", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
