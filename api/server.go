/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One zerolog line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for configured origins

ROUTE GROUPS:
  /health                 Liveness
  /api/balances           Balance queries
  /api/warehouses/*       Per-key reads, warehouse registration
  /api/movements          Movement history
  /api/reconciliation/*   Full-ledger drift scans
  /api/receipts ...       Ledger writes
  /api/orders/*           Order workflow
  /api/products           Product registration

SECURITY NOTE:
  No authentication middleware. X-User-ID is trusted as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured. allowedOrigins
// feeds the CORS policy; an empty list allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/balances", h.ListBalances)
		r.Get("/movements", h.ListMovements)

		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/", h.GetLastScan)
			r.Post("/scan", h.RunScan)
		})

		// Per-key reads
		r.Route("/warehouses", func(r chi.Router) {
			r.Post("/", h.RegisterWarehouse)
			r.Route("/{warehouseID}/products/{productID}", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/lots", h.GetLots)
				r.Get("/reconciliation", h.GetReconciliation)
			})
		})

		r.Post("/products", h.RegisterProduct)

		// Ledger writes
		r.Post("/receipts", h.Receive)
		r.Post("/reservations", h.Reserve)
		r.Post("/releases", h.Release)
		r.Post("/write-offs", h.WriteOff)
		r.Post("/adjustments", h.Adjust)

		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Patch("/{id}", h.UpdateOrder)
			r.Post("/{id}/status", h.ChangeOrderStatus)
		})
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
