package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fairvest/execution-engine/internal/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	OperatorKey string
	Limiter     *RateLimiter // nil disables rate limiting
	Hub         *WSHub       // nil disables /ws
	Timeout     time.Duration
}

// NewRouter mounts every route of the service.
func NewRouter(s *Service, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Timeout > 0 {
		r.Use(middleware.Timeout(opts.Timeout))
	}
	r.Use(metrics.Middleware)

	// CORS for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+OperatorKeyHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"execution-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if opts.Hub != nil {
			r.Get("/ws", opts.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			if opts.Limiter != nil {
				r.Use(opts.Limiter.Middleware)
			}

			// Plans.
			r.Get("/plans", s.ListPlans)
			r.Get("/plans/{planID}", s.GetPlan)
			r.Get("/risk-factors", s.GetRiskFactors)
			r.Group(func(r chi.Router) {
				r.Use(RequireOperator(opts.OperatorKey))
				r.Post("/plans", s.CreatePlan)
				r.Put("/plans/{planID}", s.UpdatePlan)
				r.Post("/plans/{planID}/deactivate", s.DeactivatePlan)
				r.Put("/risk-factors/{class}", s.SetRiskFactor)
			})

			// Ledger.
			r.Post("/deposits", s.Deposit)
			r.Post("/deposits/batch", s.BatchDeposit)
			r.Get("/accounts/{owner}", s.GetAccount)
			r.Get("/portfolio/{owner}", s.GetPortfolio)

			// Immediate execution.
			r.Post("/invest", s.Invest)
			r.Get("/investments/{investmentID}/fills", s.GetFills)

			// Fair queue.
			r.Get("/queue", s.QueueSummary)
			r.Post("/queue", s.Enqueue)
			r.Post("/queue/execute", s.ExecuteBatch)
			r.Get("/queue/{queueID}", s.GetQueueEntry)

			r.Get("/prices/{symbol}", s.GetPrice)
		})
	})
	return r
}
