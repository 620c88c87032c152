package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orquesta/settlement/internal/metrics"
)

// NewRouter mounts every route behind the standard middleware stack.
// hub may be nil, in which case /ws is not served.
func NewRouter(svc *Service, hub *FeedHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", svc.Health(hub))
	r.Handle("/metrics", metrics.Handler())
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	// Signed callbacks; the raw body is verified before decoding.
	r.Post("/webhooks/payments", svc.PaymentWebhook)
	r.Post("/webhooks/payouts", svc.PayoutWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/dead-letters", svc.ListDeadLetters)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/payment-intents", svc.CreatePaymentIntent)
			r.Get("/payment-intents/{intentID}", svc.GetPaymentIntent)

			r.Post("/fee-sweeps", svc.SweepFees)
			r.Get("/sellers/{sellerID}/balance", svc.GetSellerBalance)

			r.Get("/payouts", svc.ListPayouts)
			r.Post("/payouts", svc.CreatePayout)
			r.Get("/payouts/{payoutID}", svc.GetPayout)

			r.Get("/tax-reports/{period}", svc.GetTaxReport)
		})
	})
	return r
}

// cors allows the dashboards to call the operator routes cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health handles GET /health. A dependency with an open breaker degrades
// the status but still answers 200 so the process is not restarted for an
// upstream outage.
func (s *Service) Health(hub *FeedHub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status := "ok"
		deps := make(map[string]string, len(s.deps))
		for name, state := range s.deps {
			st := state()
			deps[name] = st
			if st == "open" {
				status = "degraded"
			}
		}
		resp := map[string]any{
			"status":       status,
			"service":      "settlement",
			"dependencies": deps,
		}
		if hub != nil {
			resp["ws_clients"] = hub.Clients()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
