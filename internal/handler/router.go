package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/coinledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса coinledger.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Пустой список в cors.Options означает любой источник, поэтому без
	// настроенных источников middleware не подключается.
	if len(h.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Encoding", custommiddleware.AdminTokenHeader},
			AllowCredentials: true,
			MaxAge:           86400,
		}))
	}
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", h.Register)

		r.Post("/loans/repayment", h.CalculateRepayment)
		r.Post("/risk/assess", h.AssessRisk)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/tickets", h.CreateTicket)
			r.Get("/tickets", h.ListTickets)
			r.Post("/tickets/{id}/match", h.MatchTicket)
			r.Post("/tickets/{id}/cancel", h.CancelTicket)
			r.Post("/tickets/{id}/confirm", h.ConfirmTicket)

			r.Get("/wallet", h.GetWallet)
			r.Get("/commissions", h.ListCommissions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.AdminOnly(h.adminToken))

			r.Post("/commissions", h.CalculateCommission)
			r.Post("/payouts", h.TriggerPayout)
			r.Get("/leaderboard", h.Leaderboard)
			r.Post("/wallets/{userId}/credit", h.CreditWallet)

			r.Get("/scheduler", h.SchedulerStatus)
			r.Post("/scheduler/start", h.StartScheduler)
			r.Post("/scheduler/stop", h.StopScheduler)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
