package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires all routes. /health and /metrics sit outside the rate-limit
// window; everything under /api/v1 passes through the global limiter, and
// account-scoped routes additionally require an API key.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(h.GlobalRateLimit)

	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	apiV1.HandleFunc("/webhooks/bank-callback", h.BankCallback).Methods(http.MethodPost)

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(h.Authenticate)
	authed.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccount).Methods(http.MethodGet)
	authed.HandleFunc("/accounts/{id:[0-9]+}/balance", h.GetBalance).Methods(http.MethodGet)
	authed.HandleFunc("/deposits", h.CreateDeposit).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}", h.GetDeposit).Methods(http.MethodGet)
	authed.HandleFunc("/withdrawals", h.CreateWithdrawal).Methods(http.MethodPost)
	authed.HandleFunc("/withdrawals/{id:[0-9]+}", h.GetWithdrawal).Methods(http.MethodGet)
	authed.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)

	return r
}
