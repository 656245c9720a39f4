package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/engine"
	"github.com/punchamoorthee/paygate/internal/idempotency"
	"github.com/punchamoorthee/paygate/internal/ratelimit"
	"github.com/punchamoorthee/paygate/internal/store"
	"github.com/punchamoorthee/paygate/internal/webhook"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paygate_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store   *store.Store
	engine  *engine.Engine
	idem    idempotency.Store
	limiter *ratelimit.Limiter
	queue   engine.Scheduler
	secret  string
	log     *zap.Logger

	balanceLimit int
	txnLimit     int
	globalLimit  int
}

func NewHandler(s *store.Store, eng *engine.Engine, idem idempotency.Store, limiter *ratelimit.Limiter, queue engine.Scheduler, secret string, balanceLimit, txnLimit, globalLimit int, log *zap.Logger) *Handler {
	return &Handler{
		store:        s,
		engine:       eng,
		idem:         idem,
		limiter:      limiter,
		queue:        queue,
		secret:       secret,
		log:          log,
		balanceLimit: balanceLimit,
		txnLimit:     txnLimit,
		globalLimit:  globalLimit,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAccountRequest struct {
	Email string `json:"email"`
}

type createAccountResponse struct {
	ID        int64           `json:"id"`
	Email     string          `json:"email"`
	APIKey    string          `json:"api_key"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt string          `json:"created_at"`
}

// CreateAccount provisions a new account. The API key is returned exactly
// once, here.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", "POST", "/accounts")
		return
	}
	if req.Email == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "invalid_request", "Email is required", "POST", "/accounts")
		return
	}

	acc, err := h.store.CreateAccount(r.Context(), req.Email, uuid.NewString())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			h.respondError(w, http.StatusConflict, "email_exists", "Email already registered", "POST", "/accounts")
			return
		}
		h.log.Error("account creation failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal_error", "System error creating account", "POST", "/accounts")
		return
	}

	h.respondJSON(w, http.StatusCreated, createAccountResponse{
		ID:        acc.ID,
		Email:     acc.Email,
		APIKey:    acc.APIKey,
		Balance:   acc.Balance,
		CreatedAt: acc.CreatedAt.Format("2006-01-02T15:04:05.000000Z07:00"),
	}, "POST", "/accounts")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r)
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "not_found", "Account not found", "GET", "/accounts/{id}")
		return
	}
	if id != acct.ID {
		h.respondError(w, http.StatusForbidden, "access_denied", "Access denied", "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, acct, "GET", "/accounts/{id}")
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r)
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "not_found", "Account not found", "GET", "/accounts/{id}/balance")
		return
	}
	if id != acct.ID {
		h.respondError(w, http.StatusForbidden, "access_denied", "Access denied", "GET", "/accounts/{id}/balance")
		return
	}
	if !h.allowScoped(w, r, userScope(acct.ID, "balance"), h.balanceLimit) {
		return
	}

	// Re-read: the context value may predate recent settlements.
	fresh, err := h.store.Account(r.Context(), acct.ID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error", "Balance lookup failed", "GET", "/accounts/{id}/balance")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"account_id": fresh.ID,
		"balance":    fresh.Balance,
	}, "GET", "/accounts/{id}/balance")
}

func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.KindDeposit, "/deposits")
}

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.KindWithdrawal, "/withdrawals")
}

type submitRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// submit is the shared deposit/withdrawal ingress path: rate limit, then
// idempotency check-or-reserve, then engine submission. The stored response is
// written back verbatim on replay.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, kind domain.TransactionKind, endpoint string) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	ctx := r.Context()
	acct := accountFrom(r)

	if !h.allowScoped(w, r, userScope(acct.ID, "transactions"), h.txnLimit) {
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, "missing_idempotency_key", "Missing Idempotency-Key header", "POST", endpoint)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error", "Stream read error", "POST", endpoint)
		return
	}
	hash := sha256.Sum256(body)
	fingerprint := hex.EncodeToString(hash[:])

	res, err := h.idem.CheckOrReserve(ctx, acct.ID, idemKey, fingerprint)
	if err != nil {
		h.log.Error("idempotency check failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "POST", endpoint)
		return
	}

	switch res.Outcome {
	case idempotency.Replay:
		httpRequestsTotal.WithLabelValues("POST", endpoint, strconv.Itoa(res.ResponseStatus)).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.ResponseStatus)
		w.Write(res.ResponseBody)
		return
	case idempotency.InFlight:
		h.respondError(w, http.StatusConflict, "request_in_progress", "Request processing in progress", "POST", endpoint)
		return
	case idempotency.Conflict:
		h.respondError(w, http.StatusUnprocessableEntity, "idempotency_key_conflict", "Key reuse with mismatched payload", "POST", endpoint)
		return
	}

	// Reservation held; any synchronous rejection must release it so the key
	// remains usable once the cause clears.
	release := func() {
		if err := h.idem.Delete(ctx, acct.ID, idemKey); err != nil {
			h.log.Error("idempotency release failed", zap.Error(err))
		}
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		release()
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", "POST", endpoint)
		return
	}

	txn, err := h.engine.Submit(ctx, acct.ID, kind, req.Amount, idemKey)
	if err != nil {
		release()
		switch {
		case errors.Is(err, engine.ErrInvalidAmount):
			h.respondError(w, http.StatusUnprocessableEntity, "invalid_amount", "Positive amount required", "POST", endpoint)
		case errors.Is(err, store.ErrInsufficientBalance):
			h.respondError(w, http.StatusUnprocessableEntity, "insufficient_balance", "Insufficient balance", "POST", endpoint)
		case errors.Is(err, store.ErrAccountNotFound):
			h.respondError(w, http.StatusNotFound, "account_not_found", "Account not found", "POST", endpoint)
		default:
			h.log.Error("submit failed", zap.Error(err), zap.String("type", string(kind)))
			h.respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "POST", endpoint)
		}
		return
	}

	respBody, err := json.Marshal(txn)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "POST", endpoint)
		return
	}
	if err := h.idem.StoreResponse(ctx, acct.ID, idemKey, http.StatusAccepted, respBody); err != nil {
		h.log.Error("idempotency store failed", zap.Error(err), zap.Int64("transaction_id", txn.ID))
	}

	httpRequestsTotal.WithLabelValues("POST", endpoint, "202").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write(respBody)
}

func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	h.getTransaction(w, r, domain.KindDeposit, "/deposits/{id}")
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.getTransaction(w, r, domain.KindWithdrawal, "/withdrawals/{id}")
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request, kind domain.TransactionKind, endpoint string) {
	acct := accountFrom(r)
	// The route pattern admits digit strings beyond the int64 range.
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "not_found", "Transaction not found", "GET", endpoint)
		return
	}

	txn, err := h.store.Transaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.respondError(w, http.StatusNotFound, "not_found", "Transaction not found", "GET", endpoint)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "GET", endpoint)
		return
	}
	if txn.AccountID != acct.ID {
		h.respondError(w, http.StatusForbidden, "access_denied", "Access denied", "GET", endpoint)
		return
	}
	if txn.Kind != kind {
		h.respondError(w, http.StatusNotFound, "not_found", "Transaction not found", "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, txn, "GET", endpoint)
}

type paginatedResponse struct {
	Items   []domain.Transaction `json:"items"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
	HasMore bool                 `json:"has_more"`
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r)
	if !h.allowScoped(w, r, userScope(acct.ID, "transactions"), h.txnLimit) {
		return
	}

	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := parseIntDefault(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.store.ListTransactions(r.Context(), acct.ID,
		domain.TransactionKind(q.Get("type")), domain.TransactionStatus(q.Get("status")), limit, offset)
	if err != nil {
		h.log.Error("transaction listing failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "GET", "/transactions")
		return
	}
	if items == nil {
		items = []domain.Transaction{}
	}

	h.respondJSON(w, http.StatusOK, paginatedResponse{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}, "GET", "/transactions")
}

// BankCallback receives the bank's asynchronous settlement notification.
// The outcome is enqueued before the 200 is written, never processed inline,
// so a slow consumer cannot make the bank re-deliver.
func (h *Handler) BankCallback(w http.ResponseWriter, r *http.Request) {
	endpoint := "/webhooks/bank-callback"

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal_error", "Stream read error", "POST", endpoint)
		return
	}

	// The signature covers the full payload as sent, so verification works on
	// the decoded document; the struct decode just extracts the fields acted on.
	doc, err := webhook.Decode(body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", "POST", endpoint)
		return
	}
	var payload domain.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", "POST", endpoint)
		return
	}
	if payload.Status != "success" && payload.Status != "failed" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Status must be success or failed", "POST", endpoint)
		return
	}

	if !webhook.Verify(h.secret, doc) {
		h.log.Warn("invalid webhook signature", zap.Int64("transaction_id", payload.TransactionID))
		h.respondError(w, http.StatusUnauthorized, "invalid_signature", "Invalid webhook signature", "POST", endpoint)
		return
	}

	job := domain.Job{
		Kind:          domain.JobBankCallback,
		TransactionID: payload.TransactionID,
		Outcome:       payload.Status,
		BankReference: payload.BankReference,
		ErrorMessage:  payload.ErrorMessage,
	}
	if err := h.queue.Enqueue(r.Context(), job, 0); err != nil {
		h.log.Error("webhook enqueue failed", zap.Error(err), zap.Int64("transaction_id", payload.TransactionID))
		h.respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "POST", endpoint)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"message":        "Webhook received and queued for processing",
		"transaction_id": payload.TransactionID,
	}, "POST", endpoint)
}

// Helpers

func userScope(accountID int64, suffix string) string {
	return "user:" + strconv.FormatInt(accountID, 10) + ":" + suffix
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, errCode, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": errCode, "message": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
