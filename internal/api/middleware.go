package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/ratelimit"
)

type contextKey string

const accountKey contextKey = "account"

const rateWindow = 60 * time.Second

func accountFrom(r *http.Request) *domain.Account {
	acct, _ := r.Context().Value(accountKey).(*domain.Account)
	return acct
}

// Authenticate resolves the X-API-Key header to an account and injects it
// into the request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			h.respondError(w, http.StatusUnauthorized, "invalid_api_key", "Missing X-API-Key header", r.Method, r.URL.Path)
			return
		}

		acct, err := h.store.AccountByAPIKey(r.Context(), apiKey)
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key", r.Method, r.URL.Path)
			return
		}

		ctx := context.WithValue(r.Context(), accountKey, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GlobalRateLimit enforces the service-wide sliding window before any work is
// queued. The limiter is shared state, so every instance counts against the
// same window.
func (h *Handler) GlobalRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := h.limiter.Allow(r.Context(), "global:rate_limit", h.globalLimit, rateWindow)
		if err != nil {
			// Fail open: admission control must not take the service down.
			h.log.Error("rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		setRateHeaders(w, d)
		if !d.Allowed {
			h.respondRateLimited(w, d, r.Method, r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowScoped applies a per-user window on top of the global one. Returns
// false after writing the 429 when the scope is exhausted.
func (h *Handler) allowScoped(w http.ResponseWriter, r *http.Request, scope string, limit int) bool {
	d, err := h.limiter.Allow(r.Context(), scope, limit, rateWindow)
	if err != nil {
		h.log.Error("rate limit check failed", zap.String("scope", scope), zap.Error(err))
		return true
	}

	setRateHeaders(w, d)
	if !d.Allowed {
		h.respondRateLimited(w, d, r.Method, r.URL.Path)
		return false
	}
	return true
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset, 10))
}

func (h *Handler) respondRateLimited(w http.ResponseWriter, d ratelimit.Decision, method, endpoint string) {
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	h.respondJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "Too many requests. Please try again later.",
		"retry_after": d.RetryAfter,
	}, method, endpoint)
}
