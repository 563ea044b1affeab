// Package middleware provides HTTP middleware for the account server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	accterrors "github.com/devrev/pairdb/account-server/internal/errors"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// TransIDKey is the context key for the transaction id.
	TransIDKey ContextKey = "trans_id"

	// TransIDHeader carries the transaction id between cluster services.
	TransIDHeader = "X-Trans-Id"
)

// TransID makes sure every response carries a transaction id. A caller's id
// is echoed back; otherwise a fresh one is minted. The request header is left
// as the caller sent it.
func TransID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transID := r.Header.Get(TransIDHeader)
		if transID == "" {
			transID = "tx" + strings.ReplaceAll(uuid.New().String(), "-", "")
		}

		w.Header().Set(TransIDHeader, transID)

		ctx := context.WithValue(r.Context(), TransIDKey, transID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTransID returns the transaction id stored by TransID, if any.
func GetTransID(ctx context.Context) string {
	if id, ok := ctx.Value(TransIDKey).(string); ok {
		return id
	}
	return ""
}

// RateLimiter creates a rate limiting middleware.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimiter creates a new rate limiter middleware.
func NewRateLimiter(requestsPerSecond float64, burstSize int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize),
		logger:  logger,
	}
}

// Limit applies rate limiting to requests. REPLICATE is never limited.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "REPLICATE" && !rl.limiter.Allow() {
			rl.logger.Warn("rate limit exceeded",
				zap.String("trans_id", GetTransID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)

			err := accterrors.RateLimited()
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(err.HTTPStatus())
			_, _ = w.Write([]byte(err.Body()))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Chain chains multiple middleware functions.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
