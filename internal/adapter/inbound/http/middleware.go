package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/abusegate/internal/ctxkey"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/abusegate/internal/service"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

type clientIPContextKey struct{}

// ClientIPKey is the context key for the caller's address.
var ClientIPKey = clientIPContextKey{}

// LoggerKey is the context key for the enriched logger.
var LoggerKey = ctxkey.LoggerKey{}

// Rate limit response headers.
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// RequestIDMiddleware extracts or generates a request ID and stores an
// enriched logger in the context.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, logger.With("request_id", requestID))

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware stores the caller's address under ClientIPKey. It is the
// default identifier for global-scope checks.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ClientIPKey, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromContext returns the address stored by RealIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPKey).(string)
	return ip
}

// extractRealIP returns the first X-Forwarded-For entry, then X-Real-IP,
// then the host part of RemoteAddr.
func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SubjectFunc extracts the authenticated subject from a request. It returns
// "" for anonymous callers.
type SubjectFunc func(r *http.Request) string

// HeaderSubject reads the subject from a trusted header set by an upstream
// authentication layer.
func HeaderSubject(header string) SubjectFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// RateLimitMiddleware guards next with a user-scoped check on action.
// Anonymous callers get 401, denied callers 429 with Retry-After.
func RateLimitMiddleware(limiter service.Limiter, action ratelimit.Action, subject SubjectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := limiter.CheckRateLimit(r.Context(), subject(r), action)
			if !admit(w, r, action, result, err) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GlobalRateLimitMiddleware guards next with a global-scope check keyed by
// the caller's address. Use it in front of unauthenticated endpoints.
func GlobalRateLimitMiddleware(limiter service.GlobalLimiter, action ratelimit.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIPFromContext(r.Context())
			if ip == "" {
				ip = extractRealIP(r)
			}
			result, err := limiter.CheckGlobalRateLimit(r.Context(), ip, action)
			if !admit(w, r, action, result, err) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// admit writes the decision headers and, when the request may not proceed,
// the error response. It reports whether the request may proceed.
func admit(w http.ResponseWriter, r *http.Request, action ratelimit.Action, result ratelimit.Result, err error) bool {
	if err != nil {
		writeDecisionError(w, r, err)
		return false
	}
	setDecisionHeaders(w, result)
	if !result.Allowed {
		writeRateLimited(w, action, result)
		return false
	}
	return true
}

func setDecisionHeaders(w http.ResponseWriter, result ratelimit.Result) {
	w.Header().Set(HeaderRemaining, strconv.Itoa(result.Remaining))
	w.Header().Set(HeaderReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
	if !result.Allowed {
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(result.RetryAfterSeconds))
	}
}

// rateLimitedBody is the 429 response body.
type rateLimitedBody struct {
	Error             string    `json:"error"`
	Action            string    `json:"action"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
}

func writeRateLimited(w http.ResponseWriter, action ratelimit.Action, result ratelimit.Result) {
	writeJSON(w, http.StatusTooManyRequests, rateLimitedBody{
		Error:             ratelimit.ErrRateLimited.Error(),
		Action:            string(action),
		ResetAt:           result.ResetAt.UTC(),
		RetryAfterSeconds: result.RetryAfterSeconds,
	})
}

// writeDecisionError maps evaluation errors to status codes.
func writeDecisionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": ratelimit.ErrUnauthenticated.Error()})
	case errors.Is(err, ratelimit.ErrEmptyIdentifier):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ratelimit.ErrUnknownAction):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		LoggerFromContext(r.Context()).Error("rate limit check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
