package service

import (
	"context"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// Limiter is the user-scoped half of RateLimitService.
type Limiter interface {
	CheckRateLimit(ctx context.Context, subjectID string, action ratelimit.Action) (ratelimit.Result, error)
}

// GlobalLimiter is the identifier-scoped half of RateLimitService.
type GlobalLimiter interface {
	CheckGlobalRateLimit(ctx context.Context, identifier string, action ratelimit.Action) (ratelimit.Result, error)
}

var (
	_ Limiter       = (*RateLimitService)(nil)
	_ GlobalLimiter = (*RateLimitService)(nil)
)

// Enforce runs handler only if subjectID may perform action. A denial
// returns a *ratelimit.RateLimitError and handler is never called.
// Evaluation errors, such as an unknown action, propagate unchanged.
func Enforce[T any](ctx context.Context, limiter Limiter, subjectID string, action ratelimit.Action, handler func(context.Context) (T, error)) (T, error) {
	var zero T
	if subjectID == "" {
		return zero, ratelimit.ErrUnauthenticated
	}
	result, err := limiter.CheckRateLimit(ctx, subjectID, action)
	if err != nil {
		return zero, err
	}
	if !result.Allowed {
		return zero, denial(action, result)
	}
	return handler(ctx)
}

// EnforceGlobal is Enforce for callers identified by address or
// fingerprint rather than by an authenticated subject.
func EnforceGlobal[T any](ctx context.Context, limiter GlobalLimiter, identifier string, action ratelimit.Action, handler func(context.Context) (T, error)) (T, error) {
	var zero T
	result, err := limiter.CheckGlobalRateLimit(ctx, identifier, action)
	if err != nil {
		return zero, err
	}
	if !result.Allowed {
		return zero, denial(action, result)
	}
	return handler(ctx)
}

func denial(action ratelimit.Action, result ratelimit.Result) *ratelimit.RateLimitError {
	return &ratelimit.RateLimitError{
		Action:            action,
		RetryAfterSeconds: result.RetryAfterSeconds,
		ResetAt:           result.ResetAt,
	}
}
