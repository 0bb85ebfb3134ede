package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("RATE_LIMITED")

	// ErrUnauthenticated is returned when a user-scoped check has no subject.
	ErrUnauthenticated = errors.New("UNAUTHENTICATED")

	// ErrUnknownAction means an action has no policy. This is a programming
	// error and must never be treated as an allow or a deny.
	ErrUnknownAction = errors.New("unknown rate limit action")
)

// RateLimitError is returned to callers whose request was denied.
type RateLimitError struct {
	Action            Action
	RetryAfterSeconds int
	ResetAt           time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: action %s, retry after %ds", e.Action, e.RetryAfterSeconds)
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter returns the retry hint as a duration.
func (e *RateLimitError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

// IsRateLimitError extracts a *RateLimitError from err.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// ErrEmptyIdentifier is returned when a global check or an admin query has
// no identifier.
var ErrEmptyIdentifier = errors.New("identifier is required")
