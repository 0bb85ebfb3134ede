package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// CounterTx is the view of one counter inside a store transaction.
type CounterTx interface {
	// Get returns the current counter, or false when none exists yet.
	Get() (Counter, bool)
	// Create stores c as a new counter. Only valid after Get reported absent.
	Create(c Counter)
	// Increment adds by to the count and stamps LastRequestAt.
	Increment(by int, at time.Time)
}

// CounterStore provides serializable read-modify-write transactions scoped
// to a single counter key. Transactions on different keys must not block
// each other.
//
// Update runs fn inside a transaction on key and commits the mutation fn
// made through tx. fn may run more than once when the store retries a
// conflicting transaction, so it must not have side effects beyond tx and
// its own captured result.
type CounterStore interface {
	Update(ctx context.Context, key CounterKey, fn func(tx CounterTx) error) error
}

// ViolationStore persists violation records.
type ViolationStore interface {
	// Append stores violations. Records are never modified afterwards.
	Append(ctx context.Context, violations ...Violation) error

	// Query returns violations matching filter, newest first.
	Query(ctx context.Context, filter ViolationFilter) ([]Violation, error)
}

// Pinger is implemented by stores that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SecurityEvent is one structured security log entry.
type SecurityEvent struct {
	Level    slog.Level
	Category string
	Function string
	Message  string
	Attrs    map[string]any
}

// SecurityLogger records security events. Implementations must never block
// for long or panic; errors are their own concern.
type SecurityLogger interface {
	Log(ctx context.Context, event SecurityEvent)
}

// CategorySecurity tags events emitted for rate limit violations.
const CategorySecurity = "SECURITY"
