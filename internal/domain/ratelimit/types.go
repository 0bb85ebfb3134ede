// Package ratelimit provides the fixed-window rate limiting domain: actions,
// policies, window arithmetic, counters, violations and the store ports.
package ratelimit

import (
	"strconv"
	"strings"
	"time"
)

// Scope separates counters of authenticated users from counters of
// anonymous identifiers such as an IP address or device id.
type Scope string

const (
	// ScopeUser is for authenticated subject ids.
	ScopeUser Scope = "user"

	// ScopeGlobal is for anonymous identifiers on pre-authentication paths.
	ScopeGlobal Scope = "global"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeUser || s == ScopeGlobal
}

// CounterKey identifies one counter. At most one counter exists per key.
type CounterKey struct {
	Scope     Scope
	SubjectID string
	Action    Action
	WindowID  int64
}

// String returns the storage key.
// Format: "{scope}_{subject}|{action}|{window}"
// Examples:
//   - user "u1", LOGIN, window 5 -> "user_u1|LOGIN|5"
//   - global "10.0.0.1", LOGIN, window 5 -> "global_10.0.0.1|LOGIN|5"
//
// The scope prefix keeps user and global counters disjoint even when the
// subject strings collide.
func (k CounterKey) String() string {
	var b strings.Builder
	b.Grow(len(k.SubjectID) + len(k.Action) + 32)
	b.WriteString(string(k.Scope))
	b.WriteByte('_')
	b.WriteString(k.SubjectID)
	b.WriteByte('|')
	b.WriteString(string(k.Action))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(k.WindowID, 10))
	return b.String()
}

// Counter is the per-window request count for one key.
type Counter struct {
	Key           CounterKey
	Count         int
	WindowStart   time.Time
	WindowEnd     time.Time
	LastRequestAt time.Time
}

// Result is the verdict of a rate limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfterSeconds is only set on denial.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// Violation is an append-only record of one denied request.
type Violation struct {
	ID               string    `json:"id"`
	SubjectID        string    `json:"subject_id"`
	Scope            Scope     `json:"scope"`
	Action           Action    `json:"action"`
	CountAtViolation int       `json:"count_at_violation"`
	WindowStart      time.Time `json:"window_start"`
	CreatedAt        time.Time `json:"created_at"`
}

// ViolationFilter selects violations. Zero-valued fields do not filter.
type ViolationFilter struct {
	SubjectID string
	Scope     Scope
	Since     time.Time
	// Limit caps the result size. Results are always newest first.
	Limit int
}

// Matches reports whether v passes the filter (ignoring Limit).
func (f ViolationFilter) Matches(v Violation) bool {
	if f.SubjectID != "" && v.SubjectID != f.SubjectID {
		return false
	}
	if f.Scope != "" && v.Scope != f.Scope {
		return false
	}
	if !f.Since.IsZero() && v.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// OffenderCount is one row of the top offenders report.
type OffenderCount struct {
	SubjectID      string `json:"subject_id"`
	Scope          Scope  `json:"scope"`
	ViolationCount int    `json:"violation_count"`
}
