// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// StatsService tracks runtime statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple goroutines.
type StatsService struct {
	allowed     atomic.Int64
	rateLimited atomic.Int64
	failOpen    atomic.Int64
	exempt      atomic.Int64
	errors      atomic.Int64

	// Denials per action (mutex-protected map).
	mu           sync.Mutex
	actionDenies map[ratelimit.Action]int64
}

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		actionDenies: make(map[ratelimit.Action]int64),
	}
}

// RecordAllow increments the allowed counter.
func (s *StatsService) RecordAllow() {
	s.allowed.Add(1)
}

// RecordRateLimited increments the rate-limited counter and the per-action
// denial count.
func (s *StatsService) RecordRateLimited(action ratelimit.Action) {
	s.rateLimited.Add(1)
	s.mu.Lock()
	s.actionDenies[action]++
	s.mu.Unlock()
}

// RecordFailOpen increments the counter of checks allowed because the
// counter store failed.
func (s *StatsService) RecordFailOpen() {
	s.failOpen.Add(1)
}

// RecordExempt increments the exempt counter.
func (s *StatsService) RecordExempt() {
	s.exempt.Add(1)
}

// RecordError increments the error counter.
func (s *StatsService) RecordError() {
	s.errors.Add(1)
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed           int64            `json:"allowed"`
	RateLimited       int64            `json:"rate_limited"`
	FailOpen          int64            `json:"fail_open"`
	Exempt            int64            `json:"exempt"`
	Errors            int64            `json:"errors"`
	ViolationsDropped int64            `json:"violations_dropped"`
	DeniesByAction    map[string]int64 `json:"denies_by_action"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
// ViolationsDropped is filled in by callers that own a ViolationRecorder.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	da := make(map[string]int64, len(s.actionDenies))
	for k, v := range s.actionDenies {
		da[string(k)] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:        s.allowed.Load(),
		RateLimited:    s.rateLimited.Load(),
		FailOpen:       s.failOpen.Load(),
		Exempt:         s.exempt.Load(),
		Errors:         s.errors.Load(),
		DeniesByAction: da,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.rateLimited.Store(0)
	s.failOpen.Store(0)
	s.exempt.Store(0)
	s.errors.Store(0)

	s.mu.Lock()
	s.actionDenies = make(map[ratelimit.Action]int64)
	s.mu.Unlock()
}
