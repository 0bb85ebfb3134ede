package service

import (
	"sync"
	"testing"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

func TestStatsService_RecordAndGet(t *testing.T) {
	s := NewStatsService()

	s.RecordAllow()
	s.RecordAllow()
	s.RecordRateLimited(ratelimit.ActionLogin)
	s.RecordFailOpen()
	s.RecordExempt()
	s.RecordError()
	s.RecordError()
	s.RecordError()

	stats := s.GetStats()

	if stats.Allowed != 2 {
		t.Errorf("Allowed = %d, want 2", stats.Allowed)
	}
	if stats.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", stats.RateLimited)
	}
	if stats.FailOpen != 1 {
		t.Errorf("FailOpen = %d, want 1", stats.FailOpen)
	}
	if stats.Exempt != 1 {
		t.Errorf("Exempt = %d, want 1", stats.Exempt)
	}
	if stats.Errors != 3 {
		t.Errorf("Errors = %d, want 3", stats.Errors)
	}
	if stats.DeniesByAction["LOGIN"] != 1 {
		t.Errorf("DeniesByAction[LOGIN] = %d, want 1", stats.DeniesByAction["LOGIN"])
	}
}

func TestStatsService_Reset(t *testing.T) {
	s := NewStatsService()

	s.RecordAllow()
	s.RecordRateLimited(ratelimit.ActionSessionCreate)
	s.RecordFailOpen()
	s.RecordError()

	s.Reset()

	stats := s.GetStats()
	if stats.Allowed != 0 || stats.RateLimited != 0 || stats.FailOpen != 0 || stats.Errors != 0 {
		t.Errorf("after Reset, stats should be all zero: got %+v", stats)
	}
	if len(stats.DeniesByAction) != 0 {
		t.Errorf("after Reset, DeniesByAction should be empty: got %+v", stats.DeniesByAction)
	}
}

func TestStatsService_ConcurrentAccess(t *testing.T) {
	s := NewStatsService()

	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines * 3)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				s.RecordAllow()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				s.RecordRateLimited(ratelimit.ActionMessageSend)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				s.RecordError()
			}
		}()
	}

	wg.Wait()

	stats := s.GetStats()
	expected := int64(goroutines * opsPerGoroutine)

	if stats.Allowed != expected {
		t.Errorf("Allowed = %d, want %d", stats.Allowed, expected)
	}
	if stats.RateLimited != expected {
		t.Errorf("RateLimited = %d, want %d", stats.RateLimited, expected)
	}
	if stats.DeniesByAction[string(ratelimit.ActionMessageSend)] != expected {
		t.Errorf("DeniesByAction = %d, want %d", stats.DeniesByAction[string(ratelimit.ActionMessageSend)], expected)
	}
	if stats.Errors != expected {
		t.Errorf("Errors = %d, want %d", stats.Errors, expected)
	}
}

func TestStatsService_SnapshotIsCopy(t *testing.T) {
	s := NewStatsService()
	s.RecordRateLimited(ratelimit.ActionLogin)

	stats := s.GetStats()
	stats.DeniesByAction["LOGIN"] = 99

	if got := s.GetStats().DeniesByAction["LOGIN"]; got != 1 {
		t.Errorf("snapshot mutation leaked into service: got %d, want 1", got)
	}
}
