package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

type captureSecurityLogger struct {
	mu     sync.Mutex
	events []ratelimit.SecurityEvent
}

func (l *captureSecurityLogger) Log(_ context.Context, e ratelimit.SecurityEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *captureSecurityLogger) Events() []ratelimit.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ratelimit.SecurityEvent(nil), l.events...)
}

// slowViolationStore simulates a slow backend for testing backpressure.
type slowViolationStore struct {
	delay time.Duration
}

func (s *slowViolationStore) Append(context.Context, ...ratelimit.Violation) error {
	time.Sleep(s.delay)
	return nil
}

func (s *slowViolationStore) Query(context.Context, ratelimit.ViolationFilter) ([]ratelimit.Violation, error) {
	return nil, nil
}

type brokenViolationStore struct{}

func (brokenViolationStore) Append(context.Context, ...ratelimit.Violation) error {
	return errors.New("disk full")
}

func (brokenViolationStore) Query(context.Context, ratelimit.ViolationFilter) ([]ratelimit.Violation, error) {
	return nil, errors.New("disk full")
}

func TestViolationRecorder_FlushOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := memory.NewViolationStore(100)
	rec := NewViolationRecorder(store, discardLogger(), WithFlushInterval(time.Hour))
	rec.Start(context.Background())

	for i := 0; i < 5; i++ {
		rec.Record(ratelimit.Violation{SubjectID: fmt.Sprintf("u%d", i), Scope: ratelimit.ScopeUser, Action: ratelimit.ActionLogin})
	}
	rec.Stop()

	if store.Len() != 5 {
		t.Fatalf("stored = %d, want 5", store.Len())
	}
	got, _ := store.Query(context.Background(), ratelimit.ViolationFilter{})
	seen := make(map[string]bool)
	for _, v := range got {
		if v.ID == "" {
			t.Error("violation ID not assigned")
		}
		if seen[v.ID] {
			t.Errorf("duplicate violation ID %s", v.ID)
		}
		seen[v.ID] = true
		if v.CreatedAt.IsZero() {
			t.Error("CreatedAt not assigned")
		}
	}
}

func TestViolationRecorder_OverflowWithTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := NewViolationRecorder(&slowViolationStore{delay: 50 * time.Millisecond}, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(5*time.Millisecond),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)

	for i := 0; i < 10; i++ {
		rec.Record(ratelimit.Violation{SubjectID: fmt.Sprintf("u%d", i)})
	}

	if rec.DroppedRecords() == 0 {
		t.Error("expected some violations to be dropped")
	}
	if rec.ChannelCapacity() != 2 {
		t.Errorf("ChannelCapacity = %d, want 2", rec.ChannelCapacity())
	}
	if rec.ChannelDepth() > 2 {
		t.Errorf("ChannelDepth = %d exceeds capacity", rec.ChannelDepth())
	}

	cancel()
	rec.Stop()
}

func TestViolationRecorder_RecordAfterStopDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := NewViolationRecorder(memory.NewViolationStore(10), discardLogger())
	rec.Start(context.Background())
	rec.Stop()
	rec.Stop()

	rec.Record(ratelimit.Violation{SubjectID: "late"})
	if rec.DroppedRecords() != 1 {
		t.Errorf("DroppedRecords = %d, want 1", rec.DroppedRecords())
	}
}

func TestViolationRecorder_StoreErrorStillEmitsSecurityEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	security := &captureSecurityLogger{}
	rec := NewViolationRecorder(brokenViolationStore{}, slog.New(slog.NewTextHandler(&buf, nil)),
		WithSecurityLogger(security))
	rec.Start(context.Background())

	rec.Record(ratelimit.Violation{SubjectID: "10.0.0.9", Scope: ratelimit.ScopeGlobal, Action: ratelimit.ActionLogin, CountAtViolation: 10})
	rec.Stop()

	if !strings.Contains(buf.String(), "failed to write violation batch") {
		t.Errorf("expected store error log, got %q", buf.String())
	}
	events := security.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Function != "checkGlobalRateLimit" {
		t.Errorf("Function = %q, want checkGlobalRateLimit", e.Function)
	}
	if e.Attrs["subject_id"] != "10.0.0.9" || e.Attrs["count_at_violation"] != 10 {
		t.Errorf("unexpected attrs: %v", e.Attrs)
	}
}

func TestViolationRecorder_KeepsCallerStamps(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := memory.NewViolationStore(10)
	rec := NewViolationRecorder(store, discardLogger())
	rec.Start(context.Background())

	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rec.Record(ratelimit.Violation{ID: "fixed", SubjectID: "u1", CreatedAt: at})
	rec.Stop()

	got, _ := store.Query(context.Background(), ratelimit.ViolationFilter{})
	if len(got) != 1 || got[0].ID != "fixed" || !got[0].CreatedAt.Equal(at) {
		t.Errorf("caller stamps overwritten: %+v", got)
	}
}
