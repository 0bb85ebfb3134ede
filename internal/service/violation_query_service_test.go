package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

func seedViolations(t *testing.T, store ratelimit.ViolationStore, base time.Time, specs ...ratelimit.Violation) {
	t.Helper()
	for i, v := range specs {
		v.ID = fmt.Sprintf("v%03d", i)
		if v.CreatedAt.IsZero() {
			v.CreatedAt = base.Add(time.Duration(i) * time.Second)
		}
		if err := store.Append(context.Background(), v); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestGetUserViolations_FiltersScopeAndLimits(t *testing.T) {
	t.Parallel()
	store := memory.NewViolationStore(1000)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	var specs []ratelimit.Violation
	for i := 0; i < 60; i++ {
		specs = append(specs, ratelimit.Violation{SubjectID: "u1", Scope: ratelimit.ScopeUser, Action: ratelimit.ActionLogin})
	}
	specs = append(specs,
		ratelimit.Violation{SubjectID: "u1", Scope: ratelimit.ScopeGlobal, Action: ratelimit.ActionLogin},
		ratelimit.Violation{SubjectID: "u2", Scope: ratelimit.ScopeUser, Action: ratelimit.ActionLogin},
	)
	seedViolations(t, store, base, specs...)

	svc := NewViolationQueryService(store, discardLogger())

	got, err := svc.GetUserViolations(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("GetUserViolations: %v", err)
	}
	if len(got) != DefaultViolationsLimit {
		t.Errorf("len = %d, want default %d", len(got), DefaultViolationsLimit)
	}
	for _, v := range got {
		if v.SubjectID != "u1" || v.Scope != ratelimit.ScopeUser {
			t.Errorf("unexpected violation in result: %+v", v)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Fatalf("results not newest first at %d", i)
		}
	}

	got, _ = svc.GetUserViolations(context.Background(), "u1", 3)
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}

	global, _ := svc.GetViolations(context.Background(), ratelimit.ScopeGlobal, "u1", 10)
	if len(global) != 1 {
		t.Errorf("global violations = %d, want 1", len(global))
	}
}

func TestGetUserViolations_EmptySubject(t *testing.T) {
	t.Parallel()
	svc := NewViolationQueryService(memory.NewViolationStore(10), discardLogger())
	if _, err := svc.GetUserViolations(context.Background(), "", 10); !errors.Is(err, ratelimit.ErrEmptyIdentifier) {
		t.Errorf("err = %v, want ErrEmptyIdentifier", err)
	}
}

func TestGetUserViolations_StoreError(t *testing.T) {
	t.Parallel()
	svc := NewViolationQueryService(brokenViolationStore{}, discardLogger())
	if _, err := svc.GetUserViolations(context.Background(), "u1", 10); err == nil {
		t.Error("expected error from broken store")
	}
}

func TestGetTopOffenders_RanksRecentViolations(t *testing.T) {
	t.Parallel()
	store := memory.NewViolationStore(1000)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)

	var specs []ratelimit.Violation
	add := func(subject string, scope ratelimit.Scope, n int, at time.Time) {
		for i := 0; i < n; i++ {
			specs = append(specs, ratelimit.Violation{SubjectID: subject, Scope: scope, Action: ratelimit.ActionLogin, CreatedAt: at.Add(time.Duration(len(specs)) * time.Second)})
		}
	}
	add("bob", ratelimit.ScopeUser, 3, recent)
	add("alice", ratelimit.ScopeUser, 3, recent)
	add("carol", ratelimit.ScopeUser, 5, recent)
	add("alice", ratelimit.ScopeGlobal, 1, recent)
	add("mallory", ratelimit.ScopeUser, 50, now.Add(-48*time.Hour))
	seedViolations(t, store, now, specs...)

	svc := NewViolationQueryService(store, discardLogger())
	svc.now = func() time.Time { return now }

	got, err := svc.GetTopOffenders(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetTopOffenders: %v", err)
	}
	want := []ratelimit.OffenderCount{
		{SubjectID: "carol", Scope: ratelimit.ScopeUser, ViolationCount: 5},
		{SubjectID: "alice", Scope: ratelimit.ScopeUser, ViolationCount: 3},
		{SubjectID: "bob", Scope: ratelimit.ScopeUser, ViolationCount: 3},
		{SubjectID: "alice", Scope: ratelimit.ScopeGlobal, ViolationCount: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d offenders, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("offender[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	top, _ := svc.GetTopOffenders(context.Background(), 2)
	if len(top) != 2 || top[0].SubjectID != "carol" {
		t.Errorf("limited offenders = %+v", top)
	}
}

func TestGetTopOffenders_Empty(t *testing.T) {
	t.Parallel()
	svc := NewViolationQueryService(memory.NewViolationStore(10), discardLogger())
	got, err := svc.GetTopOffenders(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %+v, want empty", got)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 50},
		{-4, 50},
		{10, 10},
		{500, 500},
		{10_000, 500},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in, DefaultViolationsLimit, MaxViolationsLimit); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
