// Package storetest holds behaviour tests shared by every counter and
// violation store adapter.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// countOnce is the read-modify-write every evaluator transaction performs.
func countOnce(now time.Time) func(tx ratelimit.CounterTx) error {
	return func(tx ratelimit.CounterTx) error {
		if _, ok := tx.Get(); !ok {
			tx.Create(ratelimit.Counter{
				Count:         1,
				WindowStart:   now.Truncate(time.Minute),
				WindowEnd:     now.Truncate(time.Minute).Add(time.Minute),
				LastRequestAt: now,
			})
			return nil
		}
		tx.Increment(1, now)
		return nil
	}
}

func readCount(t *testing.T, store ratelimit.CounterStore, key ratelimit.CounterKey) (int, bool) {
	t.Helper()
	var (
		count  int
		exists bool
	)
	err := store.Update(context.Background(), key, func(tx ratelimit.CounterTx) error {
		c, ok := tx.Get()
		count, exists = c.Count, ok
		return nil
	})
	if err != nil {
		t.Fatalf("Update(read) error: %v", err)
	}
	return count, exists
}

// RunCounterStoreTests exercises the per-key transactional contract.
// newStore must return an empty store.
func RunCounterStoreTests(t *testing.T, newStore func(t *testing.T) ratelimit.CounterStore) {
	t.Run("CreateThenIncrement", func(t *testing.T) {
		store := newStore(t)
		key := ratelimit.CounterKey{Scope: ratelimit.ScopeUser, SubjectID: "u1", Action: ratelimit.ActionLogin, WindowID: 1}
		now := time.Now().UTC()

		if _, ok := readCount(t, store, key); ok {
			t.Fatal("new store should not contain the key")
		}
		for i := 0; i < 3; i++ {
			if err := store.Update(context.Background(), key, countOnce(now)); err != nil {
				t.Fatalf("Update() error: %v", err)
			}
		}
		count, ok := readCount(t, store, key)
		if !ok || count != 3 {
			t.Errorf("count = %d (exists=%v), want 3", count, ok)
		}
	})

	t.Run("CounterFieldsPersist", func(t *testing.T) {
		store := newStore(t)
		key := ratelimit.CounterKey{Scope: ratelimit.ScopeUser, SubjectID: "u-fields", Action: ratelimit.ActionLogin, WindowID: 9}
		start := time.UnixMilli(1_700_000_100_000).UTC()
		last := start.Add(1500 * time.Millisecond)

		err := store.Update(context.Background(), key, func(tx ratelimit.CounterTx) error {
			tx.Create(ratelimit.Counter{Count: 1, WindowStart: start, WindowEnd: start.Add(5 * time.Minute), LastRequestAt: start})
			return nil
		})
		if err != nil {
			t.Fatalf("Update(create) error: %v", err)
		}
		err = store.Update(context.Background(), key, func(tx ratelimit.CounterTx) error {
			tx.Increment(1, last)
			return nil
		})
		if err != nil {
			t.Fatalf("Update(increment) error: %v", err)
		}

		var got ratelimit.Counter
		_ = store.Update(context.Background(), key, func(tx ratelimit.CounterTx) error {
			got, _ = tx.Get()
			return nil
		})
		if got.Count != 2 {
			t.Errorf("Count = %d, want 2", got.Count)
		}
		if !got.WindowStart.Equal(start) {
			t.Errorf("WindowStart = %v, want %v", got.WindowStart, start)
		}
		if !got.LastRequestAt.Equal(last) {
			t.Errorf("LastRequestAt = %v, want %v", got.LastRequestAt, last)
		}
	})

	t.Run("ErrorAbortsMutation", func(t *testing.T) {
		store := newStore(t)
		key := ratelimit.CounterKey{Scope: ratelimit.ScopeUser, SubjectID: "u-abort", Action: ratelimit.ActionLogin, WindowID: 1}
		boom := errors.New("boom")

		err := store.Update(context.Background(), key, func(tx ratelimit.CounterTx) error {
			tx.Create(ratelimit.Counter{Count: 1})
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update() error = %v, want %v", err, boom)
		}
		if _, ok := readCount(t, store, key); ok {
			t.Error("aborted transaction must not create the counter")
		}
	})

	t.Run("KeysIndependent", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC()
		user := ratelimit.CounterKey{Scope: ratelimit.ScopeUser, SubjectID: "same", Action: ratelimit.ActionLogin, WindowID: 7}
		global := user
		global.Scope = ratelimit.ScopeGlobal
		nextWindow := user
		nextWindow.WindowID = 8

		for i := 0; i < 4; i++ {
			_ = store.Update(context.Background(), user, countOnce(now))
		}
		_ = store.Update(context.Background(), global, countOnce(now))

		if c, _ := readCount(t, store, user); c != 4 {
			t.Errorf("user count = %d, want 4", c)
		}
		if c, _ := readCount(t, store, global); c != 1 {
			t.Errorf("global count = %d, want 1", c)
		}
		if _, ok := readCount(t, store, nextWindow); ok {
			t.Error("next window should be empty")
		}
	})

	t.Run("ConcurrentIncrements", func(t *testing.T) {
		store := newStore(t)
		key := ratelimit.CounterKey{Scope: ratelimit.ScopeUser, SubjectID: "hot", Action: ratelimit.ActionMessageSend, WindowID: 1}
		now := time.Now().UTC()

		const workers = 25
		var wg sync.WaitGroup
		errCh := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.Update(context.Background(), key, countOnce(now)); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)

		failed := 0
		for err := range errCh {
			failed++
			t.Logf("concurrent Update error: %v", err)
		}
		count, _ := readCount(t, store, key)
		if count != workers-failed {
			t.Errorf("count = %d, want %d (lost updates)", count, workers-failed)
		}
		if failed > 0 {
			t.Errorf("%d concurrent updates failed", failed)
		}
	})
}

// RunViolationStoreTests exercises append and newest-first querying.
func RunViolationStoreTests(t *testing.T, newStore func(t *testing.T) ratelimit.ViolationStore) {
	base := time.UnixMilli(1_700_000_000_000).UTC()
	mk := func(i int, subject string, scope ratelimit.Scope) ratelimit.Violation {
		return ratelimit.Violation{
			ID:               fmt.Sprintf("v-%03d", i),
			SubjectID:        subject,
			Scope:            scope,
			Action:           ratelimit.ActionLogin,
			CountAtViolation: 10,
			WindowStart:      base,
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		}
	}

	t.Run("NewestFirstWithLimit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := store.Append(ctx, mk(i, "u1", ratelimit.ScopeUser)); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
		}

		got, err := store.Query(ctx, ratelimit.ViolationFilter{SubjectID: "u1", Limit: 3})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		for i, want := range []string{"v-004", "v-003", "v-002"} {
			if got[i].ID != want {
				t.Errorf("got[%d].ID = %s, want %s", i, got[i].ID, want)
			}
		}
		if got[0].CountAtViolation != 10 || got[0].Action != ratelimit.ActionLogin {
			t.Errorf("fields not persisted: %+v", got[0])
		}
		if !got[0].WindowStart.Equal(base) {
			t.Errorf("WindowStart = %v, want %v", got[0].WindowStart, base)
		}
	})

	t.Run("Filters", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		err := store.Append(ctx,
			mk(1, "u1", ratelimit.ScopeUser),
			mk(2, "u2", ratelimit.ScopeUser),
			mk(3, "u1", ratelimit.ScopeGlobal),
			mk(4, "u1", ratelimit.ScopeUser),
		)
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}

		got, err := store.Query(ctx, ratelimit.ViolationFilter{SubjectID: "u1", Scope: ratelimit.ScopeUser, Limit: 10})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 2 || got[0].ID != "v-004" || got[1].ID != "v-001" {
			t.Errorf("subject+scope filter = %+v", got)
		}

		got, err = store.Query(ctx, ratelimit.ViolationFilter{Since: base.Add(2 * time.Second), Limit: 10})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("since filter len = %d, want 3", len(got))
		}
	})

	t.Run("Empty", func(t *testing.T) {
		store := newStore(t)
		got, err := store.Query(context.Background(), ratelimit.ViolationFilter{SubjectID: "nobody", Limit: 10})
		if err != nil {
			t.Fatalf("Query() error: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("len = %d, want 0", len(got))
		}
	})
}
