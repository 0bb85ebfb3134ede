package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit/storetest"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Concurrent contract tests contend on one key; allow enough retries
	// for every writer to win once.
	opts = append([]Option{WithMaxRetries(200), WithRetryBackoff(time.Millisecond)}, opts...)
	return New(client, opts...), mr
}

func TestStore_CounterContract(t *testing.T) {
	storetest.RunCounterStoreTests(t, func(t *testing.T) ratelimit.CounterStore {
		s, _ := newTestStore(t)
		return s
	})
}

func TestStore_ViolationContract(t *testing.T) {
	storetest.RunViolationStoreTests(t, func(t *testing.T) ratelimit.ViolationStore {
		// Records in the contract are dated 2023; keep them.
		s, _ := newTestStore(t, WithViolationRetention(100*365*24*time.Hour))
		return s
	})
}

func TestStore_CounterExpiresAfterWindow(t *testing.T) {
	s, mr := newTestStore(t, WithCounterRetention(time.Minute))
	ctx := context.Background()
	key := ratelimit.CounterKey{Scope: ratelimit.ScopeUser, SubjectID: "u1", Action: ratelimit.ActionLogin, WindowID: 1}
	now := time.Now()

	err := s.Update(ctx, key, func(tx ratelimit.CounterTx) error {
		tx.Create(ratelimit.Counter{Count: 1, WindowStart: now, WindowEnd: now.Add(time.Minute), LastRequestAt: now})
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	ttl := mr.TTL(s.counterKey(key))
	if ttl <= 0 || ttl > 2*time.Minute+time.Second {
		t.Errorf("TTL = %v, want about 2m", ttl)
	}
}

func TestStore_RetriesExhausted(t *testing.T) {
	s, _ := newTestStore(t, WithMaxRetries(0))
	ctx := context.Background()
	key := ratelimit.CounterKey{Scope: ratelimit.ScopeUser, SubjectID: "race", Action: ratelimit.ActionLogin, WindowID: 1}
	now := time.Now()

	err := s.Update(ctx, key, func(tx ratelimit.CounterTx) error {
		// A write from another client between WATCH and EXEC aborts the
		// transaction.
		if err := s.client.HSet(ctx, s.counterKey(key), fieldCount, 5).Err(); err != nil {
			t.Fatalf("HSet() error: %v", err)
		}
		tx.Create(ratelimit.Counter{Count: 1, WindowStart: now, WindowEnd: now.Add(time.Minute), LastRequestAt: now})
		return nil
	})
	if err == nil {
		t.Fatal("expected error after conflicting write with no retries")
	}
}

func TestStore_Ping(t *testing.T) {
	s, mr := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
	mr.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping() after server close should fail")
	}
}
