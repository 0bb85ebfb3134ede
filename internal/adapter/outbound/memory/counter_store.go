// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

const defaultShardCount = 64

// counterEntry holds one counter behind its own lock so that transactions
// on different keys never wait for each other.
type counterEntry struct {
	mu      sync.Mutex
	counter ratelimit.Counter
	exists  bool
	// removed is set by cleanup once the entry is gone from its shard.
	// A transaction that locks a removed entry must look the key up again.
	removed bool
}

type counterShard struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

// CounterStore implements ratelimit.CounterStore in process memory.
// Shard locks only guard entry lookup; the transaction itself holds the
// per-key entry lock. Includes background cleanup of ended windows.
type CounterStore struct {
	shards []*counterShard

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	retention       time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// CounterStoreOption configures CounterStore.
type CounterStoreOption func(*CounterStore)

// WithCleanup sets how often ended windows are swept and how long they are
// kept after their window ends.
func WithCleanup(interval, retention time.Duration) CounterStoreOption {
	return func(s *CounterStore) {
		s.cleanupInterval = interval
		s.retention = retention
	}
}

// WithShardCount sets the number of lookup shards.
func WithShardCount(n int) CounterStoreOption {
	return func(s *CounterStore) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// WithClock overrides the time source used by cleanup.
func WithClock(now func() time.Time) CounterStoreOption {
	return func(s *CounterStore) { s.now = now }
}

// WithCounterLogger sets the logger.
func WithCounterLogger(l *slog.Logger) CounterStoreOption {
	return func(s *CounterStore) { s.logger = l }
}

// NewCounterStore creates an empty store. Defaults: 64 shards, cleanup every
// 5 minutes, 24h retention after a window ends.
func NewCounterStore(opts ...CounterStoreOption) *CounterStore {
	s := &CounterStore{
		shards:          newShards(defaultShardCount),
		stopChan:        make(chan struct{}),
		cleanupInterval: 5 * time.Minute,
		retention:       24 * time.Hour,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*counterShard {
	shards := make([]*counterShard, n)
	for i := range shards {
		shards[i] = &counterShard{entries: make(map[string]*counterEntry)}
	}
	return shards
}

func (s *CounterStore) shardFor(key string) *counterShard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// entry returns the entry for key, creating an empty one if needed.
func (s *CounterStore) entry(key string) *counterEntry {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[key]
	if !ok {
		e = &counterEntry{}
		shard.entries[key] = e
	}
	return e
}

// lockedEntry returns the live entry for key with its lock held.
func (s *CounterStore) lockedEntry(key string) *counterEntry {
	for {
		e := s.entry(key)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// Update implements ratelimit.CounterStore.
func (s *CounterStore) Update(ctx context.Context, key ratelimit.CounterKey, fn func(tx ratelimit.CounterTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := s.lockedEntry(key.String())
	defer e.mu.Unlock()

	var current *ratelimit.Counter
	if e.exists {
		c := e.counter
		current = &c
	}
	tx := ratelimit.NewBufferedTx(current)
	if err := fn(tx); err != nil {
		return err
	}

	switch tx.Op() {
	case ratelimit.TxCreate, ratelimit.TxIncrement:
		e.counter = tx.Counter()
		e.exists = true
	}
	return nil
}

// Get returns a snapshot of the counter for key.
func (s *CounterStore) Get(key ratelimit.CounterKey) (ratelimit.Counter, bool) {
	k := key.String()
	shard := s.shardFor(k)
	shard.mu.Lock()
	e, ok := shard.entries[k]
	shard.mu.Unlock()
	if !ok {
		return ratelimit.Counter{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter, e.exists
}

// StartCleanup starts the background cleanup goroutine.
// It stops when ctx is cancelled or Stop() is called.
func (s *CounterStore) StartCleanup(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup removes counters whose window ended more than retention ago.
// Entries currently locked by a transaction are left for the next sweep.
func (s *CounterStore) cleanup() int {
	cutoff := s.now().Add(-s.retention)
	cleaned, remaining := 0, 0

	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, e := range shard.entries {
			if !e.mu.TryLock() {
				remaining++
				continue
			}
			if !e.exists || e.counter.WindowEnd.Before(cutoff) {
				e.removed = true
				delete(shard.entries, key)
				cleaned++
			} else {
				remaining++
			}
			e.mu.Unlock()
		}
		shard.mu.Unlock()
	}

	if cleaned > 0 {
		s.logger.Debug("counter store cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", remaining)
	}
	return cleaned
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *CounterStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the current number of tracked keys.
func (s *CounterStore) Size() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.entries)
		shard.mu.Unlock()
	}
	return n
}

// Ping implements ratelimit.Pinger.
func (s *CounterStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Compile-time interface verification.
var (
	_ ratelimit.CounterStore = (*CounterStore)(nil)
	_ ratelimit.Pinger       = (*CounterStore)(nil)
)
