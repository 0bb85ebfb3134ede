// Package redisstore implements the counter and violation stores on Redis.
// Counter transactions use WATCH/MULTI/EXEC on the single counter key, so
// different keys never contend.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

const (
	fieldCount       = "count"
	fieldWindowStart = "window_start_ms"
	fieldWindowEnd   = "window_end_ms"
	fieldLastRequest = "last_request_ms"
)

// Store implements ratelimit.CounterStore and ratelimit.ViolationStore.
type Store struct {
	client             redis.UniversalClient
	prefix             string
	maxRetries         int
	retryBackoff       time.Duration
	counterRetention   time.Duration
	violationRetention time.Duration
	now                func() time.Time
	logger             *slog.Logger
}

// Option configures Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default "abusegate:".
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithMaxRetries sets how many times an optimistic transaction is retried
// after a concurrent write to the watched key.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base jittered delay between retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Store) { s.retryBackoff = d }
}

// WithCounterRetention sets how long a counter key lives after its window ends.
func WithCounterRetention(d time.Duration) Option {
	return func(s *Store) { s.counterRetention = d }
}

// WithViolationRetention sets how long violation records are kept.
func WithViolationRetention(d time.Duration) Option {
	return func(s *Store) { s.violationRetention = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store on an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:             client,
		prefix:             "abusegate:",
		maxRetries:         10,
		retryBackoff:       2 * time.Millisecond,
		counterRetention:   time.Hour,
		violationRetention: 30 * 24 * time.Hour,
		now:                time.Now,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) counterKey(key ratelimit.CounterKey) string {
	return s.prefix + "counter:" + key.String()
}

func (s *Store) violationKey(id string) string {
	return s.prefix + "violation:" + id
}

func (s *Store) allIndexKey() string {
	return s.prefix + "violations:all"
}

func (s *Store) subjectIndexKey(scope ratelimit.Scope, subject string) string {
	return s.prefix + "violations:" + string(scope) + ":" + subject
}

type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// Update implements ratelimit.CounterStore.
func (s *Store) Update(ctx context.Context, key ratelimit.CounterKey, fn func(tx ratelimit.CounterTx) error) error {
	rkey := s.counterKey(key)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, rkey).Result()
		if err != nil {
			return fmt.Errorf("read counter: %w", err)
		}
		current, err := parseCounter(key, vals)
		if err != nil {
			return err
		}

		btx := ratelimit.NewBufferedTx(current)
		if err := fn(btx); err != nil {
			return &callbackError{err: err}
		}

		c := btx.Counter()
		switch btx.Op() {
		case ratelimit.TxCreate:
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, rkey,
					fieldCount, c.Count,
					fieldWindowStart, c.WindowStart.UnixMilli(),
					fieldWindowEnd, c.WindowEnd.UnixMilli(),
					fieldLastRequest, c.LastRequestAt.UnixMilli(),
				)
				pipe.PExpireAt(ctx, rkey, c.WindowEnd.Add(s.counterRetention))
				return nil
			})
		case ratelimit.TxIncrement:
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HIncrBy(ctx, rkey, fieldCount, int64(btx.Delta()))
				pipe.HSet(ctx, rkey, fieldLastRequest, c.LastRequestAt.UnixMilli())
				return nil
			})
		case ratelimit.TxNone:
		}
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.retryBackoff + time.Duration(rand.Int64N(int64(s.retryBackoff)+1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.client.Watch(ctx, txf, rkey)
		if err == nil {
			return nil
		}
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		lastErr = err
	}
	s.logger.Debug("counter transaction retries exhausted", "key", rkey, "attempts", s.maxRetries+1)
	return fmt.Errorf("counter transaction %s failed after %d attempts: %w", key.String(), s.maxRetries+1, lastErr)
}

func parseCounter(key ratelimit.CounterKey, vals map[string]string) (*ratelimit.Counter, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	ints := make(map[string]int64, 4)
	for _, f := range []string{fieldCount, fieldWindowStart, fieldWindowEnd, fieldLastRequest} {
		n, err := strconv.ParseInt(vals[f], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt counter field %s for %s: %w", f, key.String(), err)
		}
		ints[f] = n
	}
	return &ratelimit.Counter{
		Key:           key,
		Count:         int(ints[fieldCount]),
		WindowStart:   time.UnixMilli(ints[fieldWindowStart]).UTC(),
		WindowEnd:     time.UnixMilli(ints[fieldWindowEnd]).UTC(),
		LastRequestAt: time.UnixMilli(ints[fieldLastRequest]).UTC(),
	}, nil
}

// Append implements ratelimit.ViolationStore. Each violation is stored as a
// JSON string with the retention TTL and indexed in sorted sets scored by
// creation time.
func (s *Store) Append(ctx context.Context, violations ...ratelimit.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	cutoff := strconv.FormatInt(s.now().Add(-s.violationRetention).UnixMilli(), 10)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		touched := make(map[string]struct{})
		for _, v := range violations {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode violation %s: %w", v.ID, err)
			}
			score := float64(v.CreatedAt.UnixMilli())
			subjectKey := s.subjectIndexKey(v.Scope, v.SubjectID)

			pipe.Set(ctx, s.violationKey(v.ID), data, s.violationRetention)
			pipe.ZAdd(ctx, s.allIndexKey(), redis.Z{Score: score, Member: v.ID})
			pipe.ZAdd(ctx, subjectKey, redis.Z{Score: score, Member: v.ID})
			touched[subjectKey] = struct{}{}
		}
		touched[s.allIndexKey()] = struct{}{}
		for k := range touched {
			pipe.ZRemRangeByScore(ctx, k, "-inf", "("+cutoff)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append violations: %w", err)
	}
	return nil
}

// Query implements ratelimit.ViolationStore.
func (s *Store) Query(ctx context.Context, filter ratelimit.ViolationFilter) ([]ratelimit.Violation, error) {
	var indexes []string
	switch {
	case filter.SubjectID != "" && filter.Scope != "":
		indexes = []string{s.subjectIndexKey(filter.Scope, filter.SubjectID)}
	case filter.SubjectID != "":
		indexes = []string{
			s.subjectIndexKey(ratelimit.ScopeUser, filter.SubjectID),
			s.subjectIndexKey(ratelimit.ScopeGlobal, filter.SubjectID),
		}
	default:
		indexes = []string{s.allIndexKey()}
	}

	minScore := "-inf"
	if !filter.Since.IsZero() {
		minScore = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}

	var result []ratelimit.Violation
	for _, idx := range indexes {
		ids, err := s.client.ZRevRangeByScore(ctx, idx, &redis.ZRangeBy{
			Min:   minScore,
			Max:   "+inf",
			Count: int64(filter.Limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("query violation index: %w", err)
		}
		vs, err := s.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			if filter.Matches(v) {
				result = append(result, v)
			}
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// load fetches violation bodies, skipping ids whose record has expired.
func (s *Store) load(ctx context.Context, ids []string) ([]ratelimit.Violation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.violationKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load violations: %w", err)
	}

	out := make([]ratelimit.Violation, 0, len(raw))
	for i, r := range raw {
		str, ok := r.(string)
		if !ok {
			continue
		}
		var v ratelimit.Violation
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			s.logger.Warn("skipping corrupt violation record", "id", ids[i], "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Ping implements ratelimit.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Compile-time interface verification.
var (
	_ ratelimit.CounterStore   = (*Store)(nil)
	_ ratelimit.ViolationStore = (*Store)(nil)
	_ ratelimit.Pinger         = (*Store)(nil)
)
