package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/redisstore"
	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/sqlstore"
	"github.com/Sentinel-Gate/abusegate/internal/config"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// backend bundles the counter and violation stores of one configured
// store type.
type backend struct {
	kind       string
	counters   ratelimit.CounterStore
	violations ratelimit.ViolationStore
	pinger     ratelimit.Pinger

	// prune removes data past retention; it is nil for stores that
	// expire data on their own. It returns the number of rows removed.
	prune func(ctx context.Context, now time.Time) (int64, error)
	// size reports tracked counter keys, or -1 when unknown.
	size func() int

	closers []func() error
}

// Close releases every resource in reverse order of acquisition.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openBackend builds the stores selected by cfg.Store.Type. For the memory
// store the cleanup goroutine is started on ctx.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	counterRetention := durationOr(logger, "rate_limit.retention", cfg.RateLimit.Retention, 24*time.Hour)
	violationRetention := durationOr(logger, "violations.retention", cfg.Violations.Retention, 30*24*time.Hour)

	switch cfg.Store.Type {
	case "memory":
		cleanupInterval := durationOr(logger, "rate_limit.cleanup_interval", cfg.RateLimit.CleanupInterval, 5*time.Minute)
		counters := memory.NewCounterStore(
			memory.WithCleanup(cleanupInterval, counterRetention),
			memory.WithShardCount(cfg.Store.ShardCount),
			memory.WithCounterLogger(logger),
		)
		counters.StartCleanup(ctx)

		violations, err := createViolationBuffer(cfg, logger)
		if err != nil {
			counters.Stop()
			return nil, err
		}
		return &backend{
			kind:       "memory",
			counters:   counters,
			violations: violations,
			pinger:     counters,
			size:       counters.Size,
			closers: []func() error{
				func() error { counters.Stop(); return nil },
				violations.Close,
			},
		}, nil

	case "sqlite", "postgres", "mysql":
		dialect := sqlstore.Dialect(cfg.Store.Type)
		db, err := sqlstore.Open(ctx, dialect, cfg.Store.DSN, sqlstore.PoolOptions{
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: durationOr(logger, "store.conn_max_lifetime", cfg.Store.ConnMaxLifetime, time.Hour),
		}, logger)
		if err != nil {
			return nil, err
		}
		store, err := sqlstore.New(ctx, db, dialect,
			sqlstore.WithMaxRetries(cfg.Store.MaxRetries),
			sqlstore.WithLogger(logger),
		)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{
			kind:       cfg.Store.Type,
			counters:   store,
			violations: store,
			pinger:     store,
			prune: func(ctx context.Context, now time.Time) (int64, error) {
				counters, err := store.DeleteExpired(ctx, now.Add(-counterRetention))
				if err != nil {
					return 0, err
				}
				violations, err := store.DeleteViolationsBefore(ctx, now.Add(-violationRetention))
				return counters + violations, err
			},
			size:    func() int { return -1 },
			closers: []func() error{store.Close},
		}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.Redis.Addr, err)
		}
		store := redisstore.New(client,
			redisstore.WithPrefix(cfg.Store.Redis.Prefix),
			redisstore.WithMaxRetries(cfg.Store.MaxRetries),
			redisstore.WithCounterRetention(counterRetention),
			redisstore.WithViolationRetention(violationRetention),
			redisstore.WithLogger(logger),
		)
		return &backend{
			kind:       "redis",
			counters:   store,
			violations: store,
			pinger:     store,
			size:       func() int { return -1 },
			closers:    []func() error{store.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

// createViolationBuffer creates the memory violation store, mirroring
// records to the configured journal when one is set.
func createViolationBuffer(cfg *config.Config, logger *slog.Logger) (*memory.ViolationStore, error) {
	journal := cfg.Violations.Journal
	switch {
	case journal == "":
		return memory.NewViolationStore(cfg.Violations.BufferSize), nil

	case journal == "stdout":
		logger.Debug("violation journal: stdout", "buffer_size", cfg.Violations.BufferSize)
		return memory.NewViolationStoreWithWriter(os.Stdout, cfg.Violations.BufferSize), nil

	case strings.HasPrefix(journal, "file://"):
		path := parseFileURI(journal)
		if path == "" {
			return nil, fmt.Errorf("invalid violation journal URI: %s", journal)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open violation journal %s: %w", path, err)
		}
		logger.Debug("violation journal: file", "path", path, "buffer_size", cfg.Violations.BufferSize)
		return memory.NewViolationStoreWithWriter(f, cfg.Violations.BufferSize), nil

	default:
		return nil, fmt.Errorf("invalid violation journal: %s (must be 'stdout' or 'file://path')", journal)
	}
}

// parseFileURI returns the path of a "file://" URI, or "" if s is not one.
func parseFileURI(s string) string {
	path, ok := strings.CutPrefix(s, "file://")
	if !ok {
		return ""
	}
	return path
}

// durationOr parses value, falling back to def with a warning. Values are
// validated at load time, so the fallback only covers programmatic configs.
func durationOr(logger *slog.Logger, name, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration, using default", "field", name, "value", value, "default", def)
		return def
	}
	return d
}
