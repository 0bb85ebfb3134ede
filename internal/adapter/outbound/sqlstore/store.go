package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// Store implements ratelimit.CounterStore and ratelimit.ViolationStore on a
// single *sql.DB.
type Store struct {
	db           *sql.DB
	dialect      Dialect
	maxRetries   int
	retryBackoff time.Duration
	logger       *slog.Logger
}

// Option configures Store.
type Option func(*Store)

// WithMaxRetries sets how many times a conflicting counter transaction is
// retried before the error is returned.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between retries. The delay grows
// linearly with the attempt number.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Store) { s.retryBackoff = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps db and creates the schema if needed.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if _, err := dialect.DriverName(); err != nil {
		return nil, err
	}

	s := &Store{
		db:           db,
		dialect:      dialect,
		maxRetries:   3,
		retryBackoff: 5 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range []string{createCountersTableSQL, createViolationsTableSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	indexes := indexSQL
	if s.dialect == DialectMySQL {
		indexes = mysqlIndexSQL
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isDuplicateIndex(err) {
			return err
		}
	}
	return nil
}

// callbackError marks an error returned by the caller's transaction
// function so it is never retried.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// Update implements ratelimit.CounterStore. The row is locked with
// SELECT ... FOR UPDATE on PostgreSQL and MySQL; SQLite runs on one
// connection so transactions are already serialized.
func (s *Store) Update(ctx context.Context, key ratelimit.CounterKey, fn func(tx ratelimit.CounterTx) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryBackoff):
			}
			s.logger.Debug("retrying counter transaction", "key", key.String(), "attempt", attempt, "error", lastErr)
		}

		err := s.updateOnce(ctx, key, fn)
		if err == nil {
			return nil
		}
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("counter transaction %s failed after %d attempts: %w", key.String(), s.maxRetries+1, lastErr)
}

func (s *Store) updateOnce(ctx context.Context, key ratelimit.CounterKey, fn func(tx ratelimit.CounterTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT request_count, window_start_ms, window_end_ms, last_request_ms FROM rl_counters WHERE counter_key = ?`
	if s.dialect != DialectSQLite {
		query += " FOR UPDATE"
	}

	var (
		count                  int
		startMs, endMs, lastMs int64
		current                *ratelimit.Counter
	)
	err = tx.QueryRowContext(ctx, rebind(s.dialect, query), key.String()).Scan(&count, &startMs, &endMs, &lastMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read counter: %w", err)
	default:
		current = &ratelimit.Counter{
			Key:           key,
			Count:         count,
			WindowStart:   time.UnixMilli(startMs).UTC(),
			WindowEnd:     time.UnixMilli(endMs).UTC(),
			LastRequestAt: time.UnixMilli(lastMs).UTC(),
		}
	}

	btx := ratelimit.NewBufferedTx(current)
	if err := fn(btx); err != nil {
		return &callbackError{err: err}
	}

	c := btx.Counter()
	switch btx.Op() {
	case ratelimit.TxCreate:
		_, err = tx.ExecContext(ctx, rebind(s.dialect,
			`INSERT INTO rl_counters (counter_key, scope, subject_id, action, window_id, request_count, window_start_ms, window_end_ms, last_request_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			key.String(), string(key.Scope), key.SubjectID, string(key.Action), key.WindowID,
			c.Count, c.WindowStart.UnixMilli(), c.WindowEnd.UnixMilli(), c.LastRequestAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert counter: %w", err)
		}
	case ratelimit.TxIncrement:
		_, err = tx.ExecContext(ctx, rebind(s.dialect,
			`UPDATE rl_counters SET request_count = request_count + ?, last_request_ms = ? WHERE counter_key = ?`),
			btx.Delta(), c.LastRequestAt.UnixMilli(), key.String())
		if err != nil {
			return fmt.Errorf("increment counter: %w", err)
		}
	case ratelimit.TxNone:
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteExpired removes counters whose window ended before the given time.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `DELETE FROM rl_counters WHERE window_end_ms < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteViolationsBefore removes violations recorded before the given time.
func (s *Store) DeleteViolationsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `DELETE FROM rl_violations WHERE created_at_ms < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old violations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Append implements ratelimit.ViolationStore.
func (s *Store) Append(ctx context.Context, violations ...ratelimit.Violation) error {
	if len(violations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, rebind(s.dialect,
		`INSERT INTO rl_violations (id, subject_id, scope, action, count_at_violation, window_start_ms, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range violations {
		if _, err := stmt.ExecContext(ctx, v.ID, v.SubjectID, string(v.Scope), string(v.Action),
			v.CountAtViolation, v.WindowStart.UnixMilli(), v.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert violation %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

// Query implements ratelimit.ViolationStore.
func (s *Store) Query(ctx context.Context, filter ratelimit.ViolationFilter) ([]ratelimit.Violation, error) {
	var (
		where []string
		args  []any
	)
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at_ms >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT id, subject_id, scope, action, count_at_violation, window_start_ms, created_at_ms FROM rl_violations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ms DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var result []ratelimit.Violation
	for rows.Next() {
		var (
			v                 ratelimit.Violation
			scope, action     string
			startMs, createMs int64
		)
		if err := rows.Scan(&v.ID, &v.SubjectID, &scope, &action, &v.CountAtViolation, &startMs, &createMs); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.Scope = ratelimit.Scope(scope)
		v.Action = ratelimit.Action(action)
		v.WindowStart = time.UnixMilli(startMs).UTC()
		v.CreatedAt = time.UnixMilli(createMs).UTC()
		result = append(result, v)
	}
	return result, rows.Err()
}

// Ping implements ratelimit.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Compile-time interface verification.
var (
	_ ratelimit.CounterStore   = (*Store)(nil)
	_ ratelimit.ViolationStore = (*Store)(nil)
	_ ratelimit.Pinger         = (*Store)(nil)
)
