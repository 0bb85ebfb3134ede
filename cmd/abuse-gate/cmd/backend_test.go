package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Sentinel-Gate/abusegate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/abusegate/internal/config"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, storeType string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.Type = storeType
	if storeType == "sqlite" {
		cfg.Store.DSN = filepath.Join(t.TempDir(), "abuse-gate.db")
	}
	cfg.SetDefaults()
	return cfg
}

func TestParseFileURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"file:///var/log/violations.jsonl", "/var/log/violations.jsonl"},
		{"file://relative.jsonl", "relative.jsonl"},
		{"stdout", ""},
		{"/var/log/violations.jsonl", ""},
	}
	for _, tt := range tests {
		if got := parseFileURI(tt.in); got != tt.want {
			t.Errorf("parseFileURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()

	logger := discardLogger()
	if got := durationOr(logger, "x", "", time.Second); got != time.Second {
		t.Errorf("empty value = %v, want default", got)
	}
	if got := durationOr(logger, "x", "250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("250ms = %v", got)
	}
	if got := durationOr(logger, "x", "soon", time.Minute); got != time.Minute {
		t.Errorf("invalid value = %v, want default", got)
	}
}

func TestOpenBackend_Memory(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, testConfig(t, "memory"), discardLogger())
	if err != nil {
		t.Fatalf("openBackend() error = %v", err)
	}
	defer b.Close()

	if b.kind != "memory" {
		t.Errorf("kind = %q, want memory", b.kind)
	}
	if b.prune != nil {
		t.Error("memory backend should expire counters on its own")
	}
	if err := b.pinger.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if got := b.size(); got != 0 {
		t.Errorf("size() = %d, want 0", got)
	}
}

func TestOpenBackend_SQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, err := openBackend(ctx, testConfig(t, "sqlite"), discardLogger())
	if err != nil {
		t.Fatalf("openBackend() error = %v", err)
	}
	defer b.Close()

	if b.prune == nil {
		t.Fatal("sql backend must prune expired rows")
	}
	if got := b.size(); got != -1 {
		t.Errorf("size() = %d, want -1 (unknown)", got)
	}

	old := time.Now().Add(-60 * 24 * time.Hour)
	if err := b.violations.Append(ctx, ratelimit.Violation{
		ID:               "v-old",
		SubjectID:        "user-1",
		Scope:            ratelimit.ScopeUser,
		Action:           ratelimit.ActionLogin,
		CountAtViolation: 11,
		WindowStart:      old,
		CreatedAt:        old,
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	n, err := b.prune(ctx, time.Now())
	if err != nil {
		t.Fatalf("prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("prune() removed %d rows, want 1", n)
	}
}

func TestOpenBackend_Redis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(t, "redis")
	cfg.Store.Redis.Addr = mr.Addr()

	b, err := openBackend(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("openBackend() error = %v", err)
	}
	defer b.Close()

	if b.kind != "redis" {
		t.Errorf("kind = %q, want redis", b.kind)
	}
	if err := b.pinger.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestOpenBackend_RedisUnreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t, "redis")
	cfg.Store.Redis.Addr = addr

	if _, err := openBackend(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestOpenBackend_Unsupported(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "memory")
	cfg.Store.Type = "cassandra"
	_, err := openBackend(context.Background(), cfg, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "unsupported store type") {
		t.Fatalf("error = %v, want unsupported store type", err)
	}
}

func TestCreateViolationBuffer_FileJournal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "violations.jsonl")
	cfg := testConfig(t, "memory")
	cfg.Violations.Journal = "file://" + path

	store, err := createViolationBuffer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("createViolationBuffer() error = %v", err)
	}

	now := time.Now().UTC()
	if err := store.Append(context.Background(), ratelimit.Violation{
		ID:          "v-1",
		SubjectID:   "user-1",
		Scope:       ratelimit.ScopeUser,
		Action:      ratelimit.ActionLogin,
		WindowStart: now,
		CreatedAt:   now,
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), `"v-1"`) {
		t.Errorf("journal = %q, want violation v-1", data)
	}
}

func TestCreateViolationBuffer_InvalidJournal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "memory")
	cfg.Violations.Journal = "syslog"
	if _, err := createViolationBuffer(cfg, discardLogger()); err == nil {
		t.Fatal("expected error for unknown journal")
	}
}

func TestMaintainOnce_SetsCounterKeys(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, testConfig(t, "memory"), discardLogger())
	if err != nil {
		t.Fatalf("openBackend() error = %v", err)
	}
	defer b.Close()

	now := time.Now()
	key := ratelimit.CounterKey{Scope: ratelimit.ScopeUser, SubjectID: "u1", Action: ratelimit.ActionLogin, WindowID: 1}
	if err := b.counters.Update(ctx, key, func(tx ratelimit.CounterTx) error {
		tx.Create(ratelimit.Counter{Key: key, Count: 1, WindowStart: now, WindowEnd: now.Add(time.Minute), LastRequestAt: now})
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	metrics := http.NewMetrics(http.NewRegistry())
	maintainOnce(ctx, b, metrics, now, discardLogger())

	if got := testutil.ToFloat64(metrics.CounterKeys); got != 1 {
		t.Errorf("counter keys gauge = %v, want 1", got)
	}
}
