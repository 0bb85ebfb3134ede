package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/abusegate/internal/adapter/inbound/admin"
	"github.com/Sentinel-Gate/abusegate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/audit"
	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/telemetry"
	"github.com/Sentinel-Gate/abusegate/internal/config"
	"github.com/Sentinel-Gate/abusegate/internal/domain/auth"
	"github.com/Sentinel-Gate/abusegate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the rate limiting server",
	Long: `Start the abuse-gate server.

The server exposes:
  POST /v1/ratelimit/check          user-scoped decision
  POST /v1/ratelimit/check-global   anonymous (IP/device) decision
  GET  /health                      store and queue health
  GET  /metrics                     Prometheus metrics
  GET  /admin/api/...               violations, offenders, stats, policies

Examples:
  # Start with config file settings
  abuse-gate start

  # Start with a specific config file
  abuse-gate --config /path/to/abuse-gate.yaml start

  # Development mode: debug logging and spans on stderr
  abuse-gate start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, span export to stderr)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	logger.Debug("log level configured", "level", cfg.Server.LogLevel)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "abuse-gate stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("abuse-gate stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now().UTC()

	if cfg.DevMode {
		logger.Warn("development mode enabled: debug logging and span export are on")
	}

	// Tracing
	shutdownTracing, err := telemetry.SetupTracing("abuse-gate", Version, cfg.Tracing.Output, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	// Policy table
	policies, err := cfg.PolicyTable()
	if err != nil {
		return fmt.Errorf("invalid policy overrides: %w", err)
	}
	logger.Info("policy table loaded",
		"policies", len(policies.All()),
		"overrides", len(cfg.RateLimit.Policies),
	)

	// Exemptions
	exemptions, err := cel.NewExemptionEvaluator(cfg.RateLimit.Exemptions)
	if err != nil {
		return fmt.Errorf("failed to compile exemptions: %w", err)
	}
	if exemptions.Len() > 0 {
		logger.Info("exemption rules compiled", "rules", exemptions.Len())
	}

	// Stores
	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()
	logger.Info("store ready", "type", store.kind)

	// Security events
	securityLog, err := audit.Open(cfg.Audit.Output)
	if err != nil {
		return fmt.Errorf("failed to open security log: %w", err)
	}
	defer func() { _ = securityLog.Close() }()

	// Violation recorder
	recorder := service.NewViolationRecorder(store.violations, logger,
		service.WithChannelSize(cfg.Violations.ChannelSize),
		service.WithBatchSize(cfg.Violations.BatchSize),
		service.WithFlushInterval(durationOr(logger, "violations.flush_interval", cfg.Violations.FlushInterval, time.Second)),
		service.WithSendTimeout(durationOr(logger, "violations.send_timeout", cfg.Violations.SendTimeout, 10*time.Millisecond)),
		service.WithWarningThreshold(cfg.Violations.WarningThreshold),
		service.WithSecurityLogger(securityLog),
	)
	recorder.Start(ctx)
	defer func() {
		recorder.Stop()
		logger.Info("violation recorder drained", "dropped_total", recorder.DroppedRecords())
	}()

	// Metrics
	registry := http.NewRegistry()
	metrics := http.NewMetrics(registry)
	http.RegisterRecorder(registry, recorder)

	// Engine
	statsService := service.NewStatsService()
	rateLimitService := service.NewRateLimitService(policies, store.counters, logger,
		service.WithViolationSink(recorder),
		service.WithExemptions(exemptions),
		service.WithDecisionObserver(metrics),
		service.WithStats(statsService),
		service.WithStoreTimeout(durationOr(logger, "rate_limit.store_timeout", cfg.RateLimit.StoreTimeout, service.DefaultStoreTimeout)),
	)

	// Retention and gauges
	cleanupInterval := durationOr(logger, "rate_limit.cleanup_interval", cfg.RateLimit.CleanupInterval, 5*time.Minute)
	go maintain(ctx, store, metrics, cleanupInterval, logger)

	// Admin API
	adminOpts := []admin.AdminAPIOption{
		admin.WithQueryService(service.NewViolationQueryService(store.violations, logger)),
		admin.WithStatsService(statsService),
		admin.WithRecorderStats(recorder),
		admin.WithPolicyTable(policies),
		admin.WithAPILogger(logger),
		admin.WithBuildInfo(&admin.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}),
		admin.WithStartTime(startTime),
		admin.WithAPIRateLimit(cfg.Admin.RateLimit, durationOr(logger, "admin.rate_window", cfg.Admin.RateWindow, time.Minute)),
	}
	if cfg.Admin.APIKeyHash != "" {
		verifier, err := auth.NewKeyVerifier(cfg.Admin.APIKeyHash)
		if err != nil {
			return fmt.Errorf("invalid admin.api_key_hash: %w", err)
		}
		adminOpts = append(adminOpts, admin.WithKeyVerifier(verifier))
		logger.Info("remote admin access enabled")
	}
	adminHandler := admin.NewAdminAPIHandler(adminOpts...)

	healthChecker := http.NewHealthChecker(store.pinger, recorder, Version)

	transportOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithAdminHandler(adminHandler.Routes()),
		http.WithHealthChecker(healthChecker),
		http.WithMetrics(metrics, registry),
		http.WithShutdownTimeout(durationOr(logger, "server.shutdown_timeout", cfg.Server.ShutdownTimeout, 10*time.Second)),
	}
	if cfg.Server.TLSCertFile != "" {
		transportOpts = append(transportOpts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}

	printBanner(Version, cfg.Server.HTTPAddr, cfg.DevMode, store.kind, len(policies.All()), exemptions.Len())

	logger.Info("abuse-gate started",
		"http_addr", cfg.Server.HTTPAddr,
		"store", store.kind,
		"audit_output", cfg.Audit.Output,
		"tracing", cfg.Tracing.Output != "",
	)

	server := http.NewServer(rateLimitService, transportOpts...)
	return server.Start(ctx)
}

// maintain prunes expired data and refreshes the counter-keys gauge every
// interval until ctx is cancelled.
func maintain(ctx context.Context, store *backend, metrics *http.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			maintainOnce(ctx, store, metrics, now, logger)
		}
	}
}

func maintainOnce(ctx context.Context, store *backend, metrics *http.Metrics, now time.Time, logger *slog.Logger) {
	if store.prune != nil {
		n, err := store.prune(ctx, now)
		if err != nil {
			logger.Warn("retention sweep failed", "store", store.kind, "error", err)
		} else if n > 0 {
			logger.Debug("retention sweep completed", "store", store.kind, "deleted", n)
		}
	}
	if size := store.size(); size >= 0 {
		metrics.CounterKeys.Set(float64(size))
	}
}

// newLogger builds the process logger on stderr.
// DevMode=true forces debug, otherwise the configured log_level is used.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a startup summary to stderr.
func printBanner(version, httpAddr string, devMode bool, storeKind string, policyCount, exemptionCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	base := "http://" + httpAddr
	if strings.HasPrefix(httpAddr, ":") {
		base = "http://localhost" + httpAddr
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s abuse-gate %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Decisions:", base+"/v1/ratelimit/check")
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Admin API:", base+"/admin/api/")
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Store:", storeKind)
	fmt.Fprintf(os.Stderr, "  %-14s %d active\n", "Policies:", policyCount)
	fmt.Fprintf(os.Stderr, "  %-14s %d rules\n", "Exemptions:", exemptionCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the abuse-gate PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".abuse-gate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "abuse-gate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
