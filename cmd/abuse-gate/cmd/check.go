package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/abusegate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/abusegate/internal/config"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/abusegate/internal/service"
)

var checkGlobal bool

var checkCmd = &cobra.Command{
	Use:   "check <subject> <action>",
	Short: "Evaluate one request against the configured store",
	Long: `Evaluate a single request and print the decision as JSON.

The request counts against the configured store exactly like a request
served by "abuse-gate start", so with a shared store (sqlite, postgres,
mysql, redis) it also consumes the subject's budget of a running server.
A denial is recorded as a violation before the command exits.

Exit status is 0 when allowed and 2 when rate limited.

Examples:
  abuse-gate check user-42 login
  abuse-gate check 203.0.113.7 login --global`,
	Args: cobra.ExactArgs(2),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkGlobal, "global", false, "Treat subject as an anonymous identifier (IP, device)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	action, err := ratelimit.ParseAction(args[1])
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	result, err := checkOnce(cmd.Context(), cfg, logger, args[0], action, checkGlobal)
	if err != nil {
		return err
	}
	if err := writeDecision(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if !result.Allowed {
		os.Exit(2)
	}
	return nil
}

// checkOnce builds a short-lived engine on the configured store and
// evaluates one request. Pending violations are flushed before returning.
func checkOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, subject string, action ratelimit.Action, global bool) (ratelimit.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	policies, err := cfg.PolicyTable()
	if err != nil {
		return ratelimit.Result{}, err
	}
	exemptions, err := cel.NewExemptionEvaluator(cfg.RateLimit.Exemptions)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("failed to compile exemptions: %w", err)
	}

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	defer func() { _ = store.Close() }()

	recorder := service.NewViolationRecorder(store.violations, logger,
		service.WithChannelSize(1),
		service.WithBatchSize(1),
	)
	recorder.Start(ctx)
	defer recorder.Stop()

	svc := service.NewRateLimitService(policies, store.counters, logger,
		service.WithViolationSink(recorder),
		service.WithExemptions(exemptions),
		service.WithStoreTimeout(durationOr(logger, "rate_limit.store_timeout", cfg.RateLimit.StoreTimeout, service.DefaultStoreTimeout)),
	)

	if global {
		return svc.CheckGlobalRateLimit(ctx, subject, action)
	}
	return svc.CheckRateLimit(ctx, subject, action)
}

func writeDecision(w io.Writer, result ratelimit.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		ratelimit.Result
		CheckedAt time.Time `json:"checked_at"`
	}{Result: result, CheckedAt: time.Now().UTC()})
}
