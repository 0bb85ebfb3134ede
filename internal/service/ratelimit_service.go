package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

const (
	// FailOpenRemaining is reported when the counter store is unavailable
	// and the request is allowed without being counted.
	FailOpenRemaining = 999

	// failOpenReset is how far ahead ResetAt is placed on fail-open.
	failOpenReset = time.Hour

	// DefaultStoreTimeout bounds a single counter transaction.
	DefaultStoreTimeout = 2 * time.Second

	tracerName = "github.com/Sentinel-Gate/abusegate/internal/service"
)

// Decision outcomes reported to a DecisionObserver.
const (
	OutcomeAllowed     = "allowed"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailOpen    = "fail_open"
	OutcomeExempt      = "exempt"
	OutcomeError       = "error"
)

// ViolationSink receives denied requests. Record must not block for long.
type ViolationSink interface {
	Record(v ratelimit.Violation)
}

// Exempter decides whether a request bypasses rate limiting. It returns the
// matching rule, or "" when no rule matched.
type Exempter interface {
	Exempt(ctx context.Context, scope ratelimit.Scope, subject string, action ratelimit.Action) (string, error)
}

// DecisionObserver is notified of every decision. Implemented by the
// Prometheus metrics adapter.
type DecisionObserver interface {
	ObserveDecision(scope ratelimit.Scope, action ratelimit.Action, outcome string)
	ObserveStoreLatency(d time.Duration)
}

// RateLimitService decides whether a request may proceed. Counters are
// keyed by scope, subject, action and fixed window; every increment happens
// inside one store transaction so concurrent requests never over-admit.
type RateLimitService struct {
	policies     *ratelimit.PolicyTable
	store        ratelimit.CounterStore
	violations   ViolationSink
	exemptions   Exempter
	observer     DecisionObserver
	stats        *StatsService
	logger       *slog.Logger
	now          func() time.Time
	storeTimeout time.Duration
	tracer       trace.Tracer
}

// RateLimitOption configures RateLimitService.
type RateLimitOption func(*RateLimitService)

// WithViolationSink sets where denials are recorded.
func WithViolationSink(sink ViolationSink) RateLimitOption {
	return func(s *RateLimitService) {
		s.violations = sink
	}
}

// WithExemptions sets the exemption rules consulted before counting.
func WithExemptions(e Exempter) RateLimitOption {
	return func(s *RateLimitService) {
		s.exemptions = e
	}
}

// WithDecisionObserver sets the metrics sink.
func WithDecisionObserver(o DecisionObserver) RateLimitOption {
	return func(s *RateLimitService) {
		s.observer = o
	}
}

// WithStats sets the runtime statistics collector.
func WithStats(stats *StatsService) RateLimitOption {
	return func(s *RateLimitService) {
		s.stats = stats
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) RateLimitOption {
	return func(s *RateLimitService) {
		s.now = now
	}
}

// WithStoreTimeout bounds each counter transaction.
func WithStoreTimeout(d time.Duration) RateLimitOption {
	return func(s *RateLimitService) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// NewRateLimitService creates a RateLimitService.
func NewRateLimitService(policies *ratelimit.PolicyTable, store ratelimit.CounterStore, logger *slog.Logger, opts ...RateLimitOption) *RateLimitService {
	s := &RateLimitService{
		policies:     policies,
		store:        store,
		logger:       logger,
		now:          time.Now,
		storeTimeout: DefaultStoreTimeout,
		tracer:       otel.Tracer(tracerName),
		stats:        NewStatsService(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policies returns the policy table in use.
func (s *RateLimitService) Policies() *ratelimit.PolicyTable {
	return s.policies
}

// Stats returns the statistics collector.
func (s *RateLimitService) Stats() *StatsService {
	return s.stats
}

// CheckRateLimit evaluates a request by an authenticated subject.
// An empty subjectID fails with ratelimit.ErrUnauthenticated and touches no
// counter.
func (s *RateLimitService) CheckRateLimit(ctx context.Context, subjectID string, action ratelimit.Action) (ratelimit.Result, error) {
	if subjectID == "" {
		return ratelimit.Result{}, ratelimit.ErrUnauthenticated
	}
	return s.evaluate(ctx, ratelimit.ScopeUser, subjectID, action)
}

// CheckGlobalRateLimit evaluates a request by an unauthenticated caller,
// identified by a network address or device fingerprint. Burst allowance
// never applies here.
func (s *RateLimitService) CheckGlobalRateLimit(ctx context.Context, identifier string, action ratelimit.Action) (ratelimit.Result, error) {
	if identifier == "" {
		return ratelimit.Result{}, ratelimit.ErrEmptyIdentifier
	}
	return s.evaluate(ctx, ratelimit.ScopeGlobal, identifier, action)
}

func (s *RateLimitService) evaluate(ctx context.Context, scope ratelimit.Scope, subjectID string, action ratelimit.Action) (ratelimit.Result, error) {
	ctx, span := s.tracer.Start(ctx, "ratelimit.evaluate", trace.WithAttributes(
		attribute.String("ratelimit.scope", string(scope)),
		attribute.String("ratelimit.action", string(action)),
	))
	defer span.End()

	policy, err := s.policies.Lookup(action)
	if err != nil {
		s.logger.Error("rate limit check for action without policy",
			"action", action,
			"scope", scope,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown action")
		s.stats.RecordError()
		s.observe(scope, action, OutcomeError)
		return ratelimit.Result{}, err
	}

	now := s.now()
	window := ratelimit.WindowFor(now, policy.WindowSeconds)
	maxAllowed := policy.MaxAllowed(scope)

	if rule := s.exemptRule(ctx, scope, subjectID, action); rule != "" {
		s.logger.Debug("rate limit exemption matched",
			"rule", rule,
			"scope", scope,
			"subject_id", subjectID,
			"action", action,
		)
		span.SetAttributes(attribute.Bool("ratelimit.exempt", true))
		s.stats.RecordExempt()
		s.observe(scope, action, OutcomeExempt)
		return ratelimit.Result{Allowed: true, Remaining: maxAllowed, ResetAt: window.EndTime()}, nil
	}

	key := ratelimit.CounterKey{Scope: scope, SubjectID: subjectID, Action: action, WindowID: window.ID}

	var (
		result        ratelimit.Result
		countAtDenial int
	)

	// The transaction outlives a caller that disconnects mid-flight so a
	// half-finished check cannot be retried into a double count.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	start := time.Now()
	err = s.store.Update(storeCtx, key, func(tx ratelimit.CounterTx) error {
		countAtDenial = 0
		current, ok := tx.Get()
		if !ok {
			tx.Create(ratelimit.Counter{
				Key:           key,
				Count:         1,
				WindowStart:   window.StartTime(),
				WindowEnd:     window.EndTime(),
				LastRequestAt: now,
			})
			result = ratelimit.Result{Allowed: true, Remaining: maxAllowed - 1, ResetAt: window.EndTime()}
			return nil
		}
		if current.Count >= maxAllowed {
			countAtDenial = current.Count
			result = ratelimit.Result{
				Allowed:           false,
				Remaining:         0,
				ResetAt:           window.EndTime(),
				RetryAfterSeconds: window.RetryAfterSeconds(now),
			}
			return nil
		}
		tx.Increment(1, now)
		result = ratelimit.Result{Allowed: true, Remaining: maxAllowed - current.Count - 1, ResetAt: window.EndTime()}
		return nil
	})
	if s.observer != nil {
		s.observer.ObserveStoreLatency(time.Since(start))
	}
	if err != nil {
		return s.failOpen(span, scope, subjectID, action, now, err), nil
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", result.Allowed),
		attribute.Int("ratelimit.remaining", result.Remaining),
	)

	if result.Allowed {
		s.stats.RecordAllow()
		s.observe(scope, action, OutcomeAllowed)
		return result, nil
	}

	s.stats.RecordRateLimited(action)
	s.observe(scope, action, OutcomeRateLimited)
	if s.violations != nil {
		s.violations.Record(ratelimit.Violation{
			SubjectID:        subjectID,
			Scope:            scope,
			Action:           action,
			CountAtViolation: countAtDenial,
			WindowStart:      window.StartTime(),
			CreatedAt:        now,
		})
	}
	return result, nil
}

// failOpen allows a request whose counter could not be read or written.
func (s *RateLimitService) failOpen(span trace.Span, scope ratelimit.Scope, subjectID string, action ratelimit.Action, now time.Time, err error) ratelimit.Result {
	s.logger.Error("rate limit store failed, allowing request",
		"scope", scope,
		"subject_id", subjectID,
		"action", action,
		"timeout", errors.Is(err, context.DeadlineExceeded),
		"error", err,
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, "counter store failed")
	span.SetAttributes(attribute.Bool("ratelimit.fail_open", true))
	s.stats.RecordFailOpen()
	s.observe(scope, action, OutcomeFailOpen)
	return ratelimit.Result{
		Allowed:   true,
		Remaining: FailOpenRemaining,
		ResetAt:   now.Add(failOpenReset),
	}
}

// exemptRule returns the matching exemption rule. Evaluation errors are
// logged and treated as no match.
func (s *RateLimitService) exemptRule(ctx context.Context, scope ratelimit.Scope, subjectID string, action ratelimit.Action) string {
	if s.exemptions == nil {
		return ""
	}
	rule, err := s.exemptions.Exempt(ctx, scope, subjectID, action)
	if err != nil {
		s.logger.Warn("exemption rule evaluation failed",
			"scope", scope,
			"action", action,
			"error", err,
		)
		return ""
	}
	return rule
}

func (s *RateLimitService) observe(scope ratelimit.Scope, action ratelimit.Action, outcome string) {
	if s.observer != nil {
		s.observer.ObserveDecision(scope, action, outcome)
	}
}
