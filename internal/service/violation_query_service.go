package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

const (
	// DefaultViolationsLimit is used when a caller passes limit <= 0.
	DefaultViolationsLimit = 50
	// MaxViolationsLimit caps any violations listing.
	MaxViolationsLimit = 500
	// DefaultOffendersLimit is used when a caller passes limit <= 0.
	DefaultOffendersLimit = 20
	// offenderScanLimit bounds how many recent violations are aggregated.
	offenderScanLimit = 1000
	// offenderLookback is the period top offenders are computed over.
	offenderLookback = 24 * time.Hour
)

// ViolationQueryService answers administrative questions about recorded
// violations.
type ViolationQueryService struct {
	store  ratelimit.ViolationStore
	logger *slog.Logger
	now    func() time.Time
}

// NewViolationQueryService creates a ViolationQueryService.
func NewViolationQueryService(store ratelimit.ViolationStore, logger *slog.Logger) *ViolationQueryService {
	return &ViolationQueryService{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// GetUserViolations returns the newest user-scoped violations for subjectID.
func (s *ViolationQueryService) GetUserViolations(ctx context.Context, subjectID string, limit int) ([]ratelimit.Violation, error) {
	return s.GetViolations(ctx, ratelimit.ScopeUser, subjectID, limit)
}

// GetViolations returns the newest violations for one subject in one scope.
func (s *ViolationQueryService) GetViolations(ctx context.Context, scope ratelimit.Scope, subjectID string, limit int) ([]ratelimit.Violation, error) {
	if subjectID == "" {
		return nil, ratelimit.ErrEmptyIdentifier
	}
	violations, err := s.store.Query(ctx, ratelimit.ViolationFilter{
		SubjectID: subjectID,
		Scope:     scope,
		Limit:     clampLimit(limit, DefaultViolationsLimit, MaxViolationsLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("query violations for %s: %w", subjectID, err)
	}
	return violations, nil
}

// GetTopOffenders ranks subjects by violations over the last 24 hours.
// Subjects are grouped per scope, ties broken by subject id.
func (s *ViolationQueryService) GetTopOffenders(ctx context.Context, limit int) ([]ratelimit.OffenderCount, error) {
	limit = clampLimit(limit, DefaultOffendersLimit, MaxViolationsLimit)

	recent, err := s.store.Query(ctx, ratelimit.ViolationFilter{
		Since: s.now().Add(-offenderLookback),
		Limit: offenderScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("query recent violations: %w", err)
	}
	if len(recent) == offenderScanLimit {
		s.logger.Debug("top offenders truncated to most recent violations", "scanned", offenderScanLimit)
	}

	type groupKey struct {
		scope   ratelimit.Scope
		subject string
	}
	counts := make(map[groupKey]int)
	for _, v := range recent {
		counts[groupKey{v.Scope, v.SubjectID}]++
	}

	out := make([]ratelimit.OffenderCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, ratelimit.OffenderCount{SubjectID: k.subject, Scope: k.scope, ViolationCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ViolationCount != out[j].ViolationCount {
			return out[i].ViolationCount > out[j].ViolationCount
		}
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].Scope < out[j].Scope
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}
