package admin

import (
	"errors"
	"net/http"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// ViolationsResponse is the JSON response for GET /admin/api/violations/{subject}.
type ViolationsResponse struct {
	SubjectID  string                `json:"subject_id"`
	Scope      ratelimit.Scope       `json:"scope"`
	Violations []ratelimit.Violation `json:"violations"`
}

// OffendersResponse is the JSON response for GET /admin/api/offenders.
type OffendersResponse struct {
	Offenders []ratelimit.OffenderCount `json:"offenders"`
}

// PoliciesResponse is the JSON response for GET /admin/api/policies.
type PoliciesResponse struct {
	Policies []ratelimit.Policy `json:"policies"`
}

// handleGetViolations lists a subject's newest violations. ?scope=global
// switches to anonymous identifiers; ?limit= caps the result.
func (h *AdminAPIHandler) handleGetViolations(w http.ResponseWriter, r *http.Request) {
	if h.queryService == nil {
		h.respondError(w, http.StatusServiceUnavailable, "violation store not configured")
		return
	}

	subject := h.pathParam(r, "subject")
	scope := ratelimit.ScopeUser
	if raw := r.URL.Query().Get("scope"); raw != "" {
		scope = ratelimit.Scope(raw)
		if !scope.Valid() {
			h.respondError(w, http.StatusBadRequest, "scope must be user or global")
			return
		}
	}
	limit, ok := h.queryLimit(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	violations, err := h.queryService.GetViolations(r.Context(), scope, subject, limit)
	if err != nil {
		if errors.Is(err, ratelimit.ErrEmptyIdentifier) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to query violations", "subject", subject, "scope", scope, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to query violations")
		return
	}
	if violations == nil {
		violations = []ratelimit.Violation{}
	}

	h.respondJSON(w, http.StatusOK, ViolationsResponse{
		SubjectID:  subject,
		Scope:      scope,
		Violations: violations,
	})
}

// handleGetOffenders ranks subjects by violations in the last 24 hours.
func (h *AdminAPIHandler) handleGetOffenders(w http.ResponseWriter, r *http.Request) {
	if h.queryService == nil {
		h.respondError(w, http.StatusServiceUnavailable, "violation store not configured")
		return
	}
	limit, ok := h.queryLimit(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	offenders, err := h.queryService.GetTopOffenders(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to compute top offenders", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to compute top offenders")
		return
	}
	if offenders == nil {
		offenders = []ratelimit.OffenderCount{}
	}

	h.respondJSON(w, http.StatusOK, OffendersResponse{Offenders: offenders})
}

// handleListPolicies returns the effective policy table.
func (h *AdminAPIHandler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	resp := PoliciesResponse{Policies: []ratelimit.Policy{}}
	if h.policies != nil {
		resp.Policies = h.policies.All()
	}
	h.respondJSON(w, http.StatusOK, resp)
}
