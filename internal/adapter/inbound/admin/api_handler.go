// Package admin provides the JSON admin API for abusegate.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/domain/auth"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/abusegate/internal/service"
)

// QueueStats reports the violation recorder backlog.
type QueueStats interface {
	DroppedRecords() int64
	ChannelDepth() int
	ChannelCapacity() int
}

// AdminAPIHandler provides JSON API endpoints for operators.
type AdminAPIHandler struct {
	queryService *service.ViolationQueryService
	statsService *service.StatsService
	recorder     QueueStats
	policies     *ratelimit.PolicyTable
	keyVerifier  *auth.KeyVerifier
	buildInfo    *BuildInfo
	logger       *slog.Logger
	startTime    time.Time

	apiRateLimit  int
	apiRateWindow time.Duration
}

// AdminAPIOption configures an AdminAPIHandler dependency.
type AdminAPIOption func(*AdminAPIHandler)

// WithQueryService sets the violation query service.
func WithQueryService(s *service.ViolationQueryService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.queryService = s }
}

// WithStatsService sets the decision counters.
func WithStatsService(s *service.StatsService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.statsService = s }
}

// WithRecorderStats sets the violation queue reported by /stats.
func WithRecorderStats(r QueueStats) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.recorder = r }
}

// WithPolicyTable sets the effective policy table.
func WithPolicyTable(t *ratelimit.PolicyTable) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.policies = t }
}

// WithKeyVerifier allows remote callers presenting a matching Bearer key.
// Without it the API is localhost-only.
func WithKeyVerifier(v *auth.KeyVerifier) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.keyVerifier = v }
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.logger = l }
}

// WithBuildInfo sets the build version information.
func WithBuildInfo(info *BuildInfo) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.buildInfo = info }
}

// WithStartTime sets the server start time for uptime calculation.
func WithStartTime(t time.Time) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.startTime = t }
}

// WithAPIRateLimit caps remote admin requests per address and window.
func WithAPIRateLimit(maxRequests int, window time.Duration) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		if maxRequests > 0 && window > 0 {
			h.apiRateLimit = maxRequests
			h.apiRateWindow = window
		}
	}
}

// NewAdminAPIHandler creates a new AdminAPIHandler with the given options.
func NewAdminAPIHandler(opts ...AdminAPIOption) *AdminAPIHandler {
	h := &AdminAPIHandler{
		logger:        slog.Default(),
		startTime:     time.Now().UTC(),
		apiRateLimit:  60,
		apiRateWindow: time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns an http.Handler with all admin API routes registered.
func (h *AdminAPIHandler) Routes() http.Handler {
	protectedMux := http.NewServeMux()

	protectedMux.HandleFunc("GET /admin/api/violations/{subject}", h.handleGetViolations)
	protectedMux.HandleFunc("GET /admin/api/offenders", h.handleGetOffenders)
	protectedMux.HandleFunc("GET /admin/api/stats", h.handleGetStats)
	protectedMux.HandleFunc("GET /admin/api/policies", h.handleListPolicies)
	protectedMux.HandleFunc("GET /admin/api/system", h.handleSystemInfo)

	mux := http.NewServeMux()
	mux.Handle("/admin/api/", h.adminAuthMiddleware(protectedMux))

	rateLimited := apiRateLimitMiddleware(h.apiRateLimit, h.apiRateWindow, mux)
	return securityHeadersMiddleware(rateLimited)
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (h *AdminAPIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (h *AdminAPIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// pathParam extracts a named path parameter from the request URL.
func (h *AdminAPIHandler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// queryLimit parses ?limit=. Missing means 0 (service default); garbage is
// reported to the caller.
func (h *AdminAPIHandler) queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
