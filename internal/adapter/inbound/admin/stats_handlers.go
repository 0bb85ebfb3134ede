package admin

import (
	"net/http"
)

// StatsResponse is the JSON response for GET /admin/api/stats.
type StatsResponse struct {
	Policies          int              `json:"policies"`
	Allowed           int64            `json:"allowed"`
	RateLimited       int64            `json:"rate_limited"`
	FailOpen          int64            `json:"fail_open"`
	Exempt            int64            `json:"exempt"`
	Errors            int64            `json:"errors"`
	ViolationsDropped int64            `json:"violations_dropped"`
	QueueDepth        int              `json:"queue_depth"`
	QueueCapacity     int              `json:"queue_capacity"`
	DeniesByAction    map[string]int64 `json:"denies_by_action"`
}

// handleGetStats returns decision counters, the policy count and the
// violation queue state.
func (h *AdminAPIHandler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{}

	if h.policies != nil {
		resp.Policies = len(h.policies.All())
	}

	if h.statsService != nil {
		stats := h.statsService.GetStats()
		resp.Allowed = stats.Allowed
		resp.RateLimited = stats.RateLimited
		resp.FailOpen = stats.FailOpen
		resp.Exempt = stats.Exempt
		resp.Errors = stats.Errors
		resp.DeniesByAction = stats.DeniesByAction
	}

	if h.recorder != nil {
		resp.ViolationsDropped = h.recorder.DroppedRecords()
		resp.QueueDepth = h.recorder.ChannelDepth()
		resp.QueueCapacity = h.recorder.ChannelCapacity()
	}

	// Ensure maps are never null in JSON output.
	if resp.DeniesByAction == nil {
		resp.DeniesByAction = make(map[string]int64)
	}

	h.respondJSON(w, http.StatusOK, resp)
}
