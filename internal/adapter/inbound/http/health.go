package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// pingTimeout bounds the store reachability check.
const pingTimeout = time.Second

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// QueueStats reports the violation recorder backlog.
type QueueStats interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedRecords() int64
}

// HealthChecker verifies component health.
type HealthChecker struct {
	store    ratelimit.Pinger
	recorder QueueStats
	version  string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't available.
func NewHealthChecker(store ratelimit.Pinger, recorder QueueStats, version string) *HealthChecker {
	return &HealthChecker{
		store:    store,
		recorder: recorder,
		version:  version,
	}
}

// Check performs health checks on all components. An unreachable counter
// store makes the service unhealthy even though checks still fail open.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := h.store.Ping(pingCtx)
		cancel()
		if err != nil {
			checks["counter_store"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			checks["counter_store"] = "ok"
		}
	} else {
		checks["counter_store"] = "not configured"
	}

	if h.recorder != nil {
		depth := h.recorder.ChannelDepth()
		capacity := h.recorder.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			checks["violations"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["violations"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.recorder.DroppedRecords(); drops > 0 {
			checks["violation_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["violations"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
