package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/abusegate/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (64 KB).
const maxRequestBodySize = 64 << 10

// Decider is the rate limit evaluator exposed over HTTP.
type Decider interface {
	service.Limiter
	service.GlobalLimiter
}

// CheckRequest is the body of POST /v1/ratelimit/check.
type CheckRequest struct {
	SubjectID string `json:"subject_id"`
	Action    string `json:"action"`
}

// GlobalCheckRequest is the body of POST /v1/ratelimit/check-global.
// An empty Identifier falls back to the caller's address.
type GlobalCheckRequest struct {
	Identifier string `json:"identifier"`
	Action     string `json:"action"`
}

// CheckResponse is returned for every decision, allowed or not.
type CheckResponse struct {
	Allowed           bool      `json:"allowed"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
}

// DecisionHandler serves the decision API used by services that cannot
// link the evaluator in-process.
type DecisionHandler struct {
	decider Decider
}

// NewDecisionHandler creates a DecisionHandler.
func NewDecisionHandler(decider Decider) *DecisionHandler {
	return &DecisionHandler{decider: decider}
}

// Routes returns the decision API mux.
func (h *DecisionHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ratelimit/check", h.handleCheck)
	mux.HandleFunc("POST /v1/ratelimit/check-global", h.handleCheckGlobal)
	return mux
}

func (h *DecisionHandler) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	action, err := ratelimit.ParseAction(req.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := h.decider.CheckRateLimit(r.Context(), req.SubjectID, action)
	h.respond(w, r, action, result, err)
}

func (h *DecisionHandler) handleCheckGlobal(w http.ResponseWriter, r *http.Request) {
	var req GlobalCheckRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	action, err := ratelimit.ParseAction(req.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = ClientIPFromContext(r.Context())
	}
	if identifier == "" {
		identifier = extractRealIP(r)
	}

	result, err := h.decider.CheckGlobalRateLimit(r.Context(), identifier, action)
	h.respond(w, r, action, result, err)
}

// respond answers 200 when allowed and 429 when denied, both carrying the
// full decision.
func (h *DecisionHandler) respond(w http.ResponseWriter, r *http.Request, action ratelimit.Action, result ratelimit.Result, err error) {
	if err != nil {
		writeDecisionError(w, r, err)
		return
	}
	setDecisionHeaders(w, result)

	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusTooManyRequests
		LoggerFromContext(r.Context()).Debug("decision denied", "action", action, "retry_after", result.RetryAfterSeconds)
	}
	writeJSON(w, status, CheckResponse{
		Allowed:           result.Allowed,
		Remaining:         result.Remaining,
		ResetAt:           result.ResetAt.UTC(),
		RetryAfterSeconds: result.RetryAfterSeconds,
	})
}

// readJSON decodes a size-limited JSON body, rejecting unknown fields.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
