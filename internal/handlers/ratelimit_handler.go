package handlers

import (
	"net/http"
	"time"

	"github.com/gourl/coord/internal/ratelimit"
	"github.com/gourl/coord/internal/validation"
)

// CheckRequest is the body of POST /api/v1/ratelimit/check.
type CheckRequest struct {
	Identifier string `json:"identifier"`
	Key        string `json:"key"`
	Limit      int    `json:"limit"`
	WindowMS   int64  `json:"window_ms"`
}

// CheckResponse reports a rate limit decision.
type CheckResponse struct {
	Allowed      bool   `json:"allowed"`
	Remaining    int    `json:"remaining"`
	Limit        int    `json:"limit"`
	ResetAt      string `json:"reset_at"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// RateLimitHandler exposes the sliding window limiter.
type RateLimitHandler struct {
	limiter *ratelimit.SlidingWindow
}

// NewRateLimitHandler creates a new RateLimitHandler.
func NewRateLimitHandler(limiter *ratelimit.SlidingWindow) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

// Check handles POST /api/v1/ratelimit/check. A rejection is a normal 200
// answer with allowed=false.
func (h *RateLimitHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	window, err := validation.Millis("window_ms", req.WindowMS)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.limiter.Check(r.Context(), req.Identifier, ratelimit.Options{
		Limit:  req.Limit,
		Window: window,
		Key:    req.Key,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{
		Allowed:      res.Allowed,
		Remaining:    res.Remaining,
		Limit:        res.Limit,
		ResetAt:      res.ResetAt.UTC().Format(time.RFC3339Nano),
		RetryAfterMS: res.RetryAfter.Milliseconds(),
	})
}

// Reset handles DELETE /api/v1/ratelimit/{key}/{identifier}.
func (h *RateLimitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.limiter.Reset(r.Context(), r.PathValue("identifier"), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
