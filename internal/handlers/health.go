package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 2 * time.Second

// HealthResponse represents the response for the health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse represents the response for the ready endpoint.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// CheckFunc reports whether a dependency can serve traffic.
type CheckFunc func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	ready  bool
	checks map[string]CheckFunc
	mu     sync.RWMutex
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		ready:  true,
		checks: make(map[string]CheckFunc),
	}
}

// Health handles GET /health. It reports that the process is up and never
// touches dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready. Every registered check must pass.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	allReady := h.ready
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	results := make(map[string]string, len(checks))
	for name, check := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			results[name] = "fail: " + err.Error()
			allReady = false
			continue
		}
		results[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !allReady {
		status, code = "not ready", http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(results) > 0 {
		response.Checks = results
	}
	writeJSON(w, code, response)
}

// SetReady sets the ready state.
func (h *HealthHandler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current ready state.
func (h *HealthHandler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// AddCheck registers a dependency check under name.
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}
