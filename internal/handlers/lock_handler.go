package handlers

import (
	"net/http"
	"time"

	"github.com/gourl/coord/internal/lock"
	"github.com/gourl/coord/internal/validation"
)

// AcquireRequest is the body of POST /api/v1/locks/{key}/acquire. Omitted
// fields fall back to the server's lock defaults.
type AcquireRequest struct {
	TTLMS        *int64 `json:"ttl_ms,omitempty"`
	Retries      *int   `json:"retries,omitempty"`
	RetryDelayMS *int64 `json:"retry_delay_ms,omitempty"`
}

// AcquireResponse carries the token of a held lock.
type AcquireResponse struct {
	Key       string `json:"key"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// ReleaseRequest is the body of POST /api/v1/locks/{key}/release.
type ReleaseRequest struct {
	Token string `json:"token"`
}

// ReleaseResponse reports whether the lock was deleted.
type ReleaseResponse struct {
	Released bool `json:"released"`
}

// ExtendRequest is the body of POST /api/v1/locks/{key}/extend.
type ExtendRequest struct {
	Token string `json:"token"`
	TTLMS int64  `json:"ttl_ms"`
}

// ExtendResponse reports whether the lease was renewed.
type ExtendResponse struct {
	Extended  bool    `json:"extended"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// LockHandler exposes the lock manager.
type LockHandler struct {
	locks      *lock.Manager
	defaultTTL time.Duration
	maxRetries int
}

// NewLockHandler creates a LockHandler. defaultTTL must match the manager's
// default so responses report the right expiry. Acquire requests asking for
// more than maxRetries retries are rejected.
func NewLockHandler(locks *lock.Manager, defaultTTL time.Duration, maxRetries int) *LockHandler {
	return &LockHandler{locks: locks, defaultTTL: defaultTTL, maxRetries: maxRetries}
}

// acquireOptions turns the request into lock options and the ttl the lock
// will be granted with.
func (h *LockHandler) acquireOptions(req AcquireRequest) ([]lock.Option, time.Duration, error) {
	ttl := h.defaultTTL
	var opts []lock.Option
	if req.TTLMS != nil {
		d, err := validation.Millis("ttl_ms", *req.TTLMS)
		if err != nil {
			return nil, 0, err
		}
		ttl = d
		opts = append(opts, lock.WithTTL(d))
	}
	if req.Retries != nil {
		if err := validation.AtMost("retries", *req.Retries, h.maxRetries); err != nil {
			return nil, 0, err
		}
		opts = append(opts, lock.WithRetries(*req.Retries))
	}
	if req.RetryDelayMS != nil {
		d, err := validation.Millis("retry_delay_ms", *req.RetryDelayMS)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, lock.WithRetryDelay(d))
	}
	return opts, ttl, nil
}

// Acquire handles POST /api/v1/locks/{key}/acquire.
func (h *LockHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	key := r.PathValue("key")
	opts, ttl, err := h.acquireOptions(req)
	if err != nil {
		writeError(w, err)
		return
	}

	tok, err := h.locks.Acquire(r.Context(), key, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tok == "" {
		writeError(w, &lock.AcquisitionError{Key: key})
		return
	}

	writeJSON(w, http.StatusOK, AcquireResponse{
		Key:       key,
		Token:     tok,
		ExpiresAt: time.Now().Add(ttl).UTC().Format(time.RFC3339Nano),
	})
}

// Release handles POST /api/v1/locks/{key}/release.
func (h *LockHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	released, err := h.locks.Release(r.Context(), r.PathValue("key"), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{Released: released})
}

// Extend handles POST /api/v1/locks/{key}/extend.
func (h *LockHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	ttl, err := validation.Millis("ttl_ms", req.TTLMS)
	if err != nil {
		writeError(w, err)
		return
	}
	extended, err := h.locks.Extend(r.Context(), r.PathValue("key"), req.Token, ttl)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ExtendResponse{Extended: extended}
	if extended {
		expiresAt := time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
		resp.ExpiresAt = &expiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}
