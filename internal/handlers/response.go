// Package handlers implements the HTTP endpoints of coordd.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gourl/coord/internal/lock"
	"github.com/gourl/coord/internal/store"
	"github.com/gourl/coord/internal/validation"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 16

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON reads a single JSON object into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: err.Error(),
		Code:  "INVALID_REQUEST",
	})
}

// mapErrorToResponse maps primitive errors to HTTP status codes and error
// responses.
func mapErrorToResponse(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		return http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_ERROR",
		}
	case errors.Is(err, lock.ErrNotAcquired):
		return http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "LOCK_NOT_ACQUIRED",
		}
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error: "coordination store unavailable",
			Code:  "STORE_UNAVAILABLE",
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, ErrorResponse{
			Error: "request deadline reached",
			Code:  "TIMEOUT",
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := mapErrorToResponse(err)
	writeJSON(w, status, resp)
}
