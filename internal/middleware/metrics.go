package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gourl/coord/internal/metrics"
)

var (
	now   = time.Now
	since = time.Since
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Metrics returns a middleware that records Prometheus metrics.
func Metrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := now()
			rw := newResponseWriter(w)

			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			next.ServeHTTP(rw, r)

			metrics.RecordRequest(r.Method, normalizePath(r.URL.Path), rw.statusCode, since(start))
		})
	}
}

// normalizePath maps a request path to its route pattern so lock keys and
// identifiers never become label values.
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/metrics", "/api/v1/ratelimit/check":
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "v1" {
		return "/other"
	}

	switch {
	case parts[2] == "ratelimit" && len(parts) == 5:
		return "/api/v1/ratelimit/{key}/{identifier}"
	case parts[2] == "locks" && len(parts) == 5:
		switch parts[4] {
		case "acquire", "release", "extend":
			return "/api/v1/locks/{key}/" + parts[4]
		}
	}
	return "/other"
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Code: code})
}
