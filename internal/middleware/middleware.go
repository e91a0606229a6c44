// Package middleware contains HTTP middleware components.
package middleware

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/gourl/coord/pkg/logger"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// contextKey is the type for context keys used by middleware.
type contextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "request_id"
	// ClientIPKey is the context key for client IP.
	ClientIPKey contextKey = "client_ip"
)

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetClientIP retrieves the client IP from context.
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}

// Chain holds a sequence of middlewares to be applied to handlers.
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain with the given middlewares.
func New(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: append([]Middleware{}, middlewares...),
	}
}

// Then applies the chain to h. The first middleware is the outermost.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}

	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}

	return h
}

// ThenFunc applies the middleware chain to the given handler function.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	return c.Then(fn)
}

// Append creates a new chain with the given middleware appended.
// The original chain is not modified.
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	newMiddlewares := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	newMiddlewares = append(newMiddlewares, c.middlewares...)
	newMiddlewares = append(newMiddlewares, middlewares...)
	return &Chain{middlewares: newMiddlewares}
}

// Recover turns a panicking handler into a 500 and logs the stack.
func Recover(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("handler panic",
					"request_id", GetRequestID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				writeJSONError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs one line per request once the handler has finished.
func Logging(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newResponseWriter(w)
			start := now()
			next.ServeHTTP(rw, r)
			log.Debug("request served",
				"request_id", GetRequestID(r.Context()),
				"client_ip", GetClientIP(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration_ms", since(start).Milliseconds(),
			)
		})
	}
}
