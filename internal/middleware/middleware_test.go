package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gourl/coord/pkg/logger"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, ClientIPKey, "192.0.2.1")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "192.0.2.1", GetClientIP(ctx))

	wrongType := context.WithValue(context.Background(), RequestIDKey, 42)
	assert.Empty(t, GetRequestID(wrongType))
	assert.Empty(t, GetClientIP(context.Background()))
}

// tag returns a middleware appending name to trace on the way in.
func tag(trace *[]string, name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*trace = append(*trace, name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChain(t *testing.T) {
	t.Run("first middleware is outermost", func(t *testing.T) {
		var trace []string
		h := New(tag(&trace, "a"), tag(&trace, "b")).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
			trace = append(trace, "handler")
		})

		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, []string{"a", "b", "handler"}, trace)
	})

	t.Run("append leaves the original chain alone", func(t *testing.T) {
		var trace []string
		base := New(tag(&trace, "base"))
		extended := base.Append(tag(&trace, "extra"))

		noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		base.Then(noop).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, []string{"base"}, trace)

		trace = nil
		extended.Then(noop).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, []string{"base", "extra"}, trace)
	})

	t.Run("nil handler answers not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		New().Then(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRecover(t *testing.T) {
	t.Run("turns a panic into a 500", func(t *testing.T) {
		var buf bytes.Buffer
		handler := New(RequestID(), Recover(logger.New(&buf, "error"))).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/locks/a/acquire", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "INTERNAL_ERROR", body["code"])

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "handler panic", entry["msg"])
		assert.Equal(t, "boom", entry["panic"])
		assert.Equal(t, rec.Header().Get(HeaderXRequestID), entry["request_id"])
	})

	t.Run("passes through when nothing panics", func(t *testing.T) {
		handler := Recover(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("re-panics on ErrAbortHandler", func(t *testing.T) {
		handler := Recover(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))

		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	handler := New(ClientIP(false, nil), Logging(logger.New(&buf, "debug"))).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.4:5000"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request served", entry["msg"])
	assert.Equal(t, "/health", entry["path"])
	assert.Equal(t, "192.0.2.4", entry["client_ip"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
}
