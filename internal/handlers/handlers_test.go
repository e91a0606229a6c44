package handlers

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gourl/coord/internal/lock"
	"github.com/gourl/coord/internal/ratelimit"
	"github.com/gourl/coord/internal/store/memstore"
)

func newTestMux(t *testing.T) (*http.ServeMux, *memstore.Store) {
	t.Helper()
	s := memstore.New(time.Hour)
	t.Cleanup(func() { _ = s.Close() })

	rl := NewRateLimitHandler(ratelimit.NewSlidingWindow(s))
	lh := NewLockHandler(lock.NewManager(s), lock.DefaultTTL, 5)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/ratelimit/check", rl.Check)
	mux.HandleFunc("DELETE /api/v1/ratelimit/{key}/{identifier}", rl.Reset)
	mux.HandleFunc("POST /api/v1/locks/{key}/acquire", lh.Acquire)
	mux.HandleFunc("POST /api/v1/locks/{key}/release", lh.Release)
	mux.HandleFunc("POST /api/v1/locks/{key}/extend", lh.Extend)
	return mux, s
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRateLimitHandler_Check(t *testing.T) {
	mux, _ := newTestMux(t)
	body := CheckRequest{Identifier: "x", Key: "login", Limit: 2, WindowMS: 1000}

	for i, wantAllowed := range []bool{true, true, false} {
		rec := do(t, mux, http.MethodPost, "/api/v1/ratelimit/check", body)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[CheckResponse](t, rec)
		assert.Equal(t, wantAllowed, resp.Allowed, "call %d", i+1)
		assert.Equal(t, 2, resp.Limit)
		assert.NotEmpty(t, resp.ResetAt)
		if !wantAllowed {
			assert.Positive(t, resp.RetryAfterMS)
		}
	}

	rec := do(t, mux, http.MethodDelete, "/api/v1/ratelimit/login/x", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/ratelimit/check", body)
	resp := decode[CheckResponse](t, rec)
	assert.True(t, resp.Allowed)
	assert.Equal(t, 1, resp.Remaining)
}

func TestRateLimitHandler_Errors(t *testing.T) {
	mux, s := newTestMux(t)

	rec := do(t, mux, http.MethodPost, "/api/v1/ratelimit/check", CheckRequest{Identifier: "x", Key: "k", Limit: 0, WindowMS: 1000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, rec).Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/ratelimit/check", map[string]string{"nope": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, rec).Code)

	require.NoError(t, s.Close())
	rec = do(t, mux, http.MethodPost, "/api/v1/ratelimit/check", CheckRequest{Identifier: "x", Key: "k", Limit: 1, WindowMS: 1000})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "STORE_UNAVAILABLE", decode[ErrorResponse](t, rec).Code)
}

func TestLockHandler_Lifecycle(t *testing.T) {
	mux, _ := newTestMux(t)

	ttl := int64(5000)
	rec := do(t, mux, http.MethodPost, "/api/v1/locks/report/acquire", AcquireRequest{TTLMS: &ttl})
	require.Equal(t, http.StatusOK, rec.Code)
	acquired := decode[AcquireResponse](t, rec)
	assert.Equal(t, "report", acquired.Key)
	assert.NotEmpty(t, acquired.Token)

	expiresAt, err := time.Parse(time.RFC3339Nano, acquired.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), expiresAt, time.Second)

	rec = do(t, mux, http.MethodPost, "/api/v1/locks/report/acquire", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LOCK_NOT_ACQUIRED", decode[ErrorResponse](t, rec).Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/locks/report/extend", ExtendRequest{Token: acquired.Token, TTLMS: 10000})
	require.Equal(t, http.StatusOK, rec.Code)
	extended := decode[ExtendResponse](t, rec)
	assert.True(t, extended.Extended)
	assert.NotNil(t, extended.ExpiresAt)

	rec = do(t, mux, http.MethodPost, "/api/v1/locks/report/release", ReleaseRequest{Token: "someone-else"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ReleaseResponse](t, rec).Released)

	rec = do(t, mux, http.MethodPost, "/api/v1/locks/report/release", ReleaseRequest{Token: acquired.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ReleaseResponse](t, rec).Released)

	rec = do(t, mux, http.MethodPost, "/api/v1/locks/report/extend", ExtendRequest{Token: acquired.Token, TTLMS: 1000})
	require.Equal(t, http.StatusOK, rec.Code)
	extended = decode[ExtendResponse](t, rec)
	assert.False(t, extended.Extended)
	assert.Nil(t, extended.ExpiresAt)
}

func TestLockHandler_Validation(t *testing.T) {
	mux, _ := newTestMux(t)

	negative := int64(-1)
	rec := do(t, mux, http.MethodPost, "/api/v1/locks/job/acquire", AcquireRequest{TTLMS: &negative})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, rec).Code)

	rec = do(t, mux, http.MethodPost, "/api/v1/locks/job/extend", ExtendRequest{Token: "t", TTLMS: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitHandler_WindowOverflow(t *testing.T) {
	mux, s := newTestMux(t)

	// these wrap to tiny positive or negative windows if multiplied blindly
	for _, ms := range []int64{18446744073709, 18446744073711, math.MaxInt64} {
		rec := do(t, mux, http.MethodPost, "/api/v1/ratelimit/check", CheckRequest{Identifier: "x", Key: "k", Limit: 1, WindowMS: ms})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "window_ms=%d", ms)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "VALIDATION_ERROR", resp.Code)
		assert.Contains(t, resp.Error, "window_ms")
	}

	windows, _ := s.Len()
	assert.Zero(t, windows, "rejected requests never reach the store")
}

func TestLockHandler_DurationOverflow(t *testing.T) {
	mux, s := newTestMux(t)

	huge := int64(math.MaxInt64)
	rec := do(t, mux, http.MethodPost, "/api/v1/locks/job/acquire", AcquireRequest{TTLMS: &huge})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "ttl_ms")

	rec = do(t, mux, http.MethodPost, "/api/v1/locks/job/acquire", AcquireRequest{RetryDelayMS: &huge})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "retry_delay_ms")

	rec = do(t, mux, http.MethodPost, "/api/v1/locks/job/extend", ExtendRequest{Token: "t", TTLMS: 18446744073711})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, leases := s.Len()
	assert.Zero(t, leases)
}

func TestLockHandler_RetriesCapped(t *testing.T) {
	mux, _ := newTestMux(t)

	ttl := int64(60000)
	rec := do(t, mux, http.MethodPost, "/api/v1/locks/job/acquire", AcquireRequest{TTLMS: &ttl})
	require.Equal(t, http.StatusOK, rec.Code)

	tooMany, noDelay := 1_000_000, int64(0)
	rec = do(t, mux, http.MethodPost, "/api/v1/locks/job/acquire", AcquireRequest{Retries: &tooMany, RetryDelayMS: &noDelay})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	assert.Contains(t, resp.Error, "must be at most 5")

	// at the cap the request is served and gives up after its retries
	allowed := 5
	start := time.Now()
	rec = do(t, mux, http.MethodPost, "/api/v1/locks/job/acquire", AcquireRequest{Retries: &allowed, RetryDelayMS: &noDelay})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Less(t, time.Since(start), time.Second)
}
