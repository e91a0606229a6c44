package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gourl/coord/internal/retry"
	"github.com/gourl/coord/internal/store"
	"github.com/gourl/coord/internal/store/memstore"
	"github.com/gourl/coord/internal/store/redisstore"
	"github.com/gourl/coord/internal/token"
	"github.com/gourl/coord/internal/validation"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// backend is a store plus a way to move its lease clock.
type backend struct {
	store   store.Store
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]backend {
	t.Helper()

	clock := &fakeClock{now: time.Now()}
	mem := memstore.New(time.Hour, memstore.WithClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]backend{
		"memstore":   {store: mem, advance: clock.Advance},
		"redisstore": {store: redisstore.New(client), advance: mr.FastForward},
	}
}

func TestManager_ScenarioB(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(b.store)
			ctx := context.Background()

			t1, err := m.Acquire(ctx, "res", WithTTL(time.Second))
			require.NoError(t, err)
			require.NotEmpty(t, t1)
			assert.True(t, token.IsValid(t1))

			again, err := m.Acquire(ctx, "res", WithTTL(time.Second))
			require.NoError(t, err)
			assert.Empty(t, again, "a held lock is not an error")

			b.advance(1100 * time.Millisecond)

			t2, err := m.Acquire(ctx, "res", WithTTL(time.Second))
			require.NoError(t, err)
			require.NotEmpty(t, t2)
			assert.NotEqual(t, t1, t2)

			released, err := m.Release(ctx, "res", t1)
			require.NoError(t, err)
			assert.False(t, released, "the expired holder cannot release its successor")
		})
	}
}

func TestManager_ScenarioC(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(b.store)
			ctx := context.Background()
			boom := errors.New("boom")

			called := false
			err := m.WithLock(ctx, "res", func(ctx context.Context) error {
				called = true
				return boom
			})
			assert.True(t, called)
			assert.Same(t, boom, err, "fn's error is returned unchanged")

			tok, err := m.Acquire(ctx, "res")
			require.NoError(t, err)
			assert.NotEmpty(t, tok)
		})
	}
}

func TestManager_WithLockReleasesOnPanic(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx := context.Background()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.WithLock(ctx, "res", func(ctx context.Context) error {
			panic("kaboom")
		})
	})

	tok, err := m.Acquire(ctx, "res")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}

func TestManager_WithLockReleasesAfterCancel(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	err := m.WithLock(ctx, "res", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	tok, err := m.Acquire(context.Background(), "res")
	require.NoError(t, err)
	assert.NotEmpty(t, tok, "release runs detached from the canceled context")
}

func TestManager_WithLockNotAcquired(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "busy")
	require.NoError(t, err)

	called := false
	err = m.WithLock(ctx, "busy", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrNotAcquired)

	var aerr *AcquisitionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "busy", aerr.Key)
	assert.Contains(t, err.Error(), `"busy"`)
}

func TestDo(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx := context.Background()

	n, err := Do(ctx, m, "counter", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = m.Acquire(ctx, "counter")
	require.NoError(t, err)

	n, err = Do(ctx, m, "counter", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Zero(t, n)
}

func TestManager_ReleaseAndExtend(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(b.store)
			ctx := context.Background()

			tok, err := m.Acquire(ctx, "job", WithTTL(time.Second))
			require.NoError(t, err)
			foreign, err := token.New()
			require.NoError(t, err)

			extended, err := m.Extend(ctx, "job", foreign, time.Minute)
			require.NoError(t, err)
			assert.False(t, extended)

			extended, err = m.Extend(ctx, "job", tok, 3*time.Second)
			require.NoError(t, err)
			assert.True(t, extended)

			b.advance(2 * time.Second)
			other, err := m.Acquire(ctx, "job")
			require.NoError(t, err)
			assert.Empty(t, other, "extension outlived the original ttl")

			released, err := m.Release(ctx, "job", foreign)
			require.NoError(t, err)
			assert.False(t, released)

			released, err = m.Release(ctx, "job", tok)
			require.NoError(t, err)
			assert.True(t, released)

			released, err = m.Release(ctx, "job", tok)
			require.NoError(t, err)
			assert.False(t, released, "release is not repeatable")

			extended, err = m.Extend(ctx, "job", tok, time.Second)
			require.NoError(t, err)
			assert.False(t, extended, "a released lock cannot be extended")
		})
	}
}

func TestManager_MalformedTokenNeverReachesStore(t *testing.T) {
	s := memstore.New(time.Hour)
	require.NoError(t, s.Close())
	m := NewManager(s)

	released, err := m.Release(context.Background(), "job", "not-a-token")
	require.NoError(t, err)
	assert.False(t, released)

	extended, err := m.Extend(context.Background(), "job", "", time.Second)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestManager_RetriesUntilReleased(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx := context.Background()

	holder, err := m.Acquire(ctx, "res")
	require.NoError(t, err)

	go func() {
		time.Sleep(80 * time.Millisecond)
		_, _ = m.Release(context.Background(), "res", holder)
	}()

	tok, err := m.Acquire(ctx, "res", WithRetries(50), WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.NotEqual(t, holder, tok)
}

func TestManager_RetriesExhausted(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "res")
	require.NoError(t, err)

	start := time.Now()
	tok, err := m.Acquire(ctx, "res", WithRetries(3), WithRetryDelay(20*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, tok)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestManager_BackoffOption(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "res")
	require.NoError(t, err)

	start := time.Now()
	tok, err := m.Acquire(ctx, "res",
		WithRetries(3),
		WithRetryDelay(time.Hour),
		WithBackoff(retry.Exponential{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}),
	)
	require.NoError(t, err)
	assert.Empty(t, tok)
	// 5 + 10 + 20
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestManager_CancelDuringWait(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))

	_, err := m.Acquire(context.Background(), "res")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	tok, err := m.Acquire(ctx, "res", WithRetries(100), WithRetryDelay(time.Second))
	assert.Empty(t, tok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestManager_CanceledBeforeStart(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok, err := m.Acquire(ctx, "res")
	assert.Empty(t, tok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_Validation(t *testing.T) {
	m := NewManager(memstore.New(time.Hour))
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		opts  []Option
		field string
	}{
		{"empty key", "", nil, "key"},
		{"zero ttl", "k", []Option{WithTTL(0)}, "ttl"},
		{"sub-millisecond ttl", "k", []Option{WithTTL(time.Microsecond)}, "ttl"},
		{"negative retries", "k", []Option{WithRetries(-1)}, "retries"},
		{"negative retry delay", "k", []Option{WithRetryDelay(-time.Millisecond)}, "retry_delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := m.Acquire(ctx, tt.key, tt.opts...)
			assert.Empty(t, tok)
			require.ErrorIs(t, err, validation.ErrInvalid)

			var verr *validation.Error
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("release and extend", func(t *testing.T) {
		_, err := m.Release(ctx, "", "x")
		assert.ErrorIs(t, err, validation.ErrInvalid)

		_, err = m.Extend(ctx, "k", "x", 0)
		assert.ErrorIs(t, err, validation.ErrInvalid)
	})
}

func TestManager_StoreUnavailable(t *testing.T) {
	s := memstore.New(time.Hour)
	require.NoError(t, s.Close())
	m := NewManager(s)

	tok, err := m.Acquire(context.Background(), "res", WithRetries(3), WithRetryDelay(time.Millisecond))
	assert.Empty(t, tok)
	assert.ErrorIs(t, err, store.ErrUnavailable)

	valid, err := token.New()
	require.NoError(t, err)
	_, err = m.Release(context.Background(), "res", valid)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestManager_MutualExclusion(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(b.store)

			var inside, maxInside, done atomic.Int64
			var g errgroup.Group
			for i := 0; i < 16; i++ {
				g.Go(func() error {
					return m.WithLock(context.Background(), "shared", func(ctx context.Context) error {
						n := inside.Add(1)
						for {
							cur := maxInside.Load()
							if n <= cur || maxInside.CompareAndSwap(cur, n) {
								break
							}
						}
						time.Sleep(time.Millisecond)
						inside.Add(-1)
						done.Add(1)
						return nil
					}, WithRetries(2000), WithRetryDelay(time.Millisecond))
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int64(1), maxInside.Load())
			assert.Equal(t, int64(16), done.Load())
		})
	}
}

func TestManager_KeyLayoutAndDefaults(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := NewManager(redisstore.New(client),
		WithKeyPrefix("tenant-a:"),
		WithDefaults(WithTTL(3*time.Second)),
	)

	tok, err := m.Acquire(context.Background(), "report")
	require.NoError(t, err)

	val, err := mr.Get("tenant-a:lock:report")
	require.NoError(t, err)
	assert.Equal(t, tok, val)
	assert.Equal(t, 3*time.Second, mr.TTL("tenant-a:lock:report"))

	_, err = m.Acquire(context.Background(), "other", WithTTL(time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Second, mr.TTL("tenant-a:lock:other"), "call options beat defaults")
}

func TestManager_TokenGeneratorFailure(t *testing.T) {
	m := NewManager(memstore.New(time.Hour), WithTokenGenerator(token.NewGenerator(failingReader{})))

	tok, err := m.Acquire(context.Background(), "res")
	assert.Empty(t, tok)
	assert.ErrorContains(t, err, "token entropy")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("no entropy")
}
