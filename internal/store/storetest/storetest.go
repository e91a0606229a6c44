// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gourl/coord/internal/store"
)

// Harness adapts a backend to the suite.
type Harness struct {
	// New returns an empty store. The suite closes it.
	New func(t *testing.T) store.Store

	// Advance moves the backend's expiry clock forward by d.
	Advance func(t *testing.T, d time.Duration)
}

var seq atomic.Int64

// uniqueKey keeps subtests independent when a backend is shared.
func uniqueKey(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s:%s:%d", prefix, t.Name(), seq.Add(1))
}

// Run executes the full suite.
func Run(t *testing.T, h Harness) {
	t.Run("Windows", func(t *testing.T) { runWindows(t, h) })
	t.Run("Leases", func(t *testing.T) { runLeases(t, h) })
}

func open(t *testing.T, h Harness) store.Store {
	t.Helper()
	s := h.New(t)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(context.Background()))
	return s
}

func admit(t *testing.T, s store.Store, key string, now time.Time, window time.Duration, limit int) store.WindowReply {
	t.Helper()
	reply, err := s.Admit(context.Background(), key, store.WindowRequest{
		Now:    now,
		Window: window,
		Limit:  limit,
		Tag:    fmt.Sprintf("%d-%d", now.UnixMilli(), seq.Add(1)),
	})
	require.NoError(t, err)
	return reply
}

func runWindows(t *testing.T, h Harness) {
	base := time.Now().Truncate(time.Millisecond)

	t.Run("admits up to limit then rejects", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "ratelimit")

		for i := 0; i < 3; i++ {
			reply := admit(t, s, key, base.Add(time.Duration(i)*time.Millisecond), time.Second, 3)
			assert.True(t, reply.Allowed, "attempt %d", i+1)
			assert.Equal(t, i, reply.Count)
		}

		reply := admit(t, s, key, base.Add(5*time.Millisecond), time.Second, 3)
		assert.False(t, reply.Allowed)
		assert.Equal(t, 3, reply.Count)
		assert.Equal(t, base.UnixMilli(), reply.Oldest.UnixMilli())
	})

	t.Run("rejection does not record an entry", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "ratelimit")

		admit(t, s, key, base, time.Second, 1)
		for i := 0; i < 5; i++ {
			reply := admit(t, s, key, base.Add(100*time.Millisecond), time.Second, 1)
			require.False(t, reply.Allowed)
			assert.Equal(t, 1, reply.Count)
		}

		// only the first entry ever occupied the window
		reply := admit(t, s, key, base.Add(time.Second+time.Millisecond), time.Second, 1)
		assert.True(t, reply.Allowed)
		assert.Equal(t, 0, reply.Count)
	})

	t.Run("prunes entries at or before the cutoff", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "ratelimit")

		admit(t, s, key, base, time.Second, 2)
		admit(t, s, key, base.Add(500*time.Millisecond), time.Second, 2)

		// base is exactly on the cutoff and is pruned
		reply := admit(t, s, key, base.Add(time.Second), time.Second, 2)
		assert.True(t, reply.Allowed)
		assert.Equal(t, 1, reply.Count)
		assert.Equal(t, base.Add(500*time.Millisecond).UnixMilli(), reply.Oldest.UnixMilli())
	})

	t.Run("drop clears the window", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "ratelimit")

		admit(t, s, key, base, time.Minute, 1)
		require.False(t, admit(t, s, key, base, time.Minute, 1).Allowed)

		require.NoError(t, s.Drop(context.Background(), key))
		require.NoError(t, s.Drop(context.Background(), key), "dropping a missing window is not an error")

		reply := admit(t, s, key, base, time.Minute, 1)
		assert.True(t, reply.Allowed)
		assert.Equal(t, 0, reply.Count)
	})

	t.Run("keys are independent", func(t *testing.T) {
		s := open(t, h)
		a, b := uniqueKey(t, "ratelimit"), uniqueKey(t, "ratelimit")

		assert.True(t, admit(t, s, a, base, time.Minute, 1).Allowed)
		assert.True(t, admit(t, s, b, base, time.Minute, 1).Allowed)
		assert.False(t, admit(t, s, a, base, time.Minute, 1).Allowed)
	})

	t.Run("concurrent admits never exceed the limit", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "ratelimit")
		const limit, callers = 10, 64

		var allowed atomic.Int64
		var g errgroup.Group
		for i := 0; i < callers; i++ {
			g.Go(func() error {
				reply, err := s.Admit(context.Background(), key, store.WindowRequest{
					Now:    time.Now(),
					Window: time.Minute,
					Limit:  limit,
					Tag:    fmt.Sprintf("c-%d", seq.Add(1)),
				})
				if err != nil {
					return err
				}
				if reply.Allowed {
					allowed.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(limit), allowed.Load())
	})
}

func runLeases(t *testing.T, h Harness) {
	ctx := context.Background()

	t.Run("claim is exclusive", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "lock")

		ok, err := s.Claim(ctx, key, "t1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Claim(ctx, key, "t2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Claim(ctx, key, "t1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "the same token cannot claim twice")
	})

	t.Run("release requires the matching token", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "lock")

		_, err := s.Claim(ctx, key, "owner", time.Minute)
		require.NoError(t, err)

		released, err := s.Release(ctx, key, "intruder")
		require.NoError(t, err)
		assert.False(t, released)

		ok, err := s.Claim(ctx, key, "other", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "a foreign release must leave the lock intact")

		released, err = s.Release(ctx, key, "owner")
		require.NoError(t, err)
		assert.True(t, released)

		released, err = s.Release(ctx, key, "owner")
		require.NoError(t, err)
		assert.False(t, released, "second release is a no-op")

		ok, err = s.Claim(ctx, key, "other", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release of a missing key", func(t *testing.T) {
		s := open(t, h)
		released, err := s.Release(ctx, uniqueKey(t, "lock"), "nobody")
		require.NoError(t, err)
		assert.False(t, released)
	})

	t.Run("lease expires on its own", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "lock")

		ok, err := s.Claim(ctx, key, "crashed", 200*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		h.Advance(t, 300*time.Millisecond)

		ok, err = s.Claim(ctx, key, "successor", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		released, err := s.Release(ctx, key, "crashed")
		require.NoError(t, err)
		assert.False(t, released, "stale token must not release the successor")
	})

	t.Run("renew extends only the owner's lease", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "lock")

		_, err := s.Claim(ctx, key, "owner", 200*time.Millisecond)
		require.NoError(t, err)

		renewed, err := s.Renew(ctx, key, "intruder", time.Minute)
		require.NoError(t, err)
		assert.False(t, renewed)

		h.Advance(t, 120*time.Millisecond)
		renewed, err = s.Renew(ctx, key, "owner", 400*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, renewed)

		// past the original ttl, still held
		h.Advance(t, 180*time.Millisecond)
		ok, err := s.Claim(ctx, key, "other", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		// past the renewed ttl
		h.Advance(t, 300*time.Millisecond)
		renewed, err = s.Renew(ctx, key, "owner", time.Minute)
		require.NoError(t, err)
		assert.False(t, renewed, "an expired lease cannot be renewed")

		ok, err = s.Claim(ctx, key, "other", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := open(t, h)
		key := uniqueKey(t, "lock")

		var winners atomic.Int64
		var g errgroup.Group
		for i := 0; i < 32; i++ {
			tok := fmt.Sprintf("tok-%d", i)
			g.Go(func() error {
				ok, err := s.Claim(ctx, key, tok, time.Minute)
				if ok {
					winners.Add(1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), winners.Load())
	})
}
