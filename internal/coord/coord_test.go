package coord

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gourl/coord/internal/config"
	"github.com/gourl/coord/internal/lock"
	"github.com/gourl/coord/internal/ratelimit"
	"github.com/gourl/coord/internal/store"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Backend: backend, KeyPrefix: "test:"},
		Redis: config.RedisConfig{PoolSize: 2, DialTimeout: time.Second},
		Lock:  config.LockConfig{TTL: 2 * time.Second, RetryDelay: 10 * time.Millisecond},
	}
}

func TestOpen_Memory(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(config.BackendMemory), nil)
	require.NoError(t, err)

	require.NoError(t, c.Ping(ctx))

	res, err := c.RateLimiter().Check(ctx, "alice", ratelimit.Options{Limit: 1, Window: time.Second, Key: "api"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	tok, err := c.Locks().Acquire(ctx, "job")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(ctx), store.ErrUnavailable)
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig(config.BackendRedis)
	cfg.Redis.Host = host
	cfg.Redis.Port = port

	ctx := context.Background()
	c, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	tok, err := c.Locks().Acquire(ctx, "job")
	require.NoError(t, err)

	val, err := mr.Get("test:lock:job")
	require.NoError(t, err)
	assert.Equal(t, tok, val)
	assert.Equal(t, 2*time.Second, mr.TTL("test:lock:job"), "lock defaults come from config")

	_, err = c.RateLimiter().Check(ctx, "alice", ratelimit.Options{Limit: 1, Window: time.Second, Key: "api"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:ratelimit:api:alice"))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), testConfig("etcd"), nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpen_RedisUnreachable(t *testing.T) {
	cfg := testConfig(config.BackendRedis)
	cfg.Redis.Host = "invalid-host-that-does-not-exist"
	cfg.Redis.Port = 6379

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Open(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestLockDefaults(t *testing.T) {
	cfg := config.LockConfig{TTL: time.Second, Retries: 2, RetryDelay: 5 * time.Millisecond}
	assert.Len(t, LockDefaults(cfg), 3)

	cfg.Exponential = true
	cfg.MaxRetryDelay = time.Second
	assert.Len(t, LockDefaults(cfg), 4)
}

func TestCoordinator_InstancesShareState(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig(config.BackendRedis)
	cfg.Redis.Host = host
	cfg.Redis.Port = port

	ctx := context.Background()
	a, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	tok, err := a.Locks().Acquire(ctx, "shared")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	other, err := b.Locks().Acquire(ctx, "shared", lock.WithRetries(0))
	require.NoError(t, err)
	assert.Empty(t, other, "a second instance sees the first one's lock")

	released, err := b.Locks().Release(ctx, "shared", tok)
	require.NoError(t, err)
	assert.True(t, released, "the token works from any instance")

	opts := ratelimit.Options{Limit: 1, Window: time.Minute, Key: "api"}
	res, err := a.RateLimiter().Check(ctx, "alice", opts)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = b.RateLimiter().Check(ctx, "alice", opts)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}
