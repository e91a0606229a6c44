// Package coord owns the shared store connection and the coordination
// primitives built on it. A Coordinator is created once at startup, passed
// to whatever needs rate limits or locks, and closed at shutdown.
package coord

import (
	"context"
	"errors"
	"fmt"

	"github.com/gourl/coord/internal/config"
	"github.com/gourl/coord/internal/lock"
	"github.com/gourl/coord/internal/metrics"
	"github.com/gourl/coord/internal/ratelimit"
	"github.com/gourl/coord/internal/retry"
	"github.com/gourl/coord/internal/store"
	"github.com/gourl/coord/internal/store/memstore"
	"github.com/gourl/coord/internal/store/pgstore"
	"github.com/gourl/coord/internal/store/redisstore"
	"github.com/gourl/coord/pkg/logger"
)

// ErrUnknownBackend is returned by Open for an unsupported STORE_BACKEND.
var ErrUnknownBackend = errors.New("unknown store backend")

// Coordinator exposes the rate limiter and lock manager sharing one store.
type Coordinator struct {
	store   store.Store
	limiter *ratelimit.SlidingWindow
	locks   *lock.Manager
	log     *logger.Logger
}

// Open connects to the configured backend and builds the primitives.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Coordinator, error) {
	if log == nil {
		log = logger.Nop()
	}

	var (
		s   store.Store
		err error
	)
	switch cfg.Store.Backend {
	case config.BackendRedis:
		s, err = redisstore.Dial(ctx, &cfg.Redis)
	case config.BackendPostgres:
		s, err = pgstore.Open(ctx, &cfg.Database, log)
	case config.BackendMemory:
		s = memstore.New(memstore.DefaultSweepInterval)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Store.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info("store connected", "backend", cfg.Store.Backend, "key_prefix", cfg.Store.KeyPrefix)
	return New(s, cfg, log), nil
}

// New builds a Coordinator over an open store and takes ownership of it.
func New(s store.Store, cfg *config.Config, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	s = metrics.InstrumentStore(s)

	return &Coordinator{
		store: s,
		limiter: ratelimit.NewSlidingWindow(s,
			ratelimit.WithKeyPrefix(cfg.Store.KeyPrefix),
			ratelimit.WithLogger(log),
		),
		locks: lock.NewManager(s,
			lock.WithKeyPrefix(cfg.Store.KeyPrefix),
			lock.WithDefaults(LockDefaults(cfg.Lock)...),
			lock.WithLogger(log),
		),
		log: log,
	}
}

// LockDefaults turns the lock configuration into acquisition options.
func LockDefaults(cfg config.LockConfig) []lock.Option {
	opts := []lock.Option{
		lock.WithTTL(cfg.TTL),
		lock.WithRetries(cfg.Retries),
		lock.WithRetryDelay(cfg.RetryDelay),
	}
	if cfg.Exponential {
		opts = append(opts, lock.WithBackoff(retry.Exponential{
			Base:   cfg.RetryDelay,
			Max:    cfg.MaxRetryDelay,
			Jitter: true,
		}))
	}
	return opts
}

// RateLimiter returns the sliding window rate limiter.
func (c *Coordinator) RateLimiter() *ratelimit.SlidingWindow {
	return c.limiter
}

// Locks returns the lock manager.
func (c *Coordinator) Locks() *lock.Manager {
	return c.locks
}

// Ping checks that the store answers.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close releases the store connection.
func (c *Coordinator) Close() error {
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	c.log.Info("store closed")
	return nil
}
