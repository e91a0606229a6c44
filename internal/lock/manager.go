// Package lock implements leased locks over a shared store. A lock is held
// by whoever knows its token and disappears on its own when the lease runs
// out, so a crashed holder blocks others for at most one TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gourl/coord/internal/metrics"
	"github.com/gourl/coord/internal/retry"
	"github.com/gourl/coord/internal/store"
	"github.com/gourl/coord/internal/token"
	"github.com/gourl/coord/internal/validation"
	"github.com/gourl/coord/pkg/logger"
)

// KeyPrefix namespaces locks in the store.
const KeyPrefix = "lock:"

// releaseTimeout bounds the release WithLock runs after fn returns.
const releaseTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/gourl/coord/internal/lock")

// Manager acquires, releases and extends locks.
type Manager struct {
	leases   store.Leases
	prefix   string
	tokens   *token.Generator
	defaults []Option
	log      *logger.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithKeyPrefix prepends prefix to every store key.
func WithKeyPrefix(prefix string) ManagerOption {
	return func(m *Manager) { m.prefix = prefix }
}

// WithDefaults applies opts before the options of every Acquire call.
func WithDefaults(opts ...Option) ManagerOption {
	return func(m *Manager) { m.defaults = append(m.defaults, opts...) }
}

// WithTokenGenerator replaces the crypto/rand token source.
func WithTokenGenerator(g *token.Generator) ManagerOption {
	return func(m *Manager) { m.tokens = g }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager over leases.
func NewManager(leases store.Leases, opts ...ManagerOption) *Manager {
	m := &Manager{
		leases: leases,
		tokens: token.NewGenerator(nil),
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "lock")
	return m
}

func (m *Manager) options(opts []Option) acquireOptions {
	o := defaultOptions()
	for _, opt := range m.defaults {
		opt(&o)
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.ttl = o.ttl.Truncate(time.Millisecond)
	return o
}

// Acquire tries to take the lock on key and returns its token. Each attempt
// claims with a fresh token. When the lock is still taken after every retry
// Acquire returns "" and a nil error. Canceling ctx ends a retry wait with
// ctx.Err(); a claim already sent to the store is allowed to finish, so a
// lock is never taken without its token being returned.
func (m *Manager) Acquire(ctx context.Context, key string, opts ...Option) (string, error) {
	o := m.options(opts)
	if err := o.validate(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.Int64("lock.ttl_ms", o.ttl.Milliseconds()),
		attribute.Int("lock.retries", o.retries),
	))
	defer span.End()

	storeKey := m.lockKey(key)
	var (
		held     string
		attempts int
	)
	err := retry.Do(ctx, o.retries, o.retryBackoff(), func(ctx context.Context) (bool, error) {
		attempts++
		candidate, err := m.tokens.New()
		if err != nil {
			return false, err
		}
		ok, err := m.leases.Claim(context.WithoutCancel(ctx), storeKey, candidate, o.ttl)
		if err != nil || !ok {
			return false, err
		}
		held = candidate
		return true, nil
	})
	metrics.RecordLockAttempts(attempts)
	span.SetAttributes(attribute.Int("lock.attempts", attempts))

	switch {
	case err == nil:
		metrics.RecordLockOperation("acquire", metrics.OutcomeAcquired)
		m.log.Debug("lock acquired", "key", key, "attempts", attempts)
		return held, nil
	case errors.Is(err, retry.ErrExhausted):
		metrics.RecordLockOperation("acquire", metrics.OutcomeContended)
		m.log.Debug("lock busy", "key", key, "attempts", attempts)
		return "", nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.RecordLockOperation("acquire", metrics.OutcomeCanceled)
		return "", err
	default:
		metrics.RecordLockOperation("acquire", metrics.OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		m.log.Warn("lock acquire failed", "key", key, "error", err)
		return "", fmt.Errorf("lock acquire: %w", err)
	}
}

// Release deletes the lock if tok still owns it. A foreign, stale or
// malformed token yields false and leaves the lock untouched.
func (m *Manager) Release(ctx context.Context, key, tok string) (bool, error) {
	if err := validation.NonEmpty("key", key); err != nil {
		return false, err
	}
	if !token.IsValid(tok) {
		metrics.RecordLockOperation("release", metrics.OutcomeNotOwner)
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "lock.Release", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	released, err := m.leases.Release(ctx, m.lockKey(key), tok)
	if err != nil {
		metrics.RecordLockOperation("release", metrics.OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return false, fmt.Errorf("lock release: %w", err)
	}
	if released {
		metrics.RecordLockOperation("release", metrics.OutcomeReleased)
	} else {
		metrics.RecordLockOperation("release", metrics.OutcomeNotOwner)
	}
	span.SetAttributes(attribute.Bool("lock.released", released))
	return released, nil
}

// Extend resets the lock's remaining lifetime to ttl if tok still owns it.
func (m *Manager) Extend(ctx context.Context, key, tok string, ttl time.Duration) (bool, error) {
	if err := validation.First(
		validation.NonEmpty("key", key),
		validation.MinDuration("ttl", ttl, time.Millisecond),
	); err != nil {
		return false, err
	}
	if !token.IsValid(tok) {
		metrics.RecordLockOperation("extend", metrics.OutcomeNotOwner)
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "lock.Extend", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.Int64("lock.ttl_ms", ttl.Milliseconds()),
	))
	defer span.End()

	extended, err := m.leases.Renew(ctx, m.lockKey(key), tok, ttl.Truncate(time.Millisecond))
	if err != nil {
		metrics.RecordLockOperation("extend", metrics.OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "extend failed")
		return false, fmt.Errorf("lock extend: %w", err)
	}
	if extended {
		metrics.RecordLockOperation("extend", metrics.OutcomeExtended)
	} else {
		metrics.RecordLockOperation("extend", metrics.OutcomeNotOwner)
	}
	span.SetAttributes(attribute.Bool("lock.extended", extended))
	return extended, nil
}

// WithLock runs fn while holding the lock on key and releases it however fn
// exits, including by panic. fn's error is returned unchanged. If the lock
// cannot be taken fn is not called and an *AcquisitionError is returned.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, opts ...Option) error {
	tok, err := m.Acquire(ctx, key, opts...)
	if err != nil {
		return err
	}
	if tok == "" {
		return &AcquisitionError{Key: key}
	}
	defer m.releaseAfter(ctx, key, tok)

	return fn(ctx)
}

// releaseAfter releases on a context that outlives the caller's
// cancellation, so a canceled critical section still frees its lock.
func (m *Manager) releaseAfter(ctx context.Context, key, tok string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released, err := m.Release(ctx, key, tok)
	switch {
	case err != nil:
		m.log.Warn("lock release failed; it expires with its ttl", "key", key, "error", err)
	case !released:
		m.log.Warn("lock expired before release", "key", key)
	}
}

// Do is WithLock for critical sections that produce a value.
func Do[T any](ctx context.Context, m *Manager, key string, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := m.WithLock(ctx, key, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	}, opts...)
	return out, err
}

func (m *Manager) lockKey(key string) string {
	return m.prefix + KeyPrefix + key
}
