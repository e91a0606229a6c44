package lock

import (
	"time"

	"github.com/gourl/coord/internal/retry"
	"github.com/gourl/coord/internal/validation"
)

// Defaults applied when an option is not given.
const (
	DefaultTTL        = 10 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
)

// Option tunes one acquisition.
type Option func(*acquireOptions)

type acquireOptions struct {
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
	backoff    retry.Backoff
}

func defaultOptions() acquireOptions {
	return acquireOptions{
		ttl:        DefaultTTL,
		retryDelay: DefaultRetryDelay,
	}
}

// WithTTL sets how long the lock lives unless released or extended.
func WithTTL(ttl time.Duration) Option {
	return func(o *acquireOptions) { o.ttl = ttl }
}

// WithRetries sets how many more claims are made after the first fails.
func WithRetries(n int) Option {
	return func(o *acquireOptions) { o.retries = n }
}

// WithRetryDelay sets the constant wait between claims.
func WithRetryDelay(d time.Duration) Option {
	return func(o *acquireOptions) { o.retryDelay = d }
}

// WithBackoff replaces the constant retry delay with b.
func WithBackoff(b retry.Backoff) Option {
	return func(o *acquireOptions) { o.backoff = b }
}

func (o acquireOptions) validate(key string) error {
	return validation.First(
		validation.NonEmpty("key", key),
		validation.MinDuration("ttl", o.ttl, time.Millisecond),
		validation.AtLeast("retries", o.retries, 0),
		validation.MinDuration("retry_delay", o.retryDelay, 0),
	)
}

func (o acquireOptions) retryBackoff() retry.Backoff {
	if o.backoff != nil {
		return o.backoff
	}
	return retry.Constant(o.retryDelay)
}
