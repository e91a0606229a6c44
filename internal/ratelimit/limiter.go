// Package ratelimit implements a sliding window rate limiter whose state
// lives in a shared store, so every process using the same store enforces
// one limit.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/gourl/coord/internal/validation"
)

// ErrRateLimitExceeded is returned by callers that turn a rejection into an
// error.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// KeyPrefix namespaces rate windows in the store.
const KeyPrefix = "ratelimit:"

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	// ResetAt is when the window counted by this check has fully elapsed.
	ResetAt time.Time
	// RetryAfter is zero when allowed, otherwise the time until the oldest
	// counted entry leaves the window.
	RetryAfter time.Duration
}

// Limiter is a rate limiter bound to a fixed limit and window.
type Limiter interface {
	// Allow checks if a request from the given identifier is allowed.
	Allow(ctx context.Context, identifier string) (*Result, error)

	// Reset clears the rate limit state for an identifier.
	Reset(ctx context.Context, identifier string) error

	// Close releases any resources held by the limiter.
	Close() error
}

// Options selects the window a check runs against.
type Options struct {
	Limit  int
	Window time.Duration
	// Key names the limit, so one identifier can be limited independently
	// per action.
	Key string
}

// DefaultOptions returns a default configuration.
func DefaultOptions() Options {
	return Options{
		Limit:  100,
		Window: time.Minute,
		Key:    "default",
	}
}

func (o Options) validate(identifier string) error {
	return validation.First(
		validation.NonEmpty("identifier", identifier),
		validation.NonEmpty("key", o.Key),
		validation.AtLeast("limit", o.Limit, 1),
		validation.MinDuration("window", o.Window, time.Millisecond),
	)
}

// merge returns o with the non-zero fields of override applied.
func (o Options) merge(override Options) Options {
	if override.Limit != 0 {
		o.Limit = override.Limit
	}
	if override.Window != 0 {
		o.Window = override.Window
	}
	if override.Key != "" {
		o.Key = override.Key
	}
	return o
}
