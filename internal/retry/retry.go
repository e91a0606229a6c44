// Package retry provides the delay-and-retry loop used by lock acquisition.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrExhausted is returned by Do when every attempt reported not done.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Backoff computes the wait before retry number attempt (1-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same duration before every retry.
type Constant time.Duration

// Delay implements Backoff.
func (c Constant) Delay(int) time.Duration {
	if c < 0 {
		return 0
	}
	return time.Duration(c)
}

// Exponential doubles the delay on each retry starting at Base, capped at
// Max. With Jitter set, each delay is drawn uniformly from [d/2, d] so
// contenders that collided once spread out.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay implements Backoff.
func (e Exponential) Delay(attempt int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := e.Base
	for i := 1; i < attempt; i++ {
		if e.Max > 0 && d >= e.Max {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}

	if e.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half)+1))
	}
	return d
}

// Wait sleeps for d or until ctx is done, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it reports done, fn fails, or retries are used up.
// fn runs at most retries+1 times; between calls Do waits b.Delay(n).
// A cancelled ctx ends the loop during a wait with ctx.Err(); a call to fn
// already in progress is never interrupted by Do.
func Do(ctx context.Context, retries int, b Backoff, fn func(ctx context.Context) (bool, error)) error {
	if b == nil {
		b = Constant(0)
	}
	for attempt := 0; ; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= retries {
			return ErrExhausted
		}
		if err := Wait(ctx, b.Delay(attempt+1)); err != nil {
			return err
		}
	}
}
