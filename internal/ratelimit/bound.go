package ratelimit

import "context"

// Bound is a SlidingWindow with default options applied to every call.
type Bound struct {
	limiter  *SlidingWindow
	defaults Options
}

var _ Limiter = (*Bound)(nil)

// Allow checks identifier against the bound defaults.
func (b *Bound) Allow(ctx context.Context, identifier string) (*Result, error) {
	return b.limiter.Check(ctx, identifier, b.defaults)
}

// AllowWith checks identifier with the non-zero fields of override replacing
// the defaults.
func (b *Bound) AllowWith(ctx context.Context, identifier string, override Options) (*Result, error) {
	return b.limiter.Check(ctx, identifier, b.defaults.merge(override))
}

// Reset clears identifier's window under the bound key.
func (b *Bound) Reset(ctx context.Context, identifier string) error {
	return b.limiter.Reset(ctx, identifier, b.defaults.Key)
}

// Options returns the bound defaults.
func (b *Bound) Options() Options {
	return b.defaults
}

// Close is a no-op; the store belongs to whoever created the SlidingWindow.
func (b *Bound) Close() error {
	return nil
}
