// Package store defines the shared-store contract the coordination
// primitives run their transactions through.
//
// Every method is one indivisible transaction: implementations guarantee
// that, for a given key, no other caller observes or interleaves with a
// partially applied step. Distinct keys never interact, so no operation
// spans more than one key.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps every transport or server-side failure. The original
// error stays reachable through errors.Is / errors.As.
var ErrUnavailable = errors.New("store unavailable")

// Unavailable wraps err with ErrUnavailable. It returns nil for a nil err.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// WindowRequest is one sliding-window admission attempt.
type WindowRequest struct {
	Now    time.Time
	Window time.Duration
	Limit  int
	Tag    string
}

// Cutoff is the timestamp at or before which entries are pruned.
func (r WindowRequest) Cutoff() time.Time {
	return r.Now.Add(-r.Window)
}

// WindowReply reports the outcome of Admit.
type WindowReply struct {
	Allowed bool
	// Count is the number of live entries before this attempt.
	Count int
	// Oldest is the timestamp of the oldest live entry after the attempt.
	// It is zero when the window is empty.
	Oldest time.Time
}

// Windows stores sliding rate windows.
type Windows interface {
	// Admit prunes entries at or before req.Cutoff(), counts the rest and,
	// when the count is below req.Limit, records an entry tagged req.Tag at
	// req.Now and pushes the key's expiry to req.Window. A rejected attempt
	// mutates nothing.
	Admit(ctx context.Context, key string, req WindowRequest) (WindowReply, error)

	// Drop deletes the window unconditionally.
	Drop(ctx context.Context, key string) error
}

// Leases stores token-owned, self-expiring locks.
type Leases interface {
	// Claim stores token under key with the given ttl only if key holds no
	// live lease.
	Claim(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release deletes key only if it currently holds token.
	Release(ctx context.Context, key, token string) (bool, error)

	// Renew resets the ttl of key only if it currently holds token.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Store is a complete backend.
type Store interface {
	Windows
	Leases

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}
