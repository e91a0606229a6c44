// Package validation holds the argument errors raised by the coordination
// primitives before they touch the store.
package validation

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalid matches every *Error via errors.Is.
var ErrInvalid = errors.New("invalid argument")

// Error reports a malformed argument. It is returned synchronously and is
// never worth retrying.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalid.
func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

// NonEmpty fails when value is the empty string.
func NonEmpty(field, value string) error {
	if value == "" {
		return &Error{Field: field, Reason: "must not be empty"}
	}
	return nil
}

// AtLeast fails when n < min.
func AtLeast(field string, n, min int) error {
	if n < min {
		return &Error{Field: field, Reason: fmt.Sprintf("must be at least %d, got %d", min, n)}
	}
	return nil
}

// AtMost fails when n > max.
func AtMost(field string, n, max int) error {
	if n > max {
		return &Error{Field: field, Reason: fmt.Sprintf("must be at most %d, got %d", max, n)}
	}
	return nil
}

// MinDuration fails when d < min.
func MinDuration(field string, d, min time.Duration) error {
	if d < min {
		return &Error{Field: field, Reason: fmt.Sprintf("must be at least %s, got %s", min, d)}
	}
	return nil
}

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// Millis converts a millisecond count from the wire to a Duration, failing
// instead of wrapping when it does not fit.
func Millis(field string, ms int64) (time.Duration, error) {
	if ms > maxMillis || ms < -maxMillis {
		return 0, &Error{Field: field, Reason: fmt.Sprintf("must be at most %d, got %d", maxMillis, ms)}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// First returns the first non-nil error.
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
