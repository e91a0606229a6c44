package lock

import (
	"errors"
	"fmt"
)

// ErrNotAcquired is returned by WithLock and Do when the lock stayed taken
// through every attempt.
var ErrNotAcquired = errors.New("lock not acquired")

// AcquisitionError carries the key WithLock could not lock. It matches
// ErrNotAcquired via errors.Is.
type AcquisitionError struct {
	Key string
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s: %q", ErrNotAcquired, e.Key)
}

func (e *AcquisitionError) Unwrap() error {
	return ErrNotAcquired
}
