package sync

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for sync failures.
var (
	// ErrDataCorruption is the class of failures where continuing could
	// serve inconsistent or silently truncated data. It stops the process.
	ErrDataCorruption = errors.New("data corruption")

	// ErrCheckpointAhead indicates the committed offset is past the end of
	// the local blob.
	ErrCheckpointAhead = fmt.Errorf("%w: committed offset exceeds blob length", ErrDataCorruption)

	// ErrTooManyFailures indicates too many consecutive unparsable records.
	ErrTooManyFailures = fmt.Errorf("%w: too many consecutive unparsable records", ErrDataCorruption)

	// ErrStoreFailure indicates the store rejected a write or the commit.
	// The cycle is rolled back; the next one starts from the same offset.
	ErrStoreFailure = errors.New("store failure")
)

// IsFatal reports whether err should stop the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDataCorruption)
}

// IsRetryable reports whether the cycle that returned err can simply be run
// again later.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
