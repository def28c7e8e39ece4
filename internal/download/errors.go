package download

import (
	"context"
	"errors"
)

// Sentinel errors for upstream responses the downloader refuses to apply.
// Both mean the cycle is skipped and retried at the next interval.
var (
	// ErrUnexpectedResponse indicates a status code or content type other
	// than the one expected for the request that was sent.
	ErrUnexpectedResponse = errors.New("unexpected upstream response")

	// ErrMissingContentLength indicates the upstream did not announce the
	// body length, so progress can't be accounted for.
	ErrMissingContentLength = errors.New("upstream response has no content length")
)

// IsTransient reports whether err is a download failure that should simply
// be retried on the next cycle. Cancellation is not transient: it means the
// process is shutting down.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
