// Package sync applies the locally mirrored CSV blob to the segment store.
//
// A sync resumes from the committed offset recorded next to the blob,
// rewinds a small margin to absorb boundary imprecision, and upserts every
// record it can parse inside one transaction. The offset only advances after
// that transaction commits, so an aborted or cancelled sync leaves both the
// store and the offset exactly as they were.
package sync

import "context"

// Syncer keeps the segment store in sync with the local CSV blob.
type Syncer interface {
	// Sync applies the part of blobPath that hasn't been committed yet.
	//
	// Returns immediately when the blob length equals the committed offset.
	// A blob shorter than the committed offset is reported as
	// ErrCheckpointAhead, which is fatal: the upstream only ever appends.
	//
	// Cancelling ctx stops the sync at the next record boundary and rolls
	// back everything applied in this call.
	//
	// Example:
	//   result, err := syncer.Sync(ctx, "/data/sponsorTimes.csv")
	Sync(ctx context.Context, blobPath string) (*Result, error)
}

// Result summarises one Sync call.
type Result struct {
	// UpToDate is set when there was nothing to apply.
	UpToDate bool

	// PreviousOffset is the committed offset before the sync.
	PreviousOffset int64

	// Offset is the committed offset after the sync.
	Offset int64

	// ResumedAt is the byte position reading started from.
	ResumedAt int64

	// Applied counts upserted records, including re-read ones.
	Applied int

	// Skipped counts records that could not be parsed.
	Skipped int

	// Header is the header row of the blob.
	Header string
}

// Progress is reported periodically while records are applied.
type Progress struct {
	Applied  int
	Position int64
	Total    int64
}
