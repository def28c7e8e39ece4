// Package daemon runs the ingestion loop that keeps the local mirror current.
//
// Each cycle is strictly serialized:
//
//  1. Fetch: the downloader appends whatever the upstream has beyond the local
//     blob, or reports it unchanged
//  2. Sync: the syncer applies everything past the committed offset inside
//     one transaction and advances the offset after commit
//  3. Snapshot (optional): a copy of the committed store is uploaded to
//     object storage
//  4. Wait: until the interval elapses, the blob is replaced or removed
//     behind the daemon's back, or the context is cancelled
//
// Failure handling per stage:
//   - Download failures are logged and the cycle is skipped; the next cycle
//     retries from whatever is on disk.
//   - Store failures roll the cycle back and are retried next interval.
//   - Data corruption (sync.IsFatal) stops Run and is returned to the caller.
//   - Cancellation stops Run cleanly; an in-flight sync rolls back.
//
// Usage:
//
//	d, err := daemon.New(st, downloader, syncConfig, &daemon.Config{
//	    URL:      cfg.CSVURL,
//	    BlobPath: cfg.BlobPath(),
//	    Interval: cfg.Interval(),
//	    Watch:    true,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := d.Run(ctx); err != nil {
//	    return err // only fatal errors end up here
//	}
package daemon
