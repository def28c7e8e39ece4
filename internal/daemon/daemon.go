package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sb-mirror/sbmirror/internal/download"
	"github.com/sb-mirror/sbmirror/internal/store"
	"github.com/sb-mirror/sbmirror/internal/sync"
)

// Fetcher brings the local blob up to date with the upstream.
type Fetcher interface {
	Fetch(ctx context.Context, url, localPath string) (*download.Result, error)
}

// Publisher uploads a store snapshot.
type Publisher interface {
	Publish(ctx context.Context, localPath, objectName string) error
}

// Observer is notified of every cycle's progress. events.Handler implements it.
type Observer interface {
	OnCycleStarted(cycleID string)
	OnDownloadComplete(cycleID string, result *download.Result)
	OnSyncProgress(cycleID string, p sync.Progress)
	OnSyncComplete(cycleID string, result *sync.Result, elapsed time.Duration)
	OnCycleFailed(cycleID, stage string, err error)
}

// Stages reported to OnCycleFailed.
const (
	StageDownload = "download"
	StageSync     = "sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// URL of the upstream CSV blob
	URL string

	// BlobPath is where the blob is mirrored locally
	BlobPath string

	// Interval is how long to sleep between cycles
	Interval time.Duration

	// Watch enables an early cycle when the blob is created or removed
	// outside a running cycle
	Watch bool

	// SnapshotDir, together with Publisher, enables snapshot publishing
	SnapshotDir string

	// SnapshotName names the snapshot taken at an offset
	SnapshotName func(offset int64) string

	// Publisher, if set, receives a snapshot after every commit
	Publisher Publisher

	// Observer, if set, is notified of cycle progress
	Observer Observer

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 300 * time.Second,
		SnapshotName: func(offset int64) string {
			return fmt.Sprintf("sponsorTimes-%d.db", offset)
		},
		Logger: log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// CycleResult summarises one ingestion cycle.
type CycleResult struct {
	ID       string
	Download *download.Result // nil if the download failed
	Sync     *sync.Result     // nil if the sync did not run or failed
	Err      error            // non-fatal failure that skipped the rest of the cycle
	Elapsed  time.Duration
}

// Committed reports whether the cycle committed new records.
func (r *CycleResult) Committed() bool {
	return r.Sync != nil && !r.Sync.UpToDate
}

// Daemon orchestrates download and sync cycles.
type Daemon struct {
	store      *store.Store
	fetcher    Fetcher
	syncConfig sync.Config
	config     *Config
}

// New creates a new Daemon instance.
//
// The store must be open with its schema initialized. syncConfig is copied;
// its OnProgress callback is still called for every progress report.
func New(st *store.Store, fetcher Fetcher, syncConfig *sync.Config, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.URL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}
	if config.BlobPath == "" {
		return nil, fmt.Errorf("blob path cannot be empty")
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.SnapshotName == nil {
		config.SnapshotName = defaults.SnapshotName
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if syncConfig == nil {
		syncConfig = sync.DefaultConfig()
	}

	return &Daemon{
		store:      st,
		fetcher:    fetcher,
		syncConfig: *syncConfig,
		config:     config,
	}, nil
}

// Run performs cycles until ctx is cancelled or a fatal error occurs.
//
// Returns nil on cancellation. A non-nil error is always fatal (data
// corruption) and means the mirror must not keep serving from this blob
// without intervention.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	var watcher *BlobWatcher
	if d.config.Watch {
		w, err := NewBlobWatcher(d.config.BlobPath, d.config.Logger)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		watcher = w
	}

	for {
		if watcher != nil {
			watcher.Pause()
		}
		_, err := d.RunCycle(ctx)
		if watcher != nil {
			watcher.Resume()
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				d.config.Logger.Println("Daemon stopped")
				return nil
			}
			return err
		}

		if !d.wait(ctx, watcher) {
			d.config.Logger.Println("Daemon stopped")
			return nil
		}
	}
}

// wait sleeps until the next cycle is due. Returns false if ctx was cancelled.
func (d *Daemon) wait(ctx context.Context, watcher *BlobWatcher) bool {
	d.config.Logger.Printf("Syncing again in %s", d.config.Interval)

	timer := time.NewTimer(d.config.Interval)
	defer timer.Stop()

	var triggers <-chan struct{}
	if watcher != nil {
		triggers = watcher.Triggers()
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-triggers:
		d.config.Logger.Println("Blob changed on disk, syncing early")
		return true
	}
}

// RunCycle performs one download and sync.
//
// Returns an error only for fatal failures and cancellation. Download and
// store failures are logged, reported to the observer and recorded in
// CycleResult.Err.
func (d *Daemon) RunCycle(ctx context.Context) (*CycleResult, error) {
	started := time.Now()
	result := &CycleResult{ID: uuid.NewString()}
	d.config.Logger.Printf("Cycle %s started", result.ID)
	d.notify(func(o Observer) { o.OnCycleStarted(result.ID) })

	if _, err := download.EnsureAttribution(filepath.Dir(d.config.BlobPath)); err != nil {
		d.config.Logger.Printf("Warning: %v", err)
	}

	dl, err := d.fetcher.Fetch(ctx, d.config.URL, d.config.BlobPath)
	if err != nil {
		if !download.IsTransient(err) || ctx.Err() != nil {
			return result, fmt.Errorf("cycle %s cancelled: %w", result.ID, err)
		}
		d.config.Logger.Printf("Cycle %s: download failed, skipping: %v", result.ID, err)
		d.notify(func(o Observer) { o.OnCycleFailed(result.ID, StageDownload, err) })
		result.Err = err
		result.Elapsed = time.Since(started)
		return result, nil
	}
	result.Download = dl
	d.notify(func(o Observer) { o.OnDownloadComplete(result.ID, dl) })

	sr, err := d.newSyncer(result.ID).Sync(ctx, d.config.BlobPath)
	if err != nil {
		result.Elapsed = time.Since(started)
		d.notify(func(o Observer) { o.OnCycleFailed(result.ID, StageSync, err) })
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return result, fmt.Errorf("cycle %s cancelled: %w", result.ID, err)
		}
		if sync.IsFatal(err) {
			d.config.Logger.Printf("Cycle %s: fatal: %v", result.ID, err)
			return result, fmt.Errorf("cycle %s: %w", result.ID, err)
		}
		d.config.Logger.Printf("Cycle %s: sync failed, will retry: %v", result.ID, err)
		result.Err = err
		return result, nil
	}
	result.Sync = sr
	result.Elapsed = time.Since(started)
	d.notify(func(o Observer) { o.OnSyncComplete(result.ID, sr, result.Elapsed) })

	if result.Committed() {
		d.publishSnapshot(ctx, result.ID, sr.Offset)
	}

	d.config.Logger.Printf("Cycle %s finished in %s", result.ID, result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// newSyncer builds a syncer whose progress reports carry the cycle id.
func (d *Daemon) newSyncer(cycleID string) sync.Syncer {
	cfg := d.syncConfig
	inner := cfg.OnProgress
	cfg.OnProgress = func(p sync.Progress) {
		if inner != nil {
			inner(p)
		}
		d.notify(func(o Observer) { o.OnSyncProgress(cycleID, p) })
	}
	return sync.New(d.store, &cfg)
}

// publishSnapshot exports the store and uploads it. Failures never affect
// the committed cycle, so they are only logged.
func (d *Daemon) publishSnapshot(ctx context.Context, cycleID string, offset int64) {
	if d.config.Publisher == nil || d.config.SnapshotDir == "" {
		return
	}

	name := d.config.SnapshotName(offset)
	localPath := filepath.Join(d.config.SnapshotDir, name)
	defer os.Remove(localPath)

	if err := d.store.Snapshot(ctx, localPath); err != nil {
		d.config.Logger.Printf("Cycle %s: snapshot failed: %v", cycleID, err)
		return
	}
	if err := d.config.Publisher.Publish(ctx, localPath, name); err != nil {
		d.config.Logger.Printf("Cycle %s: snapshot upload failed: %v", cycleID, err)
		return
	}
	d.config.Logger.Printf("Cycle %s: published snapshot %s", cycleID, name)
}

func (d *Daemon) notify(fn func(Observer)) {
	if d.config.Observer != nil {
		fn(d.config.Observer)
	}
}
