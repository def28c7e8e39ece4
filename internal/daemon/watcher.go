package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// BlobWatcher signals when the blob is created, removed or renamed by
// something other than the daemon itself, e.g. an operator deleting it to
// force a full re-download.
//
// The data directory is watched rather than the blob, since the blob may
// not exist yet and watches on removed files are dropped.
type BlobWatcher struct {
	watcher  *fsnotify.Watcher
	blobPath string
	logger   *log.Logger

	triggers chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	paused   atomic.Bool
}

// NewBlobWatcher creates a watcher for blobPath.
// The watcher must be started with Start() before it will emit triggers.
func NewBlobWatcher(blobPath string, logger *log.Logger) (*BlobWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = DefaultConfig().Logger
	}

	return &BlobWatcher{
		watcher:  watcher,
		blobPath: filepath.Clean(blobPath),
		logger:   logger,
		triggers: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the blob's directory, creating it if needed.
func (bw *BlobWatcher) Start() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(bw.blobPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := bw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch data directory %s: %w", dir, err)
	}

	bw.running = true
	bw.wg.Add(1)
	go bw.processEvents()

	return nil
}

// Stop stops watching and waits for the event loop to exit.
// Stopping a watcher that was never started just releases it.
func (bw *BlobWatcher) Stop() error {
	bw.mu.Lock()
	if !bw.running {
		bw.mu.Unlock()
		return bw.watcher.Close()
	}
	bw.running = false
	bw.mu.Unlock()

	close(bw.done)

	if err := bw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	bw.wg.Wait()
	return nil
}

// Triggers receives a value when an early cycle is due. At most one trigger
// is buffered.
func (bw *BlobWatcher) Triggers() <-chan struct{} {
	return bw.triggers
}

// Pause drops events until Resume, so the daemon's own writes during a
// cycle don't schedule another one.
func (bw *BlobWatcher) Pause() {
	bw.paused.Store(true)
}

// Resume re-enables triggers and discards any raised while paused.
func (bw *BlobWatcher) Resume() {
	select {
	case <-bw.triggers:
	default:
	}
	bw.paused.Store(false)
}

// IsRunning returns true if the watcher is currently running.
func (bw *BlobWatcher) IsRunning() bool {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.running
}

func (bw *BlobWatcher) processEvents() {
	defer bw.wg.Done()

	for {
		select {
		case <-bw.done:
			return

		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if !bw.relevant(event) || bw.paused.Load() {
				continue
			}

			bw.logger.Printf("Blob event: %s %s", event.Op, event.Name)
			select {
			case bw.triggers <- struct{}{}:
			default:
			}

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			bw.logger.Printf("Watcher error: %v", err)
		}
	}
}

// relevant reports whether event replaces or removes the blob. Writes are
// ignored: only the downloader appends to the blob.
func (bw *BlobWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != bw.blobPath {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
