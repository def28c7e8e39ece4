package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T) (*BlobWatcher, string) {
	t.Helper()

	blobPath := filepath.Join(t.TempDir(), "data", "sponsorTimes.csv")
	bw, err := NewBlobWatcher(blobPath, testLogger())
	if err != nil {
		t.Fatalf("NewBlobWatcher() failed: %v", err)
	}
	if err := bw.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { bw.Stop() })
	return bw, blobPath
}

func expectTrigger(t *testing.T, bw *BlobWatcher) {
	t.Helper()
	select {
	case <-bw.Triggers():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a trigger")
	}
}

func expectNoTrigger(t *testing.T, bw *BlobWatcher) {
	t.Helper()
	select {
	case <-bw.Triggers():
		t.Fatal("unexpected trigger")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBlobWatcher_StartStop(t *testing.T) {
	bw, blobPath := startWatcher(t)

	if !bw.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if _, err := os.Stat(filepath.Dir(blobPath)); err != nil {
		t.Errorf("data directory not created: %v", err)
	}
	if err := bw.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	if err := bw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if bw.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	if err := bw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestBlobWatcher_CreateAndRemove(t *testing.T) {
	bw, blobPath := startWatcher(t)

	if err := os.WriteFile(blobPath, []byte("videoID\n"), 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	expectTrigger(t, bw)

	if err := os.Remove(blobPath); err != nil {
		t.Fatalf("failed to remove blob: %v", err)
	}
	expectTrigger(t, bw)
}

func TestBlobWatcher_IgnoresOtherFiles(t *testing.T) {
	bw, blobPath := startWatcher(t)

	other := filepath.Join(filepath.Dir(blobPath), "sponsorTimes.csv.offset")
	if err := os.WriteFile(other, []byte("42"), 0644); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}
	expectNoTrigger(t, bw)
}

func TestBlobWatcher_IgnoresAppends(t *testing.T) {
	_, blobPath := startWatcher(t)
	// Create before the watcher under test starts so only the append is seen
	if err := os.WriteFile(blobPath, []byte("videoID\n"), 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}

	bw, err := NewBlobWatcher(blobPath, testLogger())
	if err != nil {
		t.Fatalf("NewBlobWatcher() failed: %v", err)
	}
	if err := bw.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer bw.Stop()

	f, err := os.OpenFile(blobPath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("failed to open blob: %v", err)
	}
	f.WriteString("abc\n")
	f.Close()

	expectNoTrigger(t, bw)
}

func TestBlobWatcher_PauseDropsEvents(t *testing.T) {
	bw, blobPath := startWatcher(t)

	bw.Pause()
	if err := os.WriteFile(blobPath, []byte("videoID\n"), 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	// Give the event time to arrive while paused
	time.Sleep(200 * time.Millisecond)
	bw.Resume()

	expectNoTrigger(t, bw)
}
