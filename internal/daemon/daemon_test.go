package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sb-mirror/sbmirror/internal/checkpoint"
	"github.com/sb-mirror/sbmirror/internal/download"
	"github.com/sb-mirror/sbmirror/internal/store"
	sbsync "github.com/sb-mirror/sbmirror/internal/sync"
)

const testHeader = "videoID,startTime,endTime,votes,locked,UUID,userID,category,actionType,service,videoDuration,hashedVideoID\n"

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func csvLines(from, to int) string {
	var b strings.Builder
	for i := from; i < to; i++ {
		fmt.Fprintf(&b, "vid-%d,%d,%d,3,0,seg-%04d,user-1,sponsor,skip,YouTube,300,deadbeef1234\n", i, i, i+10, i)
	}
	return b.String()
}

// upstream serves a mutable CSV body with ETag and Range support.
type upstream struct {
	mu     sync.Mutex
	body   []byte
	status int // forced status, 0 to serve normally
}

func (u *upstream) set(body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.body = []byte(body)
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	body := u.body
	status := u.status
	u.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("ETag", fmt.Sprintf(`"%d"`, len(body)))
	http.ServeContent(w, r, "sponsorTimes.csv", time.Time{}, bytes.NewReader(body))
}

// recorder is an Observer that remembers what it was told.
type recorder struct {
	mu       sync.Mutex
	events   []string
	onSynced func()
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.list() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (r *recorder) OnCycleStarted(cycleID string) { r.add("started") }
func (r *recorder) OnDownloadComplete(cycleID string, res *download.Result) {
	r.add("download:" + res.Outcome.String())
}
func (r *recorder) OnSyncProgress(cycleID string, p sbsync.Progress) { r.add("progress") }
func (r *recorder) OnSyncComplete(cycleID string, res *sbsync.Result, elapsed time.Duration) {
	r.add(fmt.Sprintf("synced:%d", res.Applied))
	if r.onSynced != nil {
		r.onSynced()
	}
}
func (r *recorder) OnCycleFailed(cycleID, stage string, err error) { r.add("failed:" + stage) }

// fetcherFunc adapts a function to Fetcher.
type fetcherFunc func(ctx context.Context, url, localPath string) (*download.Result, error)

func (f fetcherFunc) Fetch(ctx context.Context, url, localPath string) (*download.Result, error) {
	return f(ctx, url, localPath)
}

func unchangedFetcher() Fetcher {
	return fetcherFunc(func(ctx context.Context, url, localPath string) (*download.Result, error) {
		return &download.Result{Path: localPath, Outcome: download.Unchanged}, nil
	})
}

type fakePublisher struct {
	mu      sync.Mutex
	names   []string
	existed bool
}

func (p *fakePublisher) Publish(ctx context.Context, localPath, objectName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := os.Stat(localPath)
	p.existed = err == nil
	p.names = append(p.names, objectName)
	return nil
}

type testEnv struct {
	store    *store.Store
	dataDir  string
	blobPath string
	observer *recorder
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	st, err := store.Open(filepath.Join(dataDir, "sponsorTimes.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return &testEnv{
		store:    st,
		dataDir:  dataDir,
		blobPath: filepath.Join(dataDir, "sponsorTimes.csv"),
		observer: &recorder{},
	}
}

func (e *testEnv) newDaemon(t *testing.T, fetcher Fetcher, mutate func(*Config)) *Daemon {
	t.Helper()

	cfg := &Config{
		URL:      "http://upstream.invalid/sponsorTimes.csv",
		BlobPath: e.blobPath,
		Interval: time.Hour,
		Observer: e.observer,
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	d, err := New(e.store, fetcher, &sbsync.Config{
		ProgressEvery:   10,
		SkipMaintenance: true,
		Logger:          testLogger(),
	}, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d
}

func (e *testEnv) segmentCount(t *testing.T) int {
	t.Helper()
	n, err := e.store.GetSegmentCount()
	if err != nil {
		t.Fatalf("GetSegmentCount() failed: %v", err)
	}
	return n
}

func httpFetcher() Fetcher {
	return download.New(&download.Config{Logger: testLogger()})
}

func TestNew_Validation(t *testing.T) {
	env := setupEnv(t)

	if _, err := New(nil, unchangedFetcher(), nil, &Config{URL: "u", BlobPath: "b"}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(env.store, nil, nil, &Config{URL: "u", BlobPath: "b"}); err == nil {
		t.Error("expected error for nil fetcher")
	}
	if _, err := New(env.store, unchangedFetcher(), nil, &Config{BlobPath: "b"}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(env.store, unchangedFetcher(), nil, &Config{URL: "u"}); err == nil {
		t.Error("expected error for empty blob path")
	}
}

func TestRunCycle_DownloadAndSync(t *testing.T) {
	env := setupEnv(t)
	up := &upstream{}
	up.set(testHeader + csvLines(0, 25))
	srv := httptest.NewServer(up)
	defer srv.Close()

	d := env.newDaemon(t, httpFetcher(), func(c *Config) { c.URL = srv.URL })

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if result.ID == "" {
		t.Error("cycle has no id")
	}
	if result.Err != nil || !result.Committed() {
		t.Fatalf("result = %+v, want committed cycle", result)
	}
	if got := env.segmentCount(t); got != 25 {
		t.Errorf("segment count = %d, want 25", got)
	}

	offset, _, _ := checkpoint.For(env.blobPath).Offset()
	if offset != int64(len(testHeader+csvLines(0, 25))) {
		t.Errorf("offset = %d", offset)
	}
	if _, err := os.Stat(filepath.Join(env.dataDir, download.AttributionFile)); err != nil {
		t.Errorf("attribution file missing: %v", err)
	}

	want := []string{"started", "download:updated", "progress", "progress", "synced:25"}
	if got := env.observer.list(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("events = %v, want %v", got, want)
	}

	// Second cycle: upstream unchanged, nothing to apply
	result, err = d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if result.Download.Outcome != download.Unchanged || result.Committed() {
		t.Errorf("second cycle = %+v / %+v, want unchanged and up to date", result.Download, result.Sync)
	}

	// Third cycle: upstream grew
	up.set(testHeader + csvLines(0, 40))
	result, err = d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if result.Download.Bytes != int64(len(csvLines(25, 40))) {
		t.Errorf("appended %d bytes, want %d", result.Download.Bytes, len(csvLines(25, 40)))
	}
	if got := env.segmentCount(t); got != 40 {
		t.Errorf("segment count = %d, want 40", got)
	}
}

func TestRunCycle_DownloadFailureSkipsSync(t *testing.T) {
	env := setupEnv(t)
	up := &upstream{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(up)
	defer srv.Close()

	d := env.newDaemon(t, httpFetcher(), func(c *Config) { c.URL = srv.URL })

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() = %v, want nil for transient failure", err)
	}
	if !errors.Is(result.Err, download.ErrUnexpectedResponse) {
		t.Errorf("result.Err = %v, want ErrUnexpectedResponse", result.Err)
	}
	if result.Sync != nil {
		t.Error("sync should not run after a failed download")
	}

	want := []string{"started", "failed:download"}
	if got := env.observer.list(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRunCycle_CancelledDownloadEndsCycle(t *testing.T) {
	env := setupEnv(t)
	fetcher := fetcherFunc(func(ctx context.Context, url, localPath string) (*download.Result, error) {
		return nil, fmt.Errorf("failed to request %s: %w", url, context.Canceled)
	})
	d := env.newDaemon(t, fetcher, nil)

	result, err := d.RunCycle(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle() error = %v, want context.Canceled", err)
	}
	if result.Err != nil || result.Sync != nil {
		t.Errorf("result = %+v, want no recorded failure and no sync", result)
	}
}

func TestRunCycle_MissingBlobIsNotFatal(t *testing.T) {
	env := setupEnv(t)
	d := env.newDaemon(t, unchangedFetcher(), nil)

	result, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() = %v, want nil", err)
	}
	if result.Err == nil {
		t.Error("expected a recorded sync error")
	}
	if env.observer.count("failed:sync") != 1 {
		t.Errorf("events = %v", env.observer.list())
	}
}

func TestRun_FatalStops(t *testing.T) {
	env := setupEnv(t)
	if err := os.WriteFile(env.blobPath, []byte(testHeader), 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	if err := checkpoint.For(env.blobPath).SetOffset(1 << 20); err != nil {
		t.Fatalf("SetOffset() failed: %v", err)
	}

	d := env.newDaemon(t, unchangedFetcher(), nil)

	err := d.Run(context.Background())
	if !errors.Is(err, sbsync.ErrCheckpointAhead) {
		t.Fatalf("Run() = %v, want ErrCheckpointAhead", err)
	}
	if !sbsync.IsFatal(err) {
		t.Error("Run() error should be fatal")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := setupEnv(t)
	if err := os.WriteFile(env.blobPath, []byte(testHeader+csvLines(0, 5)), 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.observer.onSynced = cancel

	d := env.newDaemon(t, unchangedFetcher(), nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil on cancellation", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	if got := env.segmentCount(t); got != 5 {
		t.Errorf("segment count = %d, want 5", got)
	}
}

func TestRun_CancelDuringSyncRollsBack(t *testing.T) {
	env := setupEnv(t)
	if err := os.WriteFile(env.blobPath, []byte(testHeader+csvLines(0, 100)), 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := env.newDaemon(t, unchangedFetcher(), nil)
	d.syncConfig.OnProgress = func(p sbsync.Progress) {
		if p.Applied >= 30 {
			cancel()
		}
	}

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil on cancellation", err)
	}

	if got := env.segmentCount(t); got != 0 {
		t.Errorf("segment count = %d, want 0 after rollback", got)
	}
	if _, ok, _ := checkpoint.For(env.blobPath).Offset(); ok {
		t.Error("offset should not have been written")
	}
	if env.observer.count("failed:sync") != 1 {
		t.Errorf("events = %v", env.observer.list())
	}
}

func TestRunCycle_PublishesSnapshot(t *testing.T) {
	env := setupEnv(t)
	content := testHeader + csvLines(0, 3)
	if err := os.WriteFile(env.blobPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}

	pub := &fakePublisher{}
	snapshotDir := filepath.Join(env.dataDir, "snapshots")
	d := env.newDaemon(t, unchangedFetcher(), func(c *Config) {
		c.Publisher = pub
		c.SnapshotDir = snapshotDir
	})

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	want := fmt.Sprintf("sponsorTimes-%d.db", len(content))
	if len(pub.names) != 1 || pub.names[0] != want {
		t.Fatalf("published %v, want [%s]", pub.names, want)
	}
	if !pub.existed {
		t.Error("snapshot file did not exist at publish time")
	}
	if _, err := os.Stat(filepath.Join(snapshotDir, want)); !os.IsNotExist(err) {
		t.Error("local snapshot should be removed after upload")
	}

	// Nothing new: nothing published
	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if len(pub.names) != 1 {
		t.Errorf("published %v after an up-to-date cycle", pub.names)
	}
}

func TestRun_WatcherTriggersEarlyCycle(t *testing.T) {
	env := setupEnv(t)
	content := testHeader + csvLines(0, 5)

	// The fetcher recreates the blob the way a fresh download would
	fetcher := fetcherFunc(func(ctx context.Context, url, localPath string) (*download.Result, error) {
		if _, err := os.Stat(localPath); os.IsNotExist(err) {
			if err := os.WriteFile(localPath, []byte(content), 0644); err != nil {
				return nil, err
			}
			return &download.Result{Path: localPath, Outcome: download.Updated, Size: int64(len(content))}, nil
		}
		return &download.Result{Path: localPath, Outcome: download.Unchanged}, nil
	})

	firstCycle := make(chan struct{})
	var once sync.Once
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	synced := 0
	env.observer.onSynced = func() {
		synced++
		if synced == 1 {
			once.Do(func() { close(firstCycle) })
		} else {
			cancel()
		}
	}

	d := env.newDaemon(t, fetcher, func(c *Config) { c.Watch = true })

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-firstCycle:
	case <-time.After(10 * time.Second):
		t.Fatal("first cycle did not complete")
	}

	// Let the daemon reach its wait before touching the blob
	time.Sleep(200 * time.Millisecond)
	if err := os.Remove(env.blobPath); err != nil {
		t.Fatalf("failed to remove blob: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("removing the blob did not trigger an early cycle")
	}

	if got := env.observer.count("started"); got != 2 {
		t.Errorf("cycles started = %d, want 2", got)
	}
}
