// Package loadtest exercises the store the way the serving API does: many
// concurrent hash prefix lookups, optionally while an import transaction is
// open, to validate lookup latency and that readers never observe
// uncommitted rows.
package loadtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sb-mirror/sbmirror/internal/segment"
	"github.com/sb-mirror/sbmirror/internal/store"
)

// pendingCategory marks rows written by the isolation check; they are never
// committed.
const pendingCategory = "loadtest-pending"

var categories = []string{"sponsor", "selfpromo", "interaction", "intro", "outro", "preview", "music_offtopic", "filler"}

// TestStore is a store populated with synthetic segments.
type TestStore struct {
	Store         *store.Store
	Prefixes      []string // hash prefixes present in the store
	TotalSegments int
	Videos        int
}

// LatencyStats captures lookup latency.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration `json:"-"`
}

// CreateTestStore creates a store at path holding numSegments segments spread
// over numVideos videos.
//
// Video hashes are SHA-256 of the video id, as clients compute them, so
// prefixes are distributed the way real lookups are.
func CreateTestStore(ctx context.Context, path string, numSegments, numVideos int) (*TestStore, error) {
	if numSegments <= 0 || numVideos <= 0 {
		return nil, fmt.Errorf("segment and video counts must be positive")
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	ts := &TestStore{
		Store:         st,
		TotalSegments: numSegments,
		Videos:        numVideos,
	}

	imp, err := st.BeginImport(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	defer imp.Rollback()

	seen := make(map[string]bool)
	for _, seg := range generateSegments(numSegments, numVideos) {
		if err := imp.Upsert(ctx, seg); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to insert segment %s: %w", seg.ID, err)
		}
		if p := seg.HashPrefix(); !seen[p] {
			seen[p] = true
			ts.Prefixes = append(ts.Prefixes, p)
		}
	}
	if err := imp.Commit(); err != nil {
		_ = st.Close()
		return nil, err
	}
	sort.Strings(ts.Prefixes)

	return ts, nil
}

// Close closes the store.
func (ts *TestStore) Close() error {
	if ts.Store != nil {
		return ts.Store.Close()
	}
	return nil
}

// RunConcurrentLookups simulates numClients clients each performing
// queriesPerClient lookups of existing prefixes.
func (ts *TestStore) RunConcurrentLookups(ctx context.Context, numClients, queriesPerClient int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	var errorCount atomic.Int64
	results := make(chan []time.Duration, numClients)

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(client)))
			durations := make([]time.Duration, 0, queriesPerClient)
			for j := 0; j < queriesPerClient; j++ {
				start := time.Now()
				_, err := ts.Store.FindByHashPrefix(ctx, ts.randomPrefix(rng), store.LookupFilter{
					Categories: []string{segment.DefaultCategory, "selfpromo"},
					Service:    "YouTube",
				})
				if err != nil {
					errorCount.Add(1)
					continue
				}
				durations = append(durations, time.Since(start))
			}
			results <- durations
		}(i)
	}

	wg.Wait()
	close(results)

	var all []time.Duration
	for durations := range results {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no successful lookups completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = int(errorCount.Load())
	return stats, nil
}

// VerifyReadIsolation holds an import transaction open for duration, writing
// rows into it, while numClients readers keep querying. Readers must see
// exactly the committed state throughout. The import is rolled back at the
// end.
func (ts *TestStore) VerifyReadIsolation(ctx context.Context, numClients int, duration time.Duration) error {
	baseline, err := ts.Store.GetSegmentCountContext(ctx)
	if err != nil {
		return err
	}

	imp, err := ts.Store.BeginImport(ctx)
	if err != nil {
		return err
	}
	defer imp.Rollback()

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, numClients+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; runCtx.Err() == nil; i++ {
			seg := newSegment(fmt.Sprintf("pending-%06d", i), fmt.Sprintf("pending-video-%d", i%50), pendingCategory, float64(i))
			// ctx, not runCtx: the transaction must outlive the check
			if err := imp.Upsert(ctx, seg); err != nil {
				errs <- fmt.Errorf("writer failed: %w", err)
				return
			}
		}
	}()

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(client)))

			for runCtx.Err() == nil {
				count, err := ts.Store.GetSegmentCountContext(ctx)
				if err != nil {
					errs <- fmt.Errorf("client %d count failed: %w", client, err)
					return
				}
				if count != baseline {
					errs <- fmt.Errorf("client %d saw %d segments, committed %d", client, count, baseline)
					return
				}

				groups, err := ts.Store.FindByHashPrefix(ctx, ts.randomPrefix(rng), store.LookupFilter{
					Categories: []string{pendingCategory},
					Service:    "YouTube",
				})
				if err != nil {
					errs <- fmt.Errorf("client %d lookup failed: %w", client, err)
					return
				}
				if len(groups) > 0 {
					errs <- fmt.Errorf("client %d saw uncommitted segments", client)
					return
				}

				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	if err, ok := <-errs; ok {
		return err
	}
	if imp.Applied() == 0 {
		return fmt.Errorf("writer applied no rows")
	}
	return nil
}

// GetStats returns statistics about the test store.
func (ts *TestStore) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_segments": ts.TotalSegments,
		"videos":         ts.Videos,
		"prefixes":       len(ts.Prefixes),
	}
}

func (ts *TestStore) randomPrefix(rng *rand.Rand) string {
	return ts.Prefixes[rng.Intn(len(ts.Prefixes))]
}

// generateSegments spreads count segments over videos, cycling categories.
func generateSegments(count, videos int) []*segment.Segment {
	segs := make([]*segment.Segment, count)
	for i := 0; i < count; i++ {
		segs[i] = newSegment(
			fmt.Sprintf("loadtest-%07d", i),
			fmt.Sprintf("video-%06d", i%videos),
			categories[i%len(categories)],
			float64((i/videos)*30),
		)
	}
	return segs
}

func newSegment(id, videoID, category string, start float64) *segment.Segment {
	sum := sha256.Sum256([]byte(videoID))
	return &segment.Segment{
		ID:            id,
		VideoID:       videoID,
		HashFull:      hex.EncodeToString(sum[:]),
		StartTime:     start,
		EndTime:       start + 15,
		Category:      category,
		ActionType:    "skip",
		Service:       "YouTube",
		UserID:        "loadtest",
		Votes:         1,
		VideoDuration: 600,
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats writes the statistics in a human-readable form.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
