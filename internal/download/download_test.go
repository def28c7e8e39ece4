package download

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sb-mirror/sbmirror/internal/checkpoint"
)

func newTestDownloader() *Downloader {
	return New(&Config{
		UserAgent: UserAgent("test"),
		Logger:    log.New(os.Stderr, "[test] ", 0),
	})
}

func testBlobPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sponsorTimes.csv")
}

func writeBlob(t *testing.T, path, content, validator string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	if validator != "" {
		if err := checkpoint.For(path).SetValidator(validator); err != nil {
			t.Fatalf("SetValidator() failed: %v", err)
		}
	}
}

func readBlob(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read blob: %v", err)
	}
	return string(data)
}

func TestFetch_Fresh(t *testing.T) {
	body := "UUID,videoID\nu1,v1\n"
	var gotUA, gotRange, gotINM string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotRange = r.Header.Get("Range")
		gotINM = r.Header.Get("If-None-Match")
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	path := testBlobPath(t)
	result, err := newTestDownloader().Fetch(context.Background(), srv.URL, path)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if result.Outcome != Updated {
		t.Errorf("Outcome = %v, want updated", result.Outcome)
	}
	if result.Bytes != int64(len(body)) || result.Size != int64(len(body)) {
		t.Errorf("Bytes/Size = %d/%d, want %d", result.Bytes, result.Size, len(body))
	}
	if got := readBlob(t, path); got != body {
		t.Errorf("blob = %q, want %q", got, body)
	}

	if v, _ := checkpoint.For(path).Validator(); v != `"v1"` {
		t.Errorf("validator = %q, want %q", v, `"v1"`)
	}

	if gotUA != "sb-mirror (mirror-test, "+Homepage+")" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotRange != "" || gotINM != "" {
		t.Errorf("fresh fetch sent Range=%q If-None-Match=%q", gotRange, gotINM)
	}
}

func TestFetch_Resume(t *testing.T) {
	var gotRange, gotINM string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotINM = r.Header.Get("If-None-Match")
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("u2,v2\n"))
	}))
	defer srv.Close()

	path := testBlobPath(t)
	writeBlob(t, path, "UUID,videoID\nu1,v1\n", `"v1"`)

	result, err := newTestDownloader().Fetch(context.Background(), srv.URL, path)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}

	if gotRange != "bytes=19-" {
		t.Errorf("Range = %q, want %q", gotRange, "bytes=19-")
	}
	if gotINM != `"v1"` {
		t.Errorf("If-None-Match = %q, want %q", gotINM, `"v1"`)
	}

	if result.Outcome != Updated || result.Bytes != 6 || result.Size != 25 {
		t.Errorf("Result = %+v", result)
	}
	if got := readBlob(t, path); got != "UUID,videoID\nu1,v1\nu2,v2\n" {
		t.Errorf("blob = %q", got)
	}
	if v, _ := checkpoint.For(path).Validator(); v != `"v2"` {
		t.Errorf("validator = %q, want %q", v, `"v2"`)
	}
}

func TestFetch_Unchanged(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"not modified", http.StatusNotModified},
		{"range not satisfiable", http.StatusRequestedRangeNotSatisfiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			path := testBlobPath(t)
			writeBlob(t, path, "UUID,videoID\n", `"v1"`)

			result, err := newTestDownloader().Fetch(context.Background(), srv.URL, path)
			if err != nil {
				t.Fatalf("Fetch() failed: %v", err)
			}
			if result.Outcome != Unchanged {
				t.Errorf("Outcome = %v, want unchanged", result.Outcome)
			}
			if result.Bytes != 0 {
				t.Errorf("Bytes = %d, want 0", result.Bytes)
			}
			if got := readBlob(t, path); got != "UUID,videoID\n" {
				t.Errorf("blob modified: %q", got)
			}
			if v, _ := checkpoint.For(path).Validator(); v != `"v1"` {
				t.Errorf("validator modified: %q", v)
			}
		})
	}
}

func TestFetch_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		resume  bool
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantErr: ErrUnexpectedResponse,
		},
		{
			name:   "full body when resuming",
			resume: true,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/csv")
				w.Write([]byte("UUID,videoID\n"))
			},
			wantErr: ErrUnexpectedResponse,
		},
		{
			name: "wrong content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.Write([]byte("<html></html>"))
			},
			wantErr: ErrUnexpectedResponse,
		},
		{
			name: "missing content length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/csv")
				w.WriteHeader(http.StatusOK)
				// Flushing before the body forces chunked encoding
				w.(http.Flusher).Flush()
				w.Write([]byte("UUID,videoID\n"))
			},
			wantErr: ErrMissingContentLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			path := testBlobPath(t)
			if tt.resume {
				writeBlob(t, path, "existing\n", `"v1"`)
			}

			_, err := newTestDownloader().Fetch(context.Background(), srv.URL, path)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Fetch() error = %v, want %v", err, tt.wantErr)
			}
			if !IsTransient(err) {
				t.Errorf("IsTransient(%v) = false, want true", err)
			}

			if tt.resume {
				if got := readBlob(t, path); got != "existing\n" {
					t.Errorf("blob modified: %q", got)
				}
			} else if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Error("blob should not have been created")
			}
		})
	}
}

func TestFetch_NoValidatorClearsStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("u2,v2\n"))
	}))
	defer srv.Close()

	path := testBlobPath(t)
	writeBlob(t, path, "u1,v1\n", `"stale"`)

	result, err := newTestDownloader().Fetch(context.Background(), srv.URL, path)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if result.Validator != "" {
		t.Errorf("Validator = %q, want empty", result.Validator)
	}
	if _, err := os.Stat(checkpoint.For(path).ValidatorPath()); !os.IsNotExist(err) {
		t.Error("stale validator sidecar should have been removed")
	}
}

func TestFetch_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("UUID\n"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestDownloader().Fetch(ctx, srv.URL, testBlobPath(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}
	if IsTransient(err) {
		t.Error("cancellation should not be transient")
	}
}

func TestFetch_Progress(t *testing.T) {
	body := strings.Repeat("u,v\n", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	var lastWritten, lastTotal int64
	d := New(&Config{
		Logger: log.New(os.Stderr, "[test] ", 0),
		OnProgress: func(written, total int64) {
			lastWritten, lastTotal = written, total
		},
	})

	if _, err := d.Fetch(context.Background(), srv.URL, testBlobPath(t)); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if lastWritten != int64(len(body)) || lastTotal != int64(len(body)) {
		t.Errorf("final progress = %d/%d, want %d/%d", lastWritten, lastTotal, len(body), len(body))
	}
}

func TestEnsureAttribution(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	path, err := EnsureAttribution(dir)
	if err != nil {
		t.Fatalf("EnsureAttribution() failed: %v", err)
	}
	if !strings.Contains(readBlob(t, path), "CC BY-NC-SA 4.0") {
		t.Error("attribution file missing licence")
	}

	// Existing file is left alone
	if err := os.WriteFile(path, []byte("custom"), 0644); err != nil {
		t.Fatalf("failed to overwrite attribution: %v", err)
	}
	if _, err := EnsureAttribution(dir); err != nil {
		t.Fatalf("EnsureAttribution() failed: %v", err)
	}
	if got := readBlob(t, path); got != "custom" {
		t.Errorf("attribution overwritten: %q", got)
	}
}

func TestFetch_InterruptedResumesFromPartial(t *testing.T) {
	var requests int
	var gotRange string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "text/csv")
		if requests == 1 {
			w.Header().Set("ETag", `"v2"`)
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("rest\n"))
			w.(http.Flusher).Flush()
			// Drop the connection before the announced length arrives
			panic(http.ErrAbortHandler)
		}
		gotRange = r.Header.Get("Range")
		w.Header().Set("ETag", `"v3"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("more\n"))
	}))
	defer srv.Close()

	path := testBlobPath(t)
	writeBlob(t, path, "head\n", `"v1"`)
	d := newTestDownloader()

	if _, err := d.Fetch(context.Background(), srv.URL, path); err == nil {
		t.Fatal("expected error for truncated body")
	}
	if got := readBlob(t, path); got != "head\nrest\n" {
		t.Errorf("blob after interruption = %q, want received bytes kept", got)
	}
	if v, _ := checkpoint.For(path).Validator(); v != `"v1"` {
		t.Errorf("validator after interruption = %q, want %q", v, `"v1"`)
	}

	result, err := d.Fetch(context.Background(), srv.URL, path)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if gotRange != "bytes=10-" {
		t.Errorf("Range = %q, want %q", gotRange, "bytes=10-")
	}
	if got := readBlob(t, path); got != "head\nrest\nmore\n" {
		t.Errorf("blob = %q", got)
	}
	if result.Validator != `"v3"` {
		t.Errorf("Validator = %q, want %q", result.Validator, `"v3"`)
	}
}

func TestFetch_DebugLogsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("u2\n"))
	}))
	defer srv.Close()

	path := testBlobPath(t)
	writeBlob(t, path, "u1\n", `"v1"`)

	var debug strings.Builder
	d := New(&Config{
		Logger:      log.New(os.Stderr, "[test] ", 0),
		DebugLogger: log.New(&debug, "", 0),
	})
	if _, err := d.Fetch(context.Background(), srv.URL, path); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if !strings.Contains(debug.String(), `Range="bytes=3-"`) || !strings.Contains(debug.String(), `If-None-Match="\"v1\""`) {
		t.Errorf("debug output missing request headers:\n%s", debug.String())
	}
}
