// Package download fetches the upstream CSV blob into the data directory.
//
// Fetches are conditional and resumable:
//   - If-None-Match carries the validator stored next to the blob
//   - Range: bytes=<local length>- resumes from whatever is already on disk
//   - 304 Not Modified and 416 Range Not Satisfiable both mean the local copy
//     is current
//
// The body is appended to the blob as it streams in. The validator sidecar is
// only touched once the whole body has been written and synced, so an
// interrupted transfer resumes on the next attempt.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sb-mirror/sbmirror/internal/checkpoint"
)

// Homepage is advertised in the User-Agent of every upstream request.
const Homepage = "https://github.com/sb-mirror/sbmirror"

var tracer = otel.Tracer("sbmirror/download")

// Outcome describes what a fetch did to the local blob.
type Outcome int

const (
	// Unchanged means the upstream reported nothing new; the blob was not touched.
	Unchanged Outcome = iota
	// Updated means new bytes were appended to the blob.
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of a successful fetch.
type Result struct {
	Path      string
	Outcome   Outcome
	Status    int
	Bytes     int64 // bytes appended by this fetch
	Size      int64 // blob size after the fetch
	Validator string
}

// Config holds configuration for the downloader.
type Config struct {
	// ContentType is the media type the upstream must answer with.
	ContentType string

	// UserAgent is sent with every request.
	UserAgent string

	// ProgressInterval is the minimum time between progress reports.
	ProgressInterval time.Duration

	// OnProgress, if set, is called alongside each progress log line.
	OnProgress ProgressFunc

	// Client performs the requests. Defaults to a client without a timeout,
	// since a full initial download can take a long time.
	Client *http.Client

	// Logger for download activity
	Logger *log.Logger

	// DebugLogger receives request and response headers; discarded by default.
	DebugLogger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ContentType:      "text/csv",
		UserAgent:        UserAgent("dev"),
		ProgressInterval: 5 * time.Second,
		Client:           &http.Client{},
		Logger:           log.New(os.Stderr, "[download] ", log.LstdFlags),
		DebugLogger:      log.New(io.Discard, "", 0),
	}
}

// UserAgent formats the User-Agent header for the given build version.
func UserAgent(version string) string {
	return fmt.Sprintf("sb-mirror (mirror-%s, %s)", version, Homepage)
}

// Downloader performs conditional, resumable fetches.
type Downloader struct {
	config *Config
}

// New creates a downloader. A nil config uses DefaultConfig; zero fields of
// a partial config are filled from the defaults.
func New(config *Config) *Downloader {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.ContentType == "" {
		config.ContentType = defaults.ContentType
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = defaults.ProgressInterval
	}
	if config.Client == nil {
		config.Client = defaults.Client
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.DebugLogger == nil {
		config.DebugLogger = defaults.DebugLogger
	}
	return &Downloader{config: config}
}

// Fetch brings localPath up to date with url.
//
// On error the blob may hold a partial append but its validator sidecar is
// unchanged, so the next Fetch resumes from the partial length.
func (d *Downloader) Fetch(ctx context.Context, url, localPath string) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "download.fetch",
		trace.WithAttributes(
			attribute.String("url", url),
			attribute.String("path", localPath),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sidecars := checkpoint.For(localPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", d.config.UserAgent)

	resuming := false
	var localSize int64
	if info, statErr := os.Stat(localPath); statErr == nil {
		resuming = true
		localSize = info.Size()

		validator, err := sidecars.Validator()
		if err != nil {
			return nil, err
		}
		if validator != "" {
			req.Header.Set("If-None-Match", validator)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", localSize))
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat local blob: %w", statErr)
	}

	span.SetAttributes(
		attribute.Bool("resuming", resuming),
		attribute.Int64("local_size", localSize),
	)
	d.config.Logger.Printf("Fetching %s (local: %s)", url, humanize.Bytes(uint64(localSize)))

	d.config.DebugLogger.Printf("Request headers: Range=%q If-None-Match=%q",
		req.Header.Get("Range"), req.Header.Get("If-None-Match"))

	resp, err := d.config.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request %s: %w", url, err)
	}
	defer resp.Body.Close()

	d.config.DebugLogger.Printf("Response %s: Content-Type=%q Content-Length=%d ETag=%q",
		resp.Status, resp.Header.Get("Content-Type"), resp.ContentLength, resp.Header.Get("ETag"))

	span.SetAttributes(attribute.Int("status", resp.StatusCode))

	if resp.StatusCode == http.StatusNotModified || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		d.config.Logger.Printf("Local blob is up to date (%s)", resp.Status)
		return &Result{
			Path:    localPath,
			Outcome: Unchanged,
			Status:  resp.StatusCode,
			Size:    localSize,
		}, nil
	}

	expected := http.StatusOK
	if resuming {
		expected = http.StatusPartialContent
	}
	if resp.StatusCode != expected {
		return nil, fmt.Errorf("%w: status %s, expected %d", ErrUnexpectedResponse, resp.Status, expected)
	}
	if !d.matchesContentType(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("%w: content type %q, expected %s",
			ErrUnexpectedResponse, resp.Header.Get("Content-Type"), d.config.ContentType)
	}
	if resp.ContentLength < 0 {
		return nil, ErrMissingContentLength
	}

	written, err := d.appendBody(localPath, resp.Body, resp.ContentLength)
	if err != nil {
		return nil, err
	}

	validator := resp.Header.Get("ETag")
	if err := sidecars.SetValidator(validator); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64("bytes", written))
	d.config.Logger.Printf("Downloaded %s", humanize.Bytes(uint64(written)))

	return &Result{
		Path:      localPath,
		Outcome:   Updated,
		Status:    resp.StatusCode,
		Bytes:     written,
		Size:      localSize + written,
		Validator: validator,
	}, nil
}

// appendBody streams body onto the end of the blob and syncs it.
func (d *Downloader) appendBody(localPath string, body io.Reader, total int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create data directory: %w", err)
	}

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open local blob: %w", err)
	}

	progress := newProgressWriter(total, d.config.ProgressInterval, d.config.Logger, d.config.OnProgress)
	buf := make([]byte, 32*1024)
	written, copyErr := io.CopyBuffer(io.MultiWriter(f, progress), body, buf)

	// Keep whatever arrived; a later fetch resumes from it
	if err := f.Sync(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("failed to sync local blob: %w", err)
	}
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("failed to close local blob: %w", err)
	}
	if copyErr != nil {
		return written, fmt.Errorf("failed to stream body after %s: %w", humanize.Bytes(uint64(written)), copyErr)
	}

	progress.report()
	return written, nil
}

func (d *Downloader) matchesContentType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return mediaType == d.config.ContentType
}
