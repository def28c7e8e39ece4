package sync

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sb-mirror/sbmirror/internal/checkpoint"
	"github.com/sb-mirror/sbmirror/internal/segment"
	"github.com/sb-mirror/sbmirror/internal/store"
)

var tracer = otel.Tracer("sbmirror/sync")

// Config holds configuration for the syncer.
type Config struct {
	// RewindMargin is how many bytes before the committed offset reading
	// resumes from.
	RewindMargin int64

	// MaxConsecutiveFailures is how many unparsable records in a row are
	// tolerated before the blob is considered corrupt.
	MaxConsecutiveFailures int

	// MaxRecordBytes bounds a single record, including quoted fields that
	// span lines.
	MaxRecordBytes int

	// ProgressEvery is the number of applied records between progress reports.
	ProgressEvery int

	// OnProgress, if set, is called with every progress report.
	OnProgress func(Progress)

	// SkipMaintenance disables index refresh and compaction after commit.
	SkipMaintenance bool

	// Logger for sync activity
	Logger *log.Logger

	// DebugLogger receives detail lines; discarded by default.
	DebugLogger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RewindMargin:           10000,
		MaxConsecutiveFailures: 20,
		MaxRecordBytes:         1 << 20,
		ProgressEvery:          5000,
		Logger:                 log.New(os.Stderr, "[sync] ", log.LstdFlags),
		DebugLogger:            log.New(io.Discard, "", 0),
	}
}

// syncer implements the Syncer interface.
type syncer struct {
	store  *store.Store
	config *Config
}

// New creates a new Syncer instance.
//
// The store must be open and have its schema initialized before passing it
// to this function. A nil config uses DefaultConfig; zero fields of a partial
// config are filled from the defaults.
//
// Example:
//
//	st, err := store.Open("/data/sponsorTimes.db")
//	if err != nil {
//	    return err
//	}
//	if err := st.InitSchema(); err != nil {
//	    return err
//	}
//	syncer := sync.New(st, nil)
func New(st *store.Store, config *Config) Syncer {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.RewindMargin < 0 {
		config.RewindMargin = 0
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	if config.MaxRecordBytes <= 0 {
		config.MaxRecordBytes = defaults.MaxRecordBytes
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = defaults.ProgressEvery
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.DebugLogger == nil {
		config.DebugLogger = defaults.DebugLogger
	}
	return &syncer{
		store:  st,
		config: config,
	}
}

// Sync implements Syncer.Sync.
func (s *syncer) Sync(ctx context.Context, blobPath string) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "sync.sync",
		trace.WithAttributes(attribute.String("path", blobPath)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("up_to_date", result.UpToDate),
				attribute.Int("applied", result.Applied),
				attribute.Int("skipped", result.Skipped),
				attribute.Int64("offset", result.Offset),
			)
		}
		span.End()
	}()

	sidecars := checkpoint.For(blobPath)
	committed, _, err := sidecars.Offset()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}

	f, err := os.Open(blobPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	// Bytes appended after this point belong to the next sync
	size := info.Size()

	result = &Result{
		PreviousOffset: committed,
		Offset:         committed,
	}

	if size < committed {
		return nil, fmt.Errorf("%w (offset %d, blob %d)", ErrCheckpointAhead, committed, size)
	}
	if size == committed {
		s.config.Logger.Printf("Already up to date at %s", humanize.Bytes(uint64(size)))
		result.UpToDate = true
		return result, nil
	}

	header, err := readHeader(f, size)
	if err != nil {
		return nil, err
	}
	result.Header = header.String()

	records, resumedAt, err := s.openRecords(f, committed, size)
	if err != nil {
		return nil, err
	}
	result.ResumedAt = resumedAt
	s.config.DebugLogger.Printf("Header: %s", result.Header)
	s.config.DebugLogger.Printf("Rewound %d bytes before offset %d, first record at %d",
		committed-resumedAt, committed, resumedAt)

	s.config.Logger.Printf("Syncing %s from %s (committed %s)",
		humanize.Bytes(uint64(size)), humanize.Bytes(uint64(resumedAt)), humanize.Bytes(uint64(committed)))

	imp, err := s.store.BeginImport(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	defer imp.Rollback()

	consecutive := 0
	for {
		record, readErr := records.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil && !isRecordError(readErr) {
			return nil, readErr
		}

		var seg *segment.Segment
		if readErr == nil {
			seg, readErr = header.Decode(record)
			if readErr != nil {
				// A multi-line record that does not fit the header gives
				// its trailing lines another chance
				records.rescanLast()
			}
		}
		if readErr != nil {
			result.Skipped++
			consecutive++
			if consecutive > s.config.MaxConsecutiveFailures {
				return nil, fmt.Errorf("%w (%d in a row, last: %v)", ErrTooManyFailures, consecutive, readErr)
			}
			s.config.Logger.Printf("Skipping unparsable record: %v", readErr)
			continue
		}
		consecutive = 0

		if err := imp.Upsert(ctx, seg); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("sync cancelled: %w", ctx.Err())
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
		result.Applied++

		if result.Applied%s.config.ProgressEvery == 0 {
			s.reportProgress(Progress{
				Applied:  result.Applied,
				Position: records.Position(),
				Total:    size,
			})
		}

		if err := ctx.Err(); err != nil {
			s.config.Logger.Printf("Cancelled after %d records, rolling back", result.Applied)
			return nil, fmt.Errorf("sync cancelled: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sync cancelled: %w", err)
	}
	if err := imp.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	if err := sidecars.SetOffset(size); err != nil {
		return nil, fmt.Errorf("failed to record committed offset: %w", err)
	}
	result.Offset = size

	s.config.Logger.Printf("Committed %d records (%d skipped), offset now %d", result.Applied, result.Skipped, size)

	s.afterCommit(ctx, sidecars, header, size)
	return result, nil
}

// openRecords positions a record reader at the first whole record at or
// after committed minus the rewind margin. The reader never goes past size.
func (s *syncer) openRecords(f *os.File, committed, size int64) (*recordReader, int64, error) {
	start := committed - s.config.RewindMargin
	if start < 0 {
		start = 0
	}

	// The header is always skipped; elsewhere only a partial line is
	skipLine := start == 0
	if start > 0 {
		prev := make([]byte, 1)
		if _, err := f.ReadAt(prev, start-1); err != nil {
			return nil, 0, fmt.Errorf("failed to read blob: %w", err)
		}
		skipLine = prev[0] != '\n'
	}

	records := newRecordReader(f, start, size, s.config.MaxRecordBytes)
	if skipLine {
		if err := records.skipLine(); err != nil {
			return nil, 0, err
		}
	}
	return records, records.Position(), nil
}

func (s *syncer) reportProgress(p Progress) {
	pct := 100.0
	if p.Total > 0 {
		pct = float64(p.Position) / float64(p.Total) * 100
	}
	s.config.Logger.Printf("Applied %d records, at %s / %s (%.1f%%)",
		p.Applied, humanize.Bytes(uint64(p.Position)), humanize.Bytes(uint64(p.Total)), pct)

	if s.config.OnProgress != nil {
		s.config.OnProgress(p)
	}
}

// afterCommit records the ledger entry and runs maintenance. Neither can
// undo the commit, so failures are only logged.
func (s *syncer) afterCommit(ctx context.Context, sidecars *checkpoint.Sidecars, header *segment.Header, size int64) {
	validator, err := sidecars.Validator()
	if err != nil {
		s.config.Logger.Printf("Warning: %v", err)
	}

	entry := store.LedgerEntry{
		TotalSize: size,
		Validator: validator,
		Header:    header.String(),
	}
	if err := s.store.RecordImport(ctx, entry); err != nil {
		s.config.Logger.Printf("Warning: %v", err)
	}

	if s.config.SkipMaintenance {
		return
	}
	if err := s.store.Optimize(ctx); err != nil {
		s.config.Logger.Printf("Warning: maintenance failed: %v", err)
	}
}

// readHeader parses the header row from the start of the blob.
func readHeader(f *os.File, size int64) (*segment.Header, error) {
	r := newCSVReader(io.NewSectionReader(f, 0, size))
	fields, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: blob has no header row", ErrDataCorruption)
		}
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrDataCorruption, err)
	}

	header, err := segment.NewHeader(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}
	return header, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return cr
}

// isRecordError reports whether err only concerns one record, as opposed to
// a failure reading the blob itself.
func isRecordError(err error) bool {
	var parseErr *csv.ParseError
	return errors.As(err, &parseErr) ||
		errors.Is(err, errUnterminatedQuote) ||
		errors.Is(err, errRecordTooLong)
}
