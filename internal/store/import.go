package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sb-mirror/sbmirror/internal/segment"
)

const upsertSegmentQuery = `
	INSERT INTO segments (
		id, video_id, hash_full, start_time, end_time, category,
		user_id, votes, service, action_type, video_duration, locked
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		video_id = excluded.video_id,
		hash_full = excluded.hash_full,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		category = excluded.category,
		user_id = excluded.user_id,
		votes = excluded.votes,
		service = excluded.service,
		action_type = excluded.action_type,
		video_duration = excluded.video_duration,
		locked = excluded.locked
	`

// Import is one atomic batch of segment upserts.
//
// Nothing written through an Import is visible to readers until Commit
// returns. Rollback is safe to call after Commit and is a no-op then, so
// callers can always defer it.
type Import struct {
	tx      *sql.Tx
	stmt    *sql.Stmt
	applied int
	done    bool
}

// BeginImport starts the import transaction.
func (st *Store) BeginImport(ctx context.Context) (*Import, error) {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertSegmentQuery)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}

	return &Import{tx: tx, stmt: stmt}, nil
}

// Upsert inserts the segment or replaces the existing row with the same id.
func (im *Import) Upsert(ctx context.Context, s *segment.Segment) error {
	if im.done {
		return fmt.Errorf("import already finished")
	}

	_, err := im.stmt.ExecContext(ctx,
		s.ID,
		s.VideoID,
		s.HashFull,
		s.StartTime,
		s.EndTime,
		s.Category,
		s.UserID,
		s.Votes,
		s.Service,
		s.ActionType,
		s.VideoDuration,
		boolToInt(s.Locked),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert segment %s: %w", s.ID, err)
	}

	im.applied++
	return nil
}

// Applied returns how many upserts have been executed in this import.
func (im *Import) Applied() int {
	return im.applied
}

// Commit makes every upsert of the import visible atomically.
func (im *Import) Commit() error {
	if im.done {
		return fmt.Errorf("import already finished")
	}
	im.done = true
	_ = im.stmt.Close()

	if err := im.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the import. It is a no-op once the import has finished.
func (im *Import) Rollback() error {
	if im.done {
		return nil
	}
	im.done = true
	_ = im.stmt.Close()

	if err := im.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
