package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Optimize refreshes the composite lookup index and compacts the database.
//
// It runs after an import has committed and only affects read performance;
// an error here never invalidates the committed data.
func (st *Store) Optimize(ctx context.Context) error {
	steps := []struct {
		name  string
		query string
	}{
		{"create lookup index", `CREATE INDEX IF NOT EXISTS segments_by_hash ON segments(hash_prefix, service, category)`},
		{"vacuum", `VACUUM`},
		{"optimize", `PRAGMA optimize`},
	}

	for _, step := range steps {
		if _, err := st.conn.ExecContext(ctx, step.query); err != nil {
			return fmt.Errorf("failed to %s: %w", step.name, err)
		}
	}
	return nil
}

// Snapshot writes a compacted, self-contained copy of the database to dest.
// An existing file at dest is replaced.
func (st *Store) Snapshot(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old snapshot: %w", err)
	}

	if _, err := st.conn.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", dest, err)
	}
	return nil
}
