package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LedgerEntry is one row of the imports table. Entries are written after a
// committed sync and only read for display.
type LedgerEntry struct {
	TotalSize  int64
	Validator  string
	ImportedAt time.Time
	Header     string
}

// RecordImport appends an entry to the import ledger.
func (st *Store) RecordImport(ctx context.Context, entry LedgerEntry) error {
	if entry.ImportedAt.IsZero() {
		entry.ImportedAt = time.Now()
	}

	_, err := st.conn.ExecContext(ctx,
		`INSERT INTO imports (total_size, etag, imported_at, header) VALUES (?, ?, ?, ?)`,
		entry.TotalSize,
		sql.NullString{String: entry.Validator, Valid: entry.Validator != ""},
		entry.ImportedAt.Unix(),
		sql.NullString{String: entry.Header, Valid: entry.Header != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to record import: %w", err)
	}
	return nil
}

// LastImport returns the most recent ledger entry, or nil if there is none.
func (st *Store) LastImport(ctx context.Context) (*LedgerEntry, error) {
	var (
		entry      LedgerEntry
		etag       sql.NullString
		header     sql.NullString
		importedAt int64
	)

	err := st.conn.QueryRowContext(ctx, `
		SELECT total_size, etag, imported_at, header
		FROM imports
		ORDER BY rowid DESC
		LIMIT 1
	`).Scan(&entry.TotalSize, &etag, &importedAt, &header)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last import: %w", err)
	}

	entry.Validator = etag.String
	entry.Header = header.String
	entry.ImportedAt = time.Unix(importedAt, 0)
	return &entry, nil
}

// GetImportCount returns the number of ledger entries.
func (st *Store) GetImportCount(ctx context.Context) (int, error) {
	var count int
	if err := st.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM imports").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get import count: %w", err)
	}
	return count, nil
}
