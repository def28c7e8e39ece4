// Package checkpoint persists the sidecar state kept next to the mirrored CSV
// blob: the committed byte offset (<blob>.offset) and the upstream cache
// validator (<blob>.validator).
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// OffsetSuffix names the sidecar holding the committed byte count.
	OffsetSuffix = ".offset"
	// ValidatorSuffix names the sidecar holding the upstream validator token.
	ValidatorSuffix = ".validator"
)

// Sidecars reads and writes the sidecar files of one blob.
type Sidecars struct {
	blobPath string
}

// For returns the sidecars belonging to blobPath.
func For(blobPath string) *Sidecars {
	return &Sidecars{blobPath: blobPath}
}

// BlobPath returns the path of the blob the sidecars describe.
func (s *Sidecars) BlobPath() string {
	return s.blobPath
}

// OffsetPath returns the path of the committed offset sidecar.
func (s *Sidecars) OffsetPath() string {
	return s.blobPath + OffsetSuffix
}

// ValidatorPath returns the path of the validator sidecar.
func (s *Sidecars) ValidatorPath() string {
	return s.blobPath + ValidatorSuffix
}

// Offset returns the committed byte offset. ok is false when no sync has
// committed yet. An unparsable sidecar is reported as an error rather than
// being treated as zero.
func (s *Sidecars) Offset() (offset int64, ok bool, err error) {
	data, err := os.ReadFile(s.OffsetPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read offset file: %w", err)
	}

	offset, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || offset < 0 {
		return 0, false, fmt.Errorf("invalid offset file %s: %q", s.OffsetPath(), string(data))
	}
	return offset, true, nil
}

// SetOffset durably records the committed byte offset.
func (s *Sidecars) SetOffset(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("offset must not be negative (got %d)", offset)
	}
	return writeFileAtomic(s.OffsetPath(), []byte(strconv.FormatInt(offset, 10)))
}

// Validator returns the stored validator token, or "" when none is stored.
func (s *Sidecars) Validator() (string, error) {
	data, err := os.ReadFile(s.ValidatorPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read validator file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetValidator durably stores the validator token. An empty token removes
// the sidecar, since content without a validator can't be revalidated.
func (s *Sidecars) SetValidator(token string) error {
	if token == "" {
		return s.ClearValidator()
	}
	return writeFileAtomic(s.ValidatorPath(), []byte(token))
}

// ClearValidator removes the validator sidecar if it exists.
func (s *Sidecars) ClearValidator() error {
	return removeIfExists(s.ValidatorPath())
}

// Reset removes the blob and both sidecars so the next cycle starts from scratch.
func (s *Sidecars) Reset() error {
	for _, path := range []string{s.blobPath, s.OffsetPath(), s.ValidatorPath()} {
		if err := removeIfExists(path); err != nil {
			return err
		}
	}
	return nil
}

// writeFileAtomic writes data via a synced temp file and rename, so readers
// see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
