package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// AttributionFile is the name of the licence notice written next to the mirror.
const AttributionFile = "LICENSE.md"

const attributionText = "# Attribution\n\n" +
	"This data is provided by [SponsorBlock](https://sponsor.ajay.app/) and is licensed under the " +
	"[CC BY-NC-SA 4.0](https://creativecommons.org/licenses/by-nc-sa/4.0/) license.\n"

// EnsureAttribution writes the upstream licence notice into dataDir unless
// one is already there. An existing file is never overwritten.
func EnsureAttribution(dataDir string) (string, error) {
	path := filepath.Join(dataDir, AttributionFile)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to stat attribution file: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(attributionText), 0644); err != nil {
		return "", fmt.Errorf("failed to write attribution file: %w", err)
	}
	return path, nil
}
