// Package segment defines the mirrored SponsorBlock segment record and the
// CSV decoding used to turn upstream rows into segments.
package segment

import (
	"fmt"
	"strings"
)

// HashPrefixLength is the number of leading hash characters used as the
// store's lookup key.
const HashPrefixLength = 4

// DefaultCategory is used by lookups that do not name any category.
const DefaultCategory = "sponsor"

// Segment is one mirrored record from sponsorTimes.csv.
type Segment struct {
	// ===== Identity =====
	ID       string // UUID column, globally unique
	VideoID  string
	HashFull string // hashedVideoID column

	// ===== Time range (seconds) =====
	StartTime float64
	EndTime   float64

	// ===== Classification =====
	Category   string // sponsor, selfpromo, intro, ... (open set)
	ActionType string // skip, mute, full, poi, chapter
	Service    string // YouTube, PeerTube, ...

	// ===== Moderation =====
	UserID string
	Votes  int64
	Locked bool

	VideoDuration float64
}

// HashPrefix returns the indexed prefix of the segment's full hash.
func (s *Segment) HashPrefix() string {
	return HashPrefix(s.HashFull)
}

// Validate checks that the fields the store relies on are present.
func (s *Segment) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("UUID is required")
	}
	if s.VideoID == "" {
		return fmt.Errorf("videoID is required")
	}
	if s.HashFull == "" {
		return fmt.Errorf("hashedVideoID is required")
	}
	if s.Category == "" {
		return fmt.Errorf("category is required")
	}
	if s.Service == "" {
		return fmt.Errorf("service is required")
	}
	return nil
}

// HashPrefix derives the lookup prefix from a full hash. It must stay in
// agreement with the generated hash_prefix column in the store schema.
func HashPrefix(hash string) string {
	if len(hash) <= HashPrefixLength {
		return hash
	}
	return hash[:HashPrefixLength]
}

// NormalizePrefix validates a lookup prefix supplied by a client and returns
// it lowercased. Prefixes must be hex and at least HashPrefixLength long.
func NormalizePrefix(prefix string) (string, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if len(prefix) < HashPrefixLength {
		return "", fmt.Errorf("hash prefix must be at least %d characters (got %d)", HashPrefixLength, len(prefix))
	}
	for _, r := range prefix {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("hash prefix must be hexadecimal (got %q)", prefix)
		}
	}
	return prefix, nil
}
