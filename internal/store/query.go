package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sb-mirror/sbmirror/internal/segment"
)

// LookupFilter configures FindByHashPrefix.
type LookupFilter struct {
	// Categories restricts results to these categories (empty = no results)
	Categories []string
	// Service restricts results to one originating service
	Service string
}

// HashGroup holds every matching segment for one video hash.
type HashGroup struct {
	VideoID  string
	HashFull string
	// Segments are ordered by start time ascending
	Segments []*segment.Segment
}

type groupKey struct {
	videoID  string
	hashFull string
}

// FindByHashPrefix returns the segments whose hash starts with prefix, grouped
// by {video id, full hash}.
//
// The first segment.HashPrefixLength characters use the hash_prefix index;
// longer prefixes are narrowed further against hash_full. Groups come back in
// the order their first segment appears, which carries no meaning for callers.
func (st *Store) FindByHashPrefix(ctx context.Context, prefix string, filter LookupFilter) ([]*HashGroup, error) {
	if len(filter.Categories) == 0 {
		return []*HashGroup{}, nil
	}

	var conditions []string
	var args []interface{}

	conditions = append(conditions, "hash_prefix = ?")
	args = append(args, segment.HashPrefix(prefix))

	if len(prefix) > segment.HashPrefixLength {
		conditions = append(conditions, "substr(hash_full, 1, ?) = ?")
		args = append(args, len(prefix), prefix)
	}

	conditions = append(conditions, "service = ?")
	args = append(args, filter.Service)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Categories)), ", ")
	conditions = append(conditions, "category IN ("+placeholders+")")
	for _, c := range filter.Categories {
		args = append(args, c)
	}

	query := `
		SELECT id, video_id, hash_full, start_time, end_time, category,
		       user_id, votes, service, action_type, video_duration, locked
		FROM segments
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY start_time ASC
	`

	rows, err := st.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	groups := []*HashGroup{}
	byKey := make(map[groupKey]*HashGroup)

	for rows.Next() {
		var s segment.Segment
		var locked int

		err := rows.Scan(
			&s.ID,
			&s.VideoID,
			&s.HashFull,
			&s.StartTime,
			&s.EndTime,
			&s.Category,
			&s.UserID,
			&s.Votes,
			&s.Service,
			&s.ActionType,
			&s.VideoDuration,
			&locked,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		s.Locked = locked != 0

		key := groupKey{videoID: s.VideoID, hashFull: s.HashFull}
		group, ok := byKey[key]
		if !ok {
			group = &HashGroup{VideoID: s.VideoID, HashFull: s.HashFull}
			byKey[key] = group
			groups = append(groups, group)
		}
		group.Segments = append(group.Segments, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating segments: %w", err)
	}

	return groups, nil
}

// GetSegmentByID retrieves a single segment by id.
// Returns sql.ErrNoRows if the segment is not found.
func (st *Store) GetSegmentByID(ctx context.Context, id string) (*segment.Segment, error) {
	query := `
	SELECT id, video_id, hash_full, start_time, end_time, category,
	       user_id, votes, service, action_type, video_duration, locked
	FROM segments
	WHERE id = ?
	`

	var s segment.Segment
	var locked int
	err := st.conn.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.VideoID,
		&s.HashFull,
		&s.StartTime,
		&s.EndTime,
		&s.Category,
		&s.UserID,
		&s.Votes,
		&s.Service,
		&s.ActionType,
		&s.VideoDuration,
		&locked,
	)
	if err != nil {
		return nil, err
	}
	s.Locked = locked != 0
	return &s, nil
}
