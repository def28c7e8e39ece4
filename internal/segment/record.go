package segment

import (
	"fmt"
	"strconv"
	"strings"
)

// Upstream column names used by sponsorTimes.csv.
const (
	ColumnID            = "UUID"
	ColumnVideoID       = "videoID"
	ColumnStartTime     = "startTime"
	ColumnEndTime       = "endTime"
	ColumnCategory      = "category"
	ColumnUserID        = "userID"
	ColumnHash          = "hashedVideoID"
	ColumnVotes         = "votes"
	ColumnService       = "service"
	ColumnActionType    = "actionType"
	ColumnVideoDuration = "videoDuration"
	ColumnLocked        = "locked"
)

var requiredColumns = []string{
	ColumnID,
	ColumnVideoID,
	ColumnStartTime,
	ColumnEndTime,
	ColumnCategory,
	ColumnUserID,
	ColumnHash,
	ColumnVotes,
	ColumnService,
	ColumnActionType,
	ColumnVideoDuration,
	ColumnLocked,
}

// Header maps upstream column names to their field index in a record.
// Extra upstream columns are tolerated; additive schema changes upstream
// must not break ingestion.
type Header struct {
	raw   []string
	index map[string]int
}

// NewHeader builds a Header from the CSV header row.
// Returns an error if any column needed to build a Segment is missing.
func NewHeader(fields []string) (*Header, error) {
	h := &Header{
		raw:   append([]string(nil), fields...),
		index: make(map[string]int, len(fields)),
	}
	for i, name := range fields {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := h.index[name]; !dup {
			h.index[name] = i
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := h.index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("header is missing columns: %s", strings.Join(missing, ", "))
	}
	return h, nil
}

// Len returns the number of columns in the header row.
func (h *Header) Len() int {
	return len(h.raw)
}

// String returns the header row as it appeared upstream (comma-joined).
func (h *Header) String() string {
	return strings.Join(h.raw, ",")
}

// Decode converts one CSV record into a Segment.
// The record slice may be reused by the caller after Decode returns.
func (h *Header) Decode(record []string) (*Segment, error) {
	if len(record) < len(h.raw) {
		return nil, fmt.Errorf("record has %d fields, header has %d", len(record), len(h.raw))
	}

	field := func(name string) string {
		return record[h.index[name]]
	}

	var (
		s   Segment
		err error
	)
	s.ID = field(ColumnID)
	s.VideoID = field(ColumnVideoID)
	s.HashFull = field(ColumnHash)
	s.Category = field(ColumnCategory)
	s.UserID = field(ColumnUserID)
	s.Service = field(ColumnService)
	s.ActionType = field(ColumnActionType)

	if s.StartTime, err = parseFloat(ColumnStartTime, field(ColumnStartTime)); err != nil {
		return nil, err
	}
	if s.EndTime, err = parseFloat(ColumnEndTime, field(ColumnEndTime)); err != nil {
		return nil, err
	}
	if s.VideoDuration, err = parseFloat(ColumnVideoDuration, field(ColumnVideoDuration)); err != nil {
		return nil, err
	}
	if s.Votes, err = strconv.ParseInt(strings.TrimSpace(field(ColumnVotes)), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ColumnVotes, err)
	}
	if s.Locked, err = strconv.ParseBool(strings.TrimSpace(field(ColumnLocked))); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ColumnLocked, err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func parseFloat(name, value string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
