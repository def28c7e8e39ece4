package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sb-mirror/sbmirror/internal/cache"
	"github.com/sb-mirror/sbmirror/internal/segment"
	"github.com/sb-mirror/sbmirror/internal/store"
)

// SegmentResponse is one segment as served to clients.
type SegmentResponse struct {
	Category      string     `json:"category"`
	ActionType    string     `json:"actionType"`
	Segment       [2]float64 `json:"segment"`
	UUID          string     `json:"UUID"`
	Locked        int        `json:"locked"`
	Votes         int64      `json:"votes"`
	VideoDuration float64    `json:"videoDuration"`
	UserID        string     `json:"userID"`
	Description   string     `json:"description"`
}

// HashGroupResponse holds the segments of one video hash.
type HashGroupResponse struct {
	VideoID  string            `json:"videoID"`
	Hash     string            `json:"hash"`
	Segments []SegmentResponse `json:"segments"`
}

// NewHashGroupResponses converts store groups to their wire form.
func NewHashGroupResponses(groups []*store.HashGroup) []HashGroupResponse {
	out := make([]HashGroupResponse, 0, len(groups))
	for _, g := range groups {
		resp := HashGroupResponse{
			VideoID:  g.VideoID,
			Hash:     g.HashFull,
			Segments: make([]SegmentResponse, 0, len(g.Segments)),
		}
		for _, seg := range g.Segments {
			locked := 0
			if seg.Locked {
				locked = 1
			}
			resp.Segments = append(resp.Segments, SegmentResponse{
				Category:      seg.Category,
				ActionType:    seg.ActionType,
				Segment:       [2]float64{seg.StartTime, seg.EndTime},
				UUID:          seg.ID,
				Locked:        locked,
				Votes:         seg.Votes,
				VideoDuration: seg.VideoDuration,
				UserID:        seg.UserID,
			})
		}
		out = append(out, resp)
	}
	return out
}

// parseCategories reads the categories filter. The canonical form is a JSON
// array string; repeated category parameters are accepted too.
func parseCategories(r *http.Request) ([]string, error) {
	query := r.URL.Query()

	if raw := query.Get("categories"); raw != "" {
		var categories []string
		if err := json.Unmarshal([]byte(raw), &categories); err != nil {
			return nil, fmt.Errorf("categories must be a JSON array of strings")
		}
		return categories, nil
	}
	if categories := query["category"]; len(categories) > 0 {
		return categories, nil
	}
	return []string{segment.DefaultCategory}, nil
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	prefix, err := segment.NormalizePrefix(mux.Vars(r)["hashPrefix"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	categories, err := parseCategories(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	service := strings.TrimSpace(r.URL.Query().Get("service"))
	if service == "" {
		service = s.config.DefaultService
	}

	span.SetAttributes(
		attribute.String("hash_prefix", prefix),
		attribute.String("service", service),
		attribute.StringSlice("categories", categories),
	)

	cacheKey := s.cacheKey(prefix, service, categories)
	if cacheKey != "" {
		if body, ok, err := s.config.Cache.Get(ctx, cacheKey); err != nil {
			s.config.Logger.Printf("Cache get failed: %v", err)
		} else if ok {
			s.config.DebugLogger.Printf("Cache hit %s", cacheKey)
			writeBody(w, body)
			return
		}
		s.config.DebugLogger.Printf("Cache miss %s", cacheKey)
	}

	groups, err := s.store.FindByHashPrefix(ctx, prefix, store.LookupFilter{
		Categories: categories,
		Service:    service,
	})
	if err != nil {
		span.RecordError(err)
		s.config.Logger.Printf("Lookup %s failed: %v", prefix, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body, err := json.Marshal(NewHashGroupResponses(groups))
	if err != nil {
		s.config.Logger.Printf("Failed to encode lookup %s: %v", prefix, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if cacheKey != "" {
		if err := s.config.Cache.Set(ctx, cacheKey, body); err != nil {
			s.config.Logger.Printf("Cache set failed: %v", err)
		}
	}

	writeBody(w, body)
}

// cacheKey returns "" when caching is off or the offset is unknown.
func (s *Server) cacheKey(prefix, service string, categories []string) string {
	if s.config.Cache == nil || s.config.Offset == nil {
		return ""
	}
	offset, err := s.config.Offset()
	if err != nil {
		return ""
	}
	return cache.Key(offset, service, prefix, categories)
}

func writeBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
