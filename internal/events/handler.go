package events

import (
	"time"

	"github.com/sb-mirror/sbmirror/internal/download"
	"github.com/sb-mirror/sbmirror/internal/sync"
)

// CycleData identifies the cycle a message belongs to.
type CycleData struct {
	CycleID string `json:"cycle_id"`
}

// DownloadCompleteData describes the fetch step of a cycle.
type DownloadCompleteData struct {
	CycleID string `json:"cycle_id"`
	Outcome string `json:"outcome"` // unchanged, updated
	Status  int    `json:"status"`
	Bytes   int64  `json:"bytes"`
	Size    int64  `json:"size"`
}

// SyncProgressData reports how far a sync has got.
type SyncProgressData struct {
	CycleID  string `json:"cycle_id"`
	Applied  int    `json:"applied"`
	Position int64  `json:"position"`
	Total    int64  `json:"total"`
}

// SyncCompleteData describes a finished sync.
type SyncCompleteData struct {
	CycleID  string        `json:"cycle_id"`
	UpToDate bool          `json:"up_to_date"`
	Applied  int           `json:"applied"`
	Skipped  int           `json:"skipped"`
	Offset   int64         `json:"offset"`
	Duration time.Duration `json:"duration"`
}

// SyncFailedData describes a failed or cancelled cycle.
type SyncFailedData struct {
	CycleID string `json:"cycle_id"`
	Stage   string `json:"stage"` // download, sync
	Error   string `json:"error"`
	Fatal   bool   `json:"fatal"`
}

// Handler turns ingestion callbacks into hub messages.
type Handler struct {
	hub *Hub
}

// NewHandler creates a handler that publishes to hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// OnCycleStarted publishes cycle_started.
func (h *Handler) OnCycleStarted(cycleID string) {
	h.hub.Publish(MessageTypeCycleStarted, CycleData{CycleID: cycleID})
}

// OnDownloadComplete publishes download_complete.
func (h *Handler) OnDownloadComplete(cycleID string, result *download.Result) {
	h.hub.Publish(MessageTypeDownloadComplete, DownloadCompleteData{
		CycleID: cycleID,
		Outcome: result.Outcome.String(),
		Status:  result.Status,
		Bytes:   result.Bytes,
		Size:    result.Size,
	})
}

// OnSyncProgress publishes sync_progress.
func (h *Handler) OnSyncProgress(cycleID string, p sync.Progress) {
	h.hub.Publish(MessageTypeSyncProgress, SyncProgressData{
		CycleID:  cycleID,
		Applied:  p.Applied,
		Position: p.Position,
		Total:    p.Total,
	})
}

// OnSyncComplete publishes sync_complete.
func (h *Handler) OnSyncComplete(cycleID string, result *sync.Result, elapsed time.Duration) {
	h.hub.Publish(MessageTypeSyncComplete, SyncCompleteData{
		CycleID:  cycleID,
		UpToDate: result.UpToDate,
		Applied:  result.Applied,
		Skipped:  result.Skipped,
		Offset:   result.Offset,
		Duration: elapsed,
	})
}

// OnCycleFailed publishes sync_failed.
func (h *Handler) OnCycleFailed(cycleID, stage string, err error) {
	h.hub.Publish(MessageTypeSyncFailed, SyncFailedData{
		CycleID: cycleID,
		Stage:   stage,
		Error:   err.Error(),
		Fatal:   sync.IsFatal(err),
	})
}
