package handlers

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/hashguard/internal/jobs"
	"github.com/eargollo/hashguard/internal/progress"
	"github.com/eargollo/hashguard/internal/scan"
	"github.com/eargollo/hashguard/internal/scheduler"
	"github.com/eargollo/hashguard/internal/signatures"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	DB         *sql.DB
	Store      *signatures.Store
	Manager    *jobs.Manager
	Sched      *scheduler.Scheduler
	ScanPaused bool
	Version    string
}

type statusResponse struct {
	Version           string             `json:"version"`
	Signatures        signaturesInfo     `json:"signatures"`
	ActiveJob         *activeJobInfo     `json:"active_job"`
	LastUpdate        *jobs.UpdateResult `json:"last_update"`
	LastCompletedScan *scan.Record       `json:"last_completed_scan"`
	Schedule          []scheduler.Entry  `json:"schedule"`
	ScanPaused        bool               `json:"scan_paused"`
}

type signaturesInfo struct {
	Count   int64            `json:"count"`
	Phase   signatures.Phase `json:"phase"`
	Indexed bool             `json:"indexed"`
}

type activeJobInfo struct {
	*jobs.Job
	Progress  *scan.Snapshot  `json:"progress,omitempty"`
	LastEvent *progress.Event `json:"last_event,omitempty"`
	EventAt   *time.Time      `json:"last_event_at,omitempty"`
}

// ServeHTTP returns the system status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{
		Version:    h.Version,
		ActiveJob:  h.activeJob(),
		LastUpdate: h.Manager.LastUpdate(),
		ScanPaused: h.ScanPaused,
	}

	var err error
	if resp.Signatures.Count, err = h.Store.Count(ctx); err != nil {
		slog.Error("status: count signatures", "error", err)
	}
	if resp.Signatures.Phase, err = h.Store.Phase(ctx); err != nil {
		slog.Error("status: read update phase", "error", err)
	}
	if resp.Signatures.Indexed, err = h.Store.HasIndex(ctx); err != nil {
		slog.Error("status: check index", "error", err)
	}

	if h.Sched != nil {
		resp.Schedule = h.Sched.Entries()
	}

	last, err := scan.LastCompleted(ctx, h.DB)
	switch {
	case err == nil:
		resp.LastCompletedScan = &last
	case !errors.Is(err, scan.ErrScanNotFound):
		slog.Error("status: query last scan", "error", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) activeJob() *activeJobInfo {
	job := h.Manager.Active()
	if job == nil {
		return nil
	}
	info := &activeJobInfo{Job: job}
	if job.Progress != nil {
		snap := job.Progress.Snapshot()
		info.Progress = &snap
	}
	if job.Events != nil {
		if e, at, ok := job.Events.Last(); ok {
			info.LastEvent = &e
			info.EventAt = &at
		}
	}
	return info
}
