package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/eargollo/hashguard/internal/jobs"
)

// JobsHandler handles the running-job endpoints.
type JobsHandler struct {
	Manager *jobs.Manager
}

// Cancel handles DELETE /api/jobs/current.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Cancel()
	if errors.Is(err, jobs.ErrNoActiveJob) {
		writeError(w, http.StatusNotFound, "NO_ACTIVE_JOB", "No scan or update is currently running")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":         snap.Kind,
		"scan_id":      snap.ScanID,
		"status":       "cancelling",
		"started_at":   snap.StartedAt.UTC(),
		"cancelled_at": time.Now().UTC(),
	})
}
