package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/eargollo/hashguard/internal/jobs"
)

// UpdatesHandler handles signature update endpoints.
type UpdatesHandler struct {
	Manager *jobs.Manager
}

// Create handles POST /api/updates, which starts a signature update.
func (h *UpdatesHandler) Create(w http.ResponseWriter, r *http.Request) {
	job, err := h.Manager.StartUpdate(context.Background(), "manual")
	if err != nil {
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "JOB_ALREADY_RUNNING", "A scan or update is already in progress")
			return
		}
		slog.Error("updates: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start update")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"kind":         job.Kind,
		"status":       "running",
		"started_at":   job.StartedAt.UTC(),
		"triggered_by": job.TriggeredBy,
	})
}

// Last handles GET /api/updates/last.
func (h *UpdatesHandler) Last(w http.ResponseWriter, r *http.Request) {
	last := h.Manager.LastUpdate()
	if last == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No update has run since startup")
		return
	}
	writeJSON(w, http.StatusOK, last)
}
