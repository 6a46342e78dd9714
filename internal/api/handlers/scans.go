package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/eargollo/hashguard/internal/jobs"
	"github.com/eargollo/hashguard/internal/scan"
)

// ScansHandler handles scan-related API endpoints.
type ScansHandler struct {
	DB      *sql.DB
	Manager *jobs.Manager
	// ScanPaths are the configured roots; with exactly one, POST /api/scans
	// may omit the root.
	ScanPaths []string
}

type createScanRequest struct {
	Root string `json:"root"`
}

// Create handles POST /api/scans, which starts a manual scan.
func (h *ScansHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be JSON")
		return
	}
	root := req.Root
	if root == "" && len(h.ScanPaths) == 1 {
		root = h.ScanPaths[0]
	}
	if root == "" || !filepath.IsAbs(root) {
		writeError(w, http.StatusBadRequest, "INVALID_ROOT", "An absolute root path is required")
		return
	}

	job, err := h.Manager.StartScan(context.Background(), root, "manual")
	if err != nil {
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "JOB_ALREADY_RUNNING", "A scan or update is already in progress")
			return
		}
		slog.Error("scans: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start scan")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":           job.ScanID,
		"root":         job.Root,
		"status":       scan.StatusRunning,
		"started_at":   job.StartedAt.UTC(),
		"triggered_by": job.TriggeredBy,
	})
}

// List handles GET /api/scans and returns scan history newest first.
func (h *ScansHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	items, err := scan.ListScans(r.Context(), h.DB, limit, offset)
	if err != nil {
		slog.Error("scans list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	total, err := scan.CountScans(r.Context(), h.DB)
	if err != nil {
		slog.Error("scans count", "error", err)
	}

	writeJSON(w, http.StatusOK, ListResponse[scan.Record]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

type scanDetail struct {
	scan.Record
	Matches []scan.ScanResult `json:"matches"`
}

// Get handles GET /api/scans/{id}.
func (h *ScansHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	rec, err := scan.GetScan(r.Context(), h.DB, id)
	if errors.Is(err, scan.ErrScanNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Scan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	matches, err := scan.Matches(r.Context(), h.DB, rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scanDetail{Record: rec, Matches: matches})
}
