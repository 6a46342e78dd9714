package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/eargollo/hashguard/internal/quarantine"
)

// QuarantineHandler handles quarantine API endpoints.
type QuarantineHandler struct {
	Quarantine *quarantine.Manager
}

// List handles GET /api/quarantine.
func (h *QuarantineHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.Quarantine.List(r.Context())
	if err != nil {
		slog.Error("quarantine list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[quarantine.Item]{
		Items: items,
		Total: len(items),
		Limit: len(items),
	})
}

// Restore handles POST /api/quarantine/{id}/restore.
func (h *QuarantineHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	err := h.Quarantine.Restore(r.Context(), id)
	var conflict *quarantine.RestoreConflictError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": quarantine.StatusRestored})
	case errors.Is(err, quarantine.ErrNotQuarantined):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Item is not in quarantine")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "RESTORE_CONFLICT", conflict.Error())
	default:
		slog.Error("quarantine restore", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
