package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/artifacts"
)

// ArtifactHandler lists block diagnostics captured for a job
type ArtifactHandler struct {
	service *artifacts.Service
	logger  arbor.ILogger
}

// NewArtifactHandler creates a new ArtifactHandler
func NewArtifactHandler(service *artifacts.Service, logger arbor.ILogger) *ArtifactHandler {
	return &ArtifactHandler{service: service, logger: logger}
}

// ListByJobHandler handles GET /api/jobs/{id}/artifacts
func (h *ArtifactHandler) ListByJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id = strings.TrimSuffix(id, "/artifacts")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	records, err := h.service.ListByJob(id)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to list artifacts")
		WriteError(w, http.StatusInternalServerError, "Failed to list artifacts")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    id,
		"artifacts": records,
		"count":     len(records),
	})
}
