package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/retailers"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

// JobHandler handles HTTP requests for search job management
type JobHandler struct {
	jobs     *sqlite.JobStorage
	registry *retailers.Registry
	logger   arbor.ILogger
	validate *validator.Validate
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobs *sqlite.JobStorage, registry *retailers.Registry, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:     jobs,
		registry: registry,
		logger:   logger,
		validate: validator.New(),
	}
}

type enqueueRequest struct {
	Retailer string                 `json:"retailer" validate:"required"`
	Query    string                 `json:"query" validate:"required"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// CreateJobHandler handles POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}

	id, err := h.jobs.Enqueue(r.Context(), req.Retailer, req.Query, req.Payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to enqueue job")
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.logger.Info().
		Str("job_id", id).
		Str("retailer", req.Retailer).
		Str("query", req.Query).
		Msg("Job enqueued")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id": id,
		"status": models.JobStatusQueued,
	})
}

// ListJobsHandler handles GET /api/jobs with optional status and limit filters
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status := r.URL.Query().Get("status")
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	jobs, err := h.jobs.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobs.Fetch(r.Context(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to fetch job")
		WriteError(w, http.StatusInternalServerError, "Failed to fetch job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// RetryJobHandler handles POST /api/jobs/{id}/retry. Only settled jobs can be
// retried; the retry is a fresh job, the original keeps its record.
func (h *JobHandler) RetryJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id = strings.TrimSuffix(id, "/retry")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobs.Fetch(r.Context(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to fetch job")
		WriteError(w, http.StatusInternalServerError, "Failed to fetch job")
		return
	}
	if !job.Retryable() {
		WriteError(w, http.StatusConflict, fmt.Sprintf("Job in status %s cannot be retried", job.Status))
		return
	}

	newID, err := h.jobs.Requeue(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to requeue job")
		WriteError(w, http.StatusInternalServerError, "Failed to requeue job")
		return
	}

	h.logger.Info().Str("job_id", id).Str("new_job_id", newID).Msg("Job requeued")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id": newID,
		"status": models.JobStatusQueued,
		"of":     id,
	})
}

// ListRetailersHandler handles GET /api/retailers
func (h *JobHandler) ListRetailersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"retailers": h.registry.Names(),
	})
}
