package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

// UnblockHandler exposes the human handoff: the operator UI polls the blocked
// status, opens the challenge and posts done when it is solved.
type UnblockHandler struct {
	unblock  *sqlite.UnblockStorage
	logger   arbor.ILogger
	validate *validator.Validate
}

// NewUnblockHandler creates a new UnblockHandler
func NewUnblockHandler(unblock *sqlite.UnblockStorage, logger arbor.ILogger) *UnblockHandler {
	return &UnblockHandler{
		unblock:  unblock,
		logger:   logger,
		validate: validator.New(),
	}
}

// GetStatusHandler handles GET /api/unblock/status
func (h *UnblockHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	state, err := h.unblock.GetActive(r.Context())
	if errors.Is(err, models.ErrNoUnblockState) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"blocked": false})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read unblock state")
		WriteError(w, http.StatusInternalServerError, "Failed to read unblock state")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"blocked":     true,
		"job_id":      state.JobID,
		"unblock_url": state.BlockedURL,
		"reason":      state.Reason,
		"done":        state.Done,
		"updated_at":  state.UpdatedAt,
	})
}

type doneRequest struct {
	JobID string `json:"job_id,omitempty"`
}

// MarkDoneHandler handles POST /api/unblock/done. With no job_id in the body
// the signal goes to the currently active handoff.
func (h *UnblockHandler) MarkDoneHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req doneRequest
	if r.Body != nil {
		// Empty body is fine, it targets the active handoff
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	jobID := req.JobID
	if jobID == "" {
		state, err := h.unblock.GetActive(r.Context())
		if errors.Is(err, models.ErrNoUnblockState) {
			WriteError(w, http.StatusNotFound, "No active unblock state")
			return
		}
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to read unblock state")
			WriteError(w, http.StatusInternalServerError, "Failed to read unblock state")
			return
		}
		jobID = state.JobID
	}

	if err := h.unblock.MarkDone(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrNoUnblockState) {
			WriteError(w, http.StatusNotFound, "No unblock state for job")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark unblock done")
		WriteError(w, http.StatusInternalServerError, "Failed to mark unblock done")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Operator marked unblock done")
	WriteSuccess(w, fmt.Sprintf("Done signal recorded for %s", jobID))
}

type blockedRequest struct {
	JobID  string `json:"job_id" validate:"required"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// MarkBlockedHandler handles POST /api/unblock/blocked. Normally the worker
// raises the handoff itself; this endpoint lets an operator or external tool
// park a job manually.
func (h *UnblockHandler) MarkBlockedHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req blockedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}
	if req.Reason == "" {
		req.Reason = "MANUAL_BLOCKED"
	}

	if err := h.unblock.Activate(r.Context(), req.JobID, req.Reason, req.URL); err != nil {
		h.logger.Error().Err(err).Str("job_id", req.JobID).Msg("Failed to activate unblock state")
		WriteError(w, http.StatusInternalServerError, "Failed to activate unblock state")
		return
	}

	h.logger.Warn().
		Str("job_id", req.JobID).
		Str("reason", req.Reason).
		Msg("Unblock state activated via API")
	WriteSuccess(w, fmt.Sprintf("Unblock state activated for %s", req.JobID))
}

// ClearHandler handles POST /api/unblock/clear. Drops all handoff records,
// including done signals that were never consumed.
func (h *UnblockHandler) ClearHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := h.unblock.ClearAll(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to clear unblock state")
		WriteError(w, http.StatusInternalServerError, "Failed to clear unblock state")
		return
	}

	WriteSuccess(w, "Unblock state cleared")
}
