package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

// KVHandler exposes the small operational key/value store. The operator UI
// uses it for presence (operator_active) and per-retailer settings.
type KVHandler struct {
	kv     *sqlite.KVStorage
	logger arbor.ILogger
}

// NewKVHandler creates a new KVHandler
func NewKVHandler(kv *sqlite.KVStorage, logger arbor.ILogger) *KVHandler {
	return &KVHandler{kv: kv, logger: logger}
}

// ListHandler handles GET /api/kv
func (h *KVHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	pairs, err := h.kv.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list key/value pairs")
		WriteError(w, http.StatusInternalServerError, "Failed to list key/value pairs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": pairs})
}

// GetOperatorActiveHandler handles GET /api/operator/active
func (h *KVHandler) GetOperatorActiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	value, err := h.kv.Get(r.Context(), models.KeyOperatorActive)
	if errors.Is(err, models.ErrNotFound) {
		value = "0"
	} else if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read operator presence")
		WriteError(w, http.StatusInternalServerError, "Failed to read operator presence")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"active": value == "1",
	})
}

type operatorActiveRequest struct {
	Active bool `json:"active"`
}

// SetOperatorActiveHandler handles POST /api/operator/active
func (h *KVHandler) SetOperatorActiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req operatorActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	value := "0"
	if req.Active {
		value = "1"
	}
	if err := h.kv.Set(r.Context(), models.KeyOperatorActive, value, "Operator UI presence flag"); err != nil {
		h.logger.Error().Err(err).Msg("Failed to set operator presence")
		WriteError(w, http.StatusInternalServerError, "Failed to set operator presence")
		return
	}

	h.logger.Debug().Bool("active", req.Active).Msg("Operator presence updated")
	WriteJSON(w, http.StatusOK, map[string]interface{}{"active": req.Active})
}
