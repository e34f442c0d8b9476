package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/browser"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

// StatusHandler handles health and readiness probes
type StatusHandler struct {
	config  *common.Config
	storage *sqlite.Manager
	logger  arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(config *common.Config, storage *sqlite.Manager, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		config:  config,
		storage: storage,
		logger:  logger,
	}
}

// HealthHandler handles GET /health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "mercor",
		"version": common.GetVersion(),
	})
}

// ReadyHandler handles GET /ready. Ready means the job store answers and the
// browser remote-debugging endpoint is reachable.
func (h *StatusHandler) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	response := map[string]interface{}{
		"status": "ready",
	}
	status := http.StatusOK

	if err := h.storage.Ping(r.Context()); err != nil {
		response["status"] = "not_ready"
		response["storage"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	endpoint := browser.CheckEndpoint(r.Context(), h.config.Browser.Endpoint)
	response["browser"] = endpoint
	if !endpoint.OK {
		response["status"] = "not_ready"
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, response)
}

// VersionHandler handles GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// NotFoundHandler returns a JSON 404 for unmatched API routes
func (h *StatusHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "Not found")
}
