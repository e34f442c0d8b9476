package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Probes
	mux.HandleFunc("/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/ready", s.app.StatusHandler.ReadyHandler)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // /{id} and subpaths

	// API routes - Unblock handoff
	mux.HandleFunc("/api/unblock/status", s.app.UnblockHandler.GetStatusHandler)
	mux.HandleFunc("/api/unblock/blocked", s.app.UnblockHandler.MarkBlockedHandler)
	mux.HandleFunc("/api/unblock/done", s.app.UnblockHandler.MarkDoneHandler)
	mux.HandleFunc("/api/unblock/clear", s.app.UnblockHandler.ClearHandler)

	// API routes - Operator presence and settings
	mux.HandleFunc("/api/operator/active", s.handleOperatorActiveRoute)
	mux.HandleFunc("/api/kv", s.app.KVHandler.ListHandler)

	// API routes - Retailers
	mux.HandleFunc("/api/retailers", s.app.JobHandler.ListRetailersHandler)

	// API routes - System
	mux.HandleFunc("/api/logs", s.app.WSHandler.GetRecentLogsHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.StatusHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs (list and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.JobHandler.ListJobsHandler(w, r)
	case http.MethodPost:
		s.app.JobHandler.CreateJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes routes /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == http.MethodPost && strings.HasSuffix(path, "/retry") {
		s.app.JobHandler.RetryJobHandler(w, r)
		return
	}

	if r.Method == http.MethodGet && strings.HasSuffix(path, "/artifacts") {
		s.app.ArtifactHandler.ListByJobHandler(w, r)
		return
	}

	if r.Method == http.MethodGet && len(path) > len("/api/jobs/") {
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleOperatorActiveRoute routes /api/operator/active
func (s *Server) handleOperatorActiveRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.KVHandler.GetOperatorActiveHandler(w, r)
	case http.MethodPost:
		s.app.KVHandler.SetOperatorActiveHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
