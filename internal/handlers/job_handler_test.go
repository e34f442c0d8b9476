package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/retailers"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

func setupStorage(t *testing.T) (*sqlite.Manager, func()) {
	logger := arbor.NewLogger()
	config := &common.SQLiteConfig{
		Path:          t.TempDir() + "/test.db",
		CacheSizeMB:   10,
		WALMode:       false,
		BusyTimeoutMS: 5000,
	}
	manager, err := sqlite.NewManager(logger, config)
	require.NoError(t, err)
	return manager, func() { manager.Close() }
}

func setupJobHandler(t *testing.T) (*JobHandler, *sqlite.Manager, func()) {
	manager, cleanup := setupStorage(t)
	registry := retailers.NewRegistry(arbor.NewLogger())
	registry.Register(retailers.NewLeclercStrategy("https://fd12-courses.leclercdrive.fr/magasin-173301/", arbor.NewLogger()))
	return NewJobHandler(manager.JobStorage(), registry, arbor.NewLogger()), manager, cleanup
}

func TestJobHandler_CreateJob(t *testing.T) {
	h, manager, cleanup := setupJobHandler(t)
	defer cleanup()

	body := `{"retailer": "leclerc", "query": "coca"}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.CreateJobHandler(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "QUEUED", resp["status"])

	id, ok := resp["job_id"].(string)
	require.True(t, ok)
	job, err := manager.JobStorage().Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "leclerc", job.Retailer)
	assert.Equal(t, "coca", job.Query)
}

func TestJobHandler_CreateJob_MissingQuery(t *testing.T) {
	h, _, cleanup := setupJobHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"retailer": "leclerc"}`))
	w := httptest.NewRecorder()
	h.CreateJobHandler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobHandler_CreateJob_InvalidJSON(t *testing.T) {
	h, _, cleanup := setupJobHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{`))
	w := httptest.NewRecorder()
	h.CreateJobHandler(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobHandler_GetJob_NotFound(t *testing.T) {
	h, _, cleanup := setupJobHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_missing", nil)
	w := httptest.NewRecorder()
	h.GetJobHandler(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandler_GetJob(t *testing.T) {
	h, manager, cleanup := setupJobHandler(t)
	defer cleanup()
	ctx := context.Background()

	id, err := manager.JobStorage().Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil)
	w := httptest.NewRecorder()
	h.GetJobHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestJobHandler_ListJobs(t *testing.T) {
	h, manager, cleanup := setupJobHandler(t)
	defer cleanup()
	ctx := context.Background()

	_, err := manager.JobStorage().Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)
	_, err = manager.JobStorage().Enqueue(ctx, "leclerc", "pepsi", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := httptest.NewRecorder()
	h.ListJobsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestJobHandler_RetryJob(t *testing.T) {
	h, manager, cleanup := setupJobHandler(t)
	defer cleanup()
	ctx := context.Background()

	id, err := manager.JobStorage().Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	// Queued jobs cannot be retried
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/retry", nil)
	w := httptest.NewRecorder()
	h.RetryJobHandler(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Failed jobs can
	claimed, err := manager.JobStorage().ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.JobStorage().MarkFailed(ctx, claimed.ID, "navigate timeout", nil))

	req = httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/retry", nil)
	w = httptest.NewRecorder()
	h.RetryJobHandler(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	newID, ok := resp["job_id"].(string)
	require.True(t, ok)
	assert.NotEqual(t, id, newID)
	assert.Equal(t, id, resp["of"])

	retried, err := manager.JobStorage().Fetch(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, retried.Status)
	assert.Equal(t, "coca", retried.Query)
}

func TestJobHandler_RetryJob_NotFound(t *testing.T) {
	h, _, cleanup := setupJobHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job_missing/retry", nil)
	w := httptest.NewRecorder()
	h.RetryJobHandler(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandler_ListRetailers(t *testing.T) {
	h, _, cleanup := setupJobHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/retailers", nil)
	w := httptest.NewRecorder()
	h.ListRetailersHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Retailers []string `json:"retailers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"leclerc"}, resp.Retailers)
}
