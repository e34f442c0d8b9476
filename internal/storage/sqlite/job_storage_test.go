package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
)

// setupTestDB creates a test database and returns cleanup function
func setupTestDB(t *testing.T) (*SQLiteDB, func()) {
	tempDir := t.TempDir()

	config := &common.SQLiteConfig{
		Path:          tempDir + "/test.db",
		CacheSizeMB:   10,
		WALMode:       false,
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()
	db, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func setupJobStorage(t *testing.T) (*JobStorage, func()) {
	db, cleanup := setupTestDB(t)
	return NewJobStorage(db, arbor.NewLogger()), cleanup
}

func TestJobStorage_EnqueueAndFetch(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()
	ctx := context.Background()

	id, err := storage.Enqueue(ctx, "leclerc", "coca", map[string]interface{}{"limit": 20})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := storage.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "leclerc", job.Retailer)
	assert.Equal(t, "coca", job.Query)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, float64(20), job.Payload["limit"])
	assert.Equal(t, 0, job.BlockAttempts)
	assert.Equal(t, 0, job.RetryAttempts)
}

func TestJobStorage_FetchNotFound(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()

	_, err := storage.Fetch(context.Background(), "job_missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestJobStorage_ClaimNextQueued_FIFO(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()
	ctx := context.Background()

	first, err := storage.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)
	second, err := storage.Enqueue(ctx, "leclerc", "cafe", nil)
	require.NoError(t, err)

	job, err := storage.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	job, err = storage.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, job.ID)

	_, err = storage.ClaimNextQueued(ctx)
	assert.ErrorIs(t, err, models.ErrNoJob)
}

func TestJobStorage_ClaimNextQueued_SingleWinner(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, err := storage.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	empty := 0

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := storage.ClaimNextQueued(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err == models.ErrNoJob {
				empty++
				return
			}
			require.NoError(t, err)
			require.NotNil(t, job)
			winners++
		}()
	}
	wg.Wait()

	// Exactly one claimer receives the job; the rest see an empty queue.
	assert.Equal(t, 1, winners)
	assert.Equal(t, claimers-1, empty)
}

func TestJobStorage_StatusTransitions(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()
	ctx := context.Background()

	id, err := storage.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	require.NoError(t, storage.MarkRunning(ctx, id))
	job, _ := storage.Fetch(ctx, id)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	require.NoError(t, storage.MarkBlocked(ctx, id, "DATADOME_BLOCKED", map[string]interface{}{"blocked_url": "https://x"}))
	job, _ = storage.Fetch(ctx, id)
	assert.Equal(t, models.JobStatusBlocked, job.Status)
	assert.Equal(t, "DATADOME_BLOCKED", job.Error)

	require.NoError(t, storage.MarkSucceeded(ctx, id, map[string]interface{}{"count": 3}))
	job, _ = storage.Fetch(ctx, id)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, float64(3), job.Result["count"])
	assert.True(t, job.IsTerminal())
}

func TestJobStorage_MarkFailedNotFound(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()

	err := storage.MarkFailed(context.Background(), "job_missing", "boom", nil)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestJobStorage_CountersAreIndependent(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()
	ctx := context.Background()

	id, err := storage.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	count, err := storage.IncrementBlockAttempts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = storage.IncrementBlockAttempts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = storage.IncrementRetryAttempts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := storage.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, job.BlockAttempts)
	assert.Equal(t, 1, job.RetryAttempts)
}

func TestJobStorage_Requeue(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()
	ctx := context.Background()

	id, err := storage.Enqueue(ctx, "leclerc", "coca", map[string]interface{}{"limit": 10})
	require.NoError(t, err)
	require.NoError(t, storage.MarkFailed(ctx, id, "boom", nil))

	newID, err := storage.Requeue(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	fresh, err := storage.Fetch(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, fresh.Status)
	assert.Equal(t, "coca", fresh.Query)
	assert.Equal(t, float64(10), fresh.Payload["limit"])
}

func TestJobStorage_ResetStaleRunning(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()
	ctx := context.Background()

	id, err := storage.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)
	_, err = storage.ClaimNextQueued(ctx)
	require.NoError(t, err)

	// A freshly claimed job is not stale.
	count, err := storage.ResetStaleRunning(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// With a zero age everything RUNNING counts as stale.
	time.Sleep(1100 * time.Millisecond)
	count, err = storage.ResetStaleRunning(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := storage.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestJobStorage_List(t *testing.T) {
	storage, cleanup := setupJobStorage(t)
	defer cleanup()
	ctx := context.Background()

	a, err := storage.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)
	_, err = storage.Enqueue(ctx, "leclerc", "cafe", nil)
	require.NoError(t, err)
	require.NoError(t, storage.MarkFailed(ctx, a, "boom", nil))

	all, err := storage.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := storage.List(ctx, string(models.JobStatusFailed), 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a, failed[0].ID)
}
