package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/models"
)

func setupUnblockStorage(t *testing.T) (*UnblockStorage, func()) {
	db, cleanup := setupTestDB(t)
	return NewUnblockStorage(db, arbor.NewLogger()), cleanup
}

func TestUnblockStorage_ActivateAndGet(t *testing.T) {
	storage, cleanup := setupUnblockStorage(t)
	defer cleanup()
	ctx := context.Background()

	err := storage.Activate(ctx, "job_a", "DATADOME_BLOCKED", "https://store/challenge")
	require.NoError(t, err)

	state, err := storage.Get(ctx, "job_a")
	require.NoError(t, err)
	assert.Equal(t, "job_a", state.JobID)
	assert.Equal(t, "DATADOME_BLOCKED", state.Reason)
	assert.Equal(t, "https://store/challenge", state.BlockedURL)
	assert.True(t, state.Active)
	assert.False(t, state.Done)
}

func TestUnblockStorage_SingleActiveInvariant(t *testing.T) {
	storage, cleanup := setupUnblockStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.Activate(ctx, "job_a", "DATADOME_BLOCKED", "https://a"))
	require.NoError(t, storage.Activate(ctx, "job_b", "CHALLENGE_BLOCKED", "https://b"))

	// Activating job_b deactivates job_a: at most one active row system-wide.
	a, err := storage.Get(ctx, "job_a")
	require.NoError(t, err)
	assert.False(t, a.Active)

	b, err := storage.Get(ctx, "job_b")
	require.NoError(t, err)
	assert.True(t, b.Active)

	active, err := storage.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_b", active.JobID)
}

func TestUnblockStorage_DoneIsolationByJobID(t *testing.T) {
	storage, cleanup := setupUnblockStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.Activate(ctx, "job_a", "DATADOME_BLOCKED", ""))
	require.NoError(t, storage.Activate(ctx, "job_b", "DATADOME_BLOCKED", ""))

	require.NoError(t, storage.MarkDone(ctx, "job_a"))

	// A done signal for job_a never releases job_b.
	doneA, err := storage.IsDone(ctx, "job_a")
	require.NoError(t, err)
	assert.True(t, doneA)

	doneB, err := storage.IsDone(ctx, "job_b")
	require.NoError(t, err)
	assert.False(t, doneB)
}

func TestUnblockStorage_MarkDoneUnknownJob(t *testing.T) {
	storage, cleanup := setupUnblockStorage(t)
	defer cleanup()

	err := storage.MarkDone(context.Background(), "job_missing")
	assert.ErrorIs(t, err, models.ErrNoUnblockState)
}

func TestUnblockStorage_ClearConsumesSignal(t *testing.T) {
	storage, cleanup := setupUnblockStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.Activate(ctx, "job_a", "DATADOME_BLOCKED", ""))
	require.NoError(t, storage.MarkDone(ctx, "job_a"))
	require.NoError(t, storage.Clear(ctx, "job_a"))

	_, err := storage.Get(ctx, "job_a")
	assert.ErrorIs(t, err, models.ErrNoUnblockState)

	// Once consumed, the signal cannot release a later block for the same job.
	done, err := storage.IsDone(ctx, "job_a")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestUnblockStorage_DeactivateKeepsRecord(t *testing.T) {
	storage, cleanup := setupUnblockStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.Activate(ctx, "job_a", "DATADOME_BLOCKED", "https://a"))
	require.NoError(t, storage.Deactivate(ctx, "job_a"))

	state, err := storage.Get(ctx, "job_a")
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, "DATADOME_BLOCKED", state.Reason)

	_, err = storage.GetActive(ctx)
	assert.ErrorIs(t, err, models.ErrNoUnblockState)
}

func TestUnblockStorage_ClearAll(t *testing.T) {
	storage, cleanup := setupUnblockStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.Activate(ctx, "job_a", "DATADOME_BLOCKED", ""))
	require.NoError(t, storage.MarkDone(ctx, "job_a"))
	require.NoError(t, storage.ClearAll(ctx))

	state, err := storage.Get(ctx, "job_a")
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.False(t, state.Done)
}
