package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/artifacts"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/retailers"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

// fakeSession satisfies Session without a browser
type fakeSession struct {
	mu        sync.Mutex
	opened    []string
	ensureErr error
}

func (f *fakeSession) EnsurePage(ctx context.Context) error { return f.ensureErr }

func (f *fakeSession) Navigate(ctx context.Context, url string) (*models.PageSnapshot, error) {
	return &models.PageSnapshot{URL: url}, nil
}

func (f *fakeSession) OpenURL(ctx context.Context, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
}

func (f *fakeSession) Screenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }

func (f *fakeSession) StartCapture() ResponseCapture { return &fakeCapture{} }

func (f *fakeSession) openedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

type fakeCapture struct{}

func (f *fakeCapture) Stop() {}

func (f *fakeCapture) Responses() []models.ResponseSummary {
	return []models.ResponseSummary{{URL: "https://example.test/api", Status: 403}}
}

type fakeCapturer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCapturer) CaptureBlock(ctx context.Context, jobID string, snapshot *models.PageSnapshot, shooter artifacts.Screenshotter, responses []models.ResponseSummary) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []string{"block.png"}
}

func (f *fakeCapturer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStrategy plays back scripted search outcomes; the last step repeats
type searchStep struct {
	outcome *retailers.Outcome
	err     error
}

type fakeStrategy struct {
	mu    sync.Mutex
	steps []searchStep
	calls int
}

func (f *fakeStrategy) Name() string { return "leclerc" }

func (f *fakeStrategy) Search(ctx context.Context, page retailers.Page, query string) (*retailers.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.steps) == 0 {
		return nil, fmt.Errorf("no scripted outcome")
	}
	step := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return step.outcome, step.err
}

func (f *fakeStrategy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func cleanOutcome(n int) *retailers.Outcome {
	items := make([]models.Product, n)
	for i := range items {
		items[i] = models.Product{Name: fmt.Sprintf("Coca-Cola Original %d", i), Price: "2,15 €"}
	}
	return &retailers.Outcome{
		Page: &models.PageSnapshot{
			URL:   "https://fd12-courses.leclercdrive.fr/recherche.aspx?TexteRecherche=coca",
			Title: "Recherche - E.Leclerc DRIVE",
			HTML:  "<html><body><ul><li>produits</li></ul></body></html>",
		},
		Result: &models.SearchResult{
			Items: items,
			Debug: map[string]interface{}{"title": "Recherche - E.Leclerc DRIVE"},
		},
	}
}

func blockedOutcome() *retailers.Outcome {
	return &retailers.Outcome{
		Page: &models.PageSnapshot{
			URL:   "https://fd12-courses.leclercdrive.fr/recherche.aspx?TexteRecherche=coca",
			Title: "Un instant...",
			HTML:  `<html><head><script src="https://geo.captcha-delivery.com/captcha/challenge.js"></script></head></html>`,
		},
		Result: &models.SearchResult{},
	}
}

type fixture struct {
	config   *common.Config
	jobs     *sqlite.JobStorage
	unblock  *sqlite.UnblockStorage
	session  *fakeSession
	strategy *fakeStrategy
	capturer *fakeCapturer
	d        *Dispatcher
}

func setupDispatcher(t *testing.T) (*fixture, func()) {
	logger := arbor.NewLogger()

	config := common.NewDefaultConfig()
	config.Storage.SQLite.Path = t.TempDir() + "/test.db"
	config.Storage.SQLite.WALMode = false
	config.Dispatch.PollInterval = 20 * time.Millisecond
	config.Dispatch.MaxJobRetries = 1
	config.Unblock.PollInterval = 10 * time.Millisecond
	config.Unblock.Timeout = 2 * time.Second
	config.Unblock.MaxBlockRetries = 2

	db, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	require.NoError(t, err)

	fx := &fixture{
		config:   config,
		jobs:     sqlite.NewJobStorage(db, logger),
		unblock:  sqlite.NewUnblockStorage(db, logger),
		session:  &fakeSession{},
		strategy: &fakeStrategy{},
		capturer: &fakeCapturer{},
	}
	registry := retailers.NewRegistry(logger)
	registry.Register(fx.strategy)
	fx.d = New(config, fx.jobs, fx.unblock, registry, fx.session, fx.capturer, nil, logger)

	return fx, func() { db.Close() }
}

// operator marks done for whichever job is actively blocked, until stopped
func runOperator(fx *fixture, stop <-chan struct{}) {
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-time.After(5 * time.Millisecond):
		}
		state, err := fx.unblock.GetActive(ctx)
		if err != nil || state.Done {
			continue
		}
		_ = fx.unblock.MarkDone(ctx, state.JobID)
	}
}

func TestDispatcher_SuccessfulJob(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	fx.strategy.steps = []searchStep{{outcome: cleanOutcome(3)}}
	id, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	require.NoError(t, fx.d.drain(ctx))

	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, float64(3), job.Result["count"])
	assert.Len(t, job.Result["items"], 3)
	assert.Equal(t, 0, job.BlockAttempts)
	assert.Equal(t, 0, job.RetryAttempts)

	_, err = fx.unblock.Get(ctx, id)
	assert.ErrorIs(t, err, models.ErrNoUnblockState)
}

func TestDispatcher_UnsupportedRetailer(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	id, err := fx.jobs.Enqueue(ctx, "carrefour", "coca", nil)
	require.NoError(t, err)

	require.NoError(t, fx.d.drain(ctx))

	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "Unsupported retailer: carrefour", job.Error)
	assert.Equal(t, 0, fx.strategy.callCount())
}

func TestDispatcher_BlockedThenResumed(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	fx.strategy.steps = []searchStep{
		{outcome: blockedOutcome()},
		{outcome: cleanOutcome(2)},
	}
	id, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	go runOperator(fx, stop)
	defer close(stop)

	require.NoError(t, fx.d.drain(ctx))

	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, 1, job.BlockAttempts)
	assert.Equal(t, float64(2), job.Result["count"])
	assert.Equal(t, 2, fx.strategy.callCount())
	assert.Equal(t, 1, fx.capturer.count())

	// Blocked page was surfaced to the operator
	require.Len(t, fx.session.openedURLs(), 1)
	assert.Contains(t, fx.session.openedURLs()[0], "leclercdrive.fr")

	// Done signal consumed with the resume
	_, err = fx.unblock.Get(ctx, id)
	assert.ErrorIs(t, err, models.ErrNoUnblockState)
}

func TestDispatcher_BlockRetryLimit(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	// Every attempt comes back blocked, the operator keeps clearing
	fx.strategy.steps = []searchStep{{outcome: blockedOutcome()}}
	id, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	go runOperator(fx, stop)
	defer close(stop)

	require.NoError(t, fx.d.drain(ctx))

	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ReasonBlockRetryLimit, job.Error)
	assert.Equal(t, 3, job.BlockAttempts)
	assert.Equal(t, "DATADOME_BLOCKED", job.Result["reason"])

	// Third block fails immediately: two waits, three search attempts
	assert.Equal(t, 3, fx.strategy.callCount())
	assert.Equal(t, 2, fx.capturer.count())

	_, err = fx.unblock.GetActive(ctx)
	assert.ErrorIs(t, err, models.ErrNoUnblockState)
}

func TestDispatcher_UnblockTimeout(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	fx.config.Unblock.Timeout = 100 * time.Millisecond
	fx.strategy.steps = []searchStep{{outcome: blockedOutcome()}}
	id, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	require.NoError(t, fx.d.drain(ctx))

	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ReasonUnblockTimeout, job.Error)
	assert.Equal(t, 1, job.BlockAttempts)
	assert.Equal(t, 1, fx.strategy.callCount())

	// Record kept for postmortem, no longer active
	state, err := fx.unblock.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, state.Active)
}

func TestDispatcher_DoneForOtherJobDoesNotResume(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	fx.config.Unblock.Timeout = 150 * time.Millisecond
	fx.strategy.steps = []searchStep{{outcome: blockedOutcome()}}

	// A leftover record for an unrelated job
	require.NoError(t, fx.unblock.Activate(ctx, "job_other", "DATADOME_BLOCKED", "https://other.test"))

	id, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			_ = fx.unblock.MarkDone(ctx, "job_other")
		}
	}()
	defer close(stop)

	require.NoError(t, fx.d.drain(ctx))

	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.ReasonUnblockTimeout, job.Error)
}

func TestDispatcher_TransientErrorRetry(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	fx.strategy.steps = []searchStep{
		{err: fmt.Errorf("navigate timeout")},
		{outcome: cleanOutcome(1)},
	}
	id, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	require.NoError(t, fx.d.drain(ctx))

	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	assert.Equal(t, 1, job.RetryAttempts)
	assert.Equal(t, 0, job.BlockAttempts)
}

func TestDispatcher_TransientErrorExhausted(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	fx.strategy.steps = []searchStep{{err: fmt.Errorf("navigate timeout")}}
	id, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	require.NoError(t, fx.d.drain(ctx))

	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "navigate timeout", job.Error)
	assert.Equal(t, 2, job.RetryAttempts)
	assert.Equal(t, 2, fx.strategy.callCount())
}

func TestDispatcher_FIFOAcrossJobs(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	fx.strategy.steps = []searchStep{{outcome: cleanOutcome(1)}}
	first, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)
	second, err := fx.jobs.Enqueue(ctx, "leclerc", "pepsi", nil)
	require.NoError(t, err)

	require.NoError(t, fx.d.drain(ctx))

	a, err := fx.jobs.Fetch(ctx, first)
	require.NoError(t, err)
	b, err := fx.jobs.Fetch(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, a.Status)
	assert.Equal(t, models.JobStatusSucceeded, b.Status)
	assert.True(t, !a.UpdatedAt.After(b.UpdatedAt))
}

func TestDispatcher_BrowserUnavailable(t *testing.T) {
	fx, cleanup := setupDispatcher(t)
	defer cleanup()
	ctx := context.Background()

	fx.session.ensureErr = fmt.Errorf("connect refused")
	id, err := fx.jobs.Enqueue(ctx, "leclerc", "coca", nil)
	require.NoError(t, err)

	err = fx.d.drain(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser session unavailable")

	// Job stays RUNNING for the stale-running sweep to requeue
	job, err := fx.jobs.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
}
