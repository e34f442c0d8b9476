package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/blocker"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/retailers"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

// Dispatcher is the single sequential worker: it claims queued jobs in FIFO
// order, drives the retailer strategy against the shared browser session and
// settles each job before claiming the next. One job owns the page at a time.
type Dispatcher struct {
	config      *common.Config
	jobs        *sqlite.JobStorage
	unblock     *sqlite.UnblockStorage
	registry    *retailers.Registry
	session     Session
	coordinator *Coordinator
	notifier    Notifier
	logger      arbor.ILogger
}

// New creates a dispatcher and its unblock coordinator
func New(config *common.Config, jobs *sqlite.JobStorage, unblock *sqlite.UnblockStorage, registry *retailers.Registry, session Session, capturer ArtifactCapturer, notifier Notifier, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		config:      config,
		jobs:        jobs,
		unblock:     unblock,
		registry:    registry,
		session:     session,
		coordinator: NewCoordinator(&config.Unblock, jobs, unblock, session, capturer, notifier, logger),
		notifier:    notifier,
		logger:      logger,
	}
}

// Run polls the job store until the context is cancelled. It returns an error
// only when the browser session is exhausted and no job can make progress;
// jobs left RUNNING by such an exit are requeued by the stale-running sweep.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Str("poll_interval", d.config.Dispatch.PollInterval.String()).
		Msg("Job dispatcher started")

	ticker := time.NewTicker(d.config.Dispatch.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Job dispatcher stopped")
			return nil
		case <-ticker.C:
			if err := d.drain(ctx); err != nil {
				if ctx.Err() != nil {
					d.logger.Info().Msg("Job dispatcher stopped")
					return nil
				}
				return err
			}
		}
	}
}

// drain claims and processes jobs until the queue is empty
func (d *Dispatcher) drain(ctx context.Context) error {
	for {
		job, err := d.jobs.ClaimNextQueued(ctx)
		if err == models.ErrNoJob {
			return nil
		}
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to claim next job")
			return nil
		}

		d.logger.Info().
			Str("job_id", job.ID).
			Str("retailer", job.Retailer).
			Str("query", job.Query).
			Msg("Job claimed")
		d.notifyJob(ctx, job.ID)

		if err := d.process(ctx, job); err != nil {
			return err
		}
	}
}

// process runs one claimed job to a settled state. Block waits happen inline:
// the worker parks on the blocked job rather than moving on, so the queue
// behind it holds until the handoff resolves.
func (d *Dispatcher) process(ctx context.Context, job *models.Job) error {
	strategy, err := d.registry.Resolve(job.Retailer)
	if err != nil {
		msg := fmt.Sprintf("Unsupported retailer: %s", job.Retailer)
		if ferr := d.jobs.MarkFailed(ctx, job.ID, msg, nil); ferr != nil {
			d.logger.Warn().Err(ferr).Str("job_id", job.ID).Msg("Failed to fail job")
		}
		d.logger.Warn().Str("job_id", job.ID).Str("retailer", job.Retailer).Msg(msg)
		d.notifyJob(ctx, job.ID)
		return nil
	}

	for {
		if err := d.session.EnsurePage(ctx); err != nil {
			return fmt.Errorf("browser session unavailable: %w", err)
		}

		outcome, responses, err := d.runSearch(ctx, strategy, job)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retries, ierr := d.jobs.IncrementRetryAttempts(ctx, job.ID)
			if ierr != nil {
				d.logger.Warn().Err(ierr).Str("job_id", job.ID).Msg("Failed to count retry attempt")
				retries = d.config.Dispatch.MaxJobRetries + 1
			}
			if retries > d.config.Dispatch.MaxJobRetries {
				d.fail(ctx, job.ID, err.Error(), nil)
				return nil
			}
			d.logger.Warn().Err(err).
				Str("job_id", job.ID).
				Int("retry_attempts", retries).
				Msg("Search attempt failed, retrying")
			continue
		}

		reason, blocked := blocker.Classify(outcome.Page.HTML, outcome.Page.URL, outcome.Page.Title)
		if !blocked {
			result := map[string]interface{}{
				"items": outcome.Result.Items,
				"count": len(outcome.Result.Items),
			}
			if len(outcome.Result.Debug) > 0 {
				result["debug"] = outcome.Result.Debug
			}
			if err := d.jobs.MarkSucceeded(ctx, job.ID, result); err != nil {
				d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record success")
			}
			if err := d.unblock.Clear(ctx, job.ID); err != nil {
				d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to clear unblock state")
			}
			d.logger.Info().
				Str("job_id", job.ID).
				Int("count", len(outcome.Result.Items)).
				Msg("Job succeeded")
			d.notifyJob(ctx, job.ID)
			return nil
		}

		attempts, ierr := d.jobs.IncrementBlockAttempts(ctx, job.ID)
		if ierr != nil {
			d.logger.Warn().Err(ierr).Str("job_id", job.ID).Msg("Failed to count block attempt")
			attempts = d.config.Unblock.MaxBlockRetries + 1
		}
		if attempts > d.config.Unblock.MaxBlockRetries {
			// Ceiling reached: fail immediately, no further human wait
			d.fail(ctx, job.ID, models.ReasonBlockRetryLimit, map[string]interface{}{
				"reason":         reason,
				"block_attempts": attempts,
			})
			d.logger.Warn().
				Str("job_id", job.ID).
				Int("block_attempts", attempts).
				Msg("Block retry limit reached")
			return nil
		}

		resumed, err := d.coordinator.HandleBlock(ctx, job, outcome.Page, reason, responses)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.fail(ctx, job.ID, fmt.Sprintf("unblock handoff failed: %v", err), nil)
			return nil
		}
		if !resumed {
			return nil
		}
		// Operator cleared the block: retry the search on the same job
	}
}

// runSearch executes one extraction attempt with a scoped network capture so
// a block on this attempt has its response log attached to the artifacts.
func (d *Dispatcher) runSearch(ctx context.Context, strategy retailers.Strategy, job *models.Job) (*retailers.Outcome, []models.ResponseSummary, error) {
	capture := d.session.StartCapture()
	defer capture.Stop()

	outcome, err := strategy.Search(ctx, d.session, job.Query)
	if err != nil {
		return nil, nil, err
	}
	return outcome, capture.Responses(), nil
}

// fail settles a job as FAILED and drops any unblock state it held
func (d *Dispatcher) fail(ctx context.Context, id, errMsg string, result map[string]interface{}) {
	if err := d.jobs.MarkFailed(ctx, id, errMsg, result); err != nil {
		d.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to fail job")
	}
	if err := d.unblock.Clear(ctx, id); err != nil {
		d.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to clear unblock state")
	}
	d.notifyJob(ctx, id)
}

func (d *Dispatcher) notifyJob(ctx context.Context, id string) {
	if d.notifier == nil {
		return
	}
	if job, err := d.jobs.Fetch(ctx, id); err == nil {
		d.notifier.JobUpdated(job)
	}
}
