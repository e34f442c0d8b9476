package dispatch

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

// Coordinator runs the human handoff for a blocked job: capture diagnostics,
// park the job as BLOCKED, surface the blocked page in the operator's browser
// and wait for the done signal. The dispatcher owns the block-attempt ceiling;
// by the time HandleBlock is called the job has already been granted a wait.
type Coordinator struct {
	config    *common.UnblockConfig
	jobs      *sqlite.JobStorage
	unblock   *sqlite.UnblockStorage
	session   Session
	artifacts ArtifactCapturer
	notifier  Notifier
	logger    arbor.ILogger
}

// NewCoordinator creates an unblock coordinator
func NewCoordinator(config *common.UnblockConfig, jobs *sqlite.JobStorage, unblock *sqlite.UnblockStorage, session Session, capturer ArtifactCapturer, notifier Notifier, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		config:    config,
		jobs:      jobs,
		unblock:   unblock,
		session:   session,
		artifacts: capturer,
		notifier:  notifier,
		logger:    logger,
	}
}

// HandleBlock parks the job behind a human handoff and blocks until the
// operator signals done or the wait times out. It returns true when the job
// was resumed to RUNNING and the caller should retry the search, false when
// the wait timed out and the job was failed. Errors are reserved for storage
// failures and context cancellation.
func (c *Coordinator) HandleBlock(ctx context.Context, job *models.Job, snapshot *models.PageSnapshot, reason string, responses []models.ResponseSummary) (bool, error) {
	var paths []string
	if c.artifacts != nil {
		paths = c.artifacts.CaptureBlock(ctx, job.ID, snapshot, c.session, responses)
	}

	if err := c.unblock.Activate(ctx, job.ID, reason, snapshot.URL); err != nil {
		return false, err
	}

	result := map[string]interface{}{
		"reason":      reason,
		"blocked_url": snapshot.URL,
	}
	if len(paths) > 0 {
		result["artifacts"] = paths
	}
	if err := c.jobs.MarkBlocked(ctx, job.ID, reason, result); err != nil {
		return false, err
	}

	// Bring the challenge in front of the operator. Best-effort: the handoff
	// still works from the status endpoint if the tab fails to open.
	c.session.OpenURL(ctx, snapshot.URL)

	c.logger.Info().
		Str("job_id", job.ID).
		Str("reason", reason).
		Str("blocked_url", snapshot.URL).
		Str("timeout", c.config.Timeout.String()).
		Msg("Job blocked, waiting for operator")
	c.notifyUnblock(ctx, job.ID)
	c.notifyJob(ctx, job.ID)

	done, err := c.waitForDone(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if !done {
		// Keep the record for postmortem, just no longer active
		if derr := c.unblock.Deactivate(ctx, job.ID); derr != nil {
			c.logger.Warn().Err(derr).Str("job_id", job.ID).Msg("Failed to deactivate unblock state")
		}
		if ferr := c.jobs.MarkFailed(ctx, job.ID, models.ReasonUnblockTimeout, map[string]interface{}{
			"reason":      reason,
			"blocked_url": snapshot.URL,
		}); ferr != nil {
			return false, ferr
		}
		c.logger.Warn().Str("job_id", job.ID).Msg("Unblock wait timed out")
		c.notifyUnblock(ctx, job.ID)
		c.notifyJob(ctx, job.ID)
		return false, nil
	}

	// Done signal consumed exactly once, then the job resumes
	if err := c.unblock.Clear(ctx, job.ID); err != nil {
		return false, err
	}
	if err := c.jobs.MarkRunning(ctx, job.ID); err != nil {
		return false, err
	}
	c.logger.Info().Str("job_id", job.ID).Msg("Operator signalled done, resuming job")
	c.notifyUnblock(ctx, job.ID)
	c.notifyJob(ctx, job.ID)
	return true, nil
}

// waitForDone polls the done flag for this job until it flips, the wait times
// out, or the context is cancelled. Signals for other jobs never resume this
// one; the poll matches on job ID only.
func (c *Coordinator) waitForDone(ctx context.Context, jobID string) (bool, error) {
	deadline := time.NewTimer(c.config.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			done, err := c.unblock.IsDone(ctx, jobID)
			if err != nil {
				c.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to poll unblock state")
				continue
			}
			if done {
				return true, nil
			}
		}
	}
}

func (c *Coordinator) notifyJob(ctx context.Context, id string) {
	if c.notifier == nil {
		return
	}
	if job, err := c.jobs.Fetch(ctx, id); err == nil {
		c.notifier.JobUpdated(job)
	}
}

func (c *Coordinator) notifyUnblock(ctx context.Context, jobID string) {
	if c.notifier == nil {
		return
	}
	if state, err := c.unblock.Get(ctx, jobID); err == nil {
		c.notifier.UnblockChanged(state)
	}
}
