package models

import (
	"errors"
	"time"
)

// ErrNoJob is returned when no queued job is available to claim
var ErrNoJob = errors.New("no queued job")

// ErrJobNotFound is returned when a job id does not exist in the store
var ErrJobNotFound = errors.New("job not found")

// JobStatus represents the state of a search job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"    // Created, not yet claimed
	JobStatusRunning   JobStatus = "RUNNING"   // Claimed by the worker
	JobStatusBlocked   JobStatus = "BLOCKED"   // Suspended pending human intervention
	JobStatusSucceeded JobStatus = "SUCCEEDED" // Terminal success
	JobStatusFailed    JobStatus = "FAILED"    // Terminal failure
)

// Terminal failure reasons with fixed spellings. The API and operator UI key
// off these strings, so they are contracts, not log text.
const (
	ReasonBlockRetryLimit = "BLOCK_RETRY_LIMIT"
	ReasonUnblockTimeout  = "UNBLOCK_TIMEOUT"
)

// Job is one unit of retailer search work tracked through the status state
// machine. Query and payload are fixed at creation; re-entry into RUNNING from
// BLOCKED re-attempts the same query against the same retailer.
type Job struct {
	ID            string                 `json:"id"`
	Retailer      string                 `json:"retailer"`
	Query         string                 `json:"query"`
	Status        JobStatus              `json:"status"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	BlockAttempts int                    `json:"block_attempts"` // Blocks seen while running this job
	RetryAttempts int                    `json:"retry_attempts"` // Transient-error retries, independent of block attempts
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// IsTerminal reports whether the job has finished for good
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

// Retryable reports whether the job may be re-enqueued as a fresh job.
// Only failed jobs and jobs stuck behind a human handoff qualify.
func (j *Job) Retryable() bool {
	return j.Status == JobStatusFailed || j.Status == JobStatusBlocked
}
