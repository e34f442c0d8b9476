package models

import (
	"errors"
	"time"
)

// ErrNoUnblockState is returned when a job has no unblock record
var ErrNoUnblockState = errors.New("no unblock state")

// UnblockState is the per-job record coordinating a human unblock handoff.
// At most one row is active system-wide: there is a single shared browser, so
// the operator can only ever be looking at one challenge. Done is the resume
// signal and satisfies only the matching job id; it is cleared once consumed
// so a stale done can never release a later job.
type UnblockState struct {
	JobID      string    `json:"job_id"`
	BlockedURL string    `json:"blocked_url,omitempty"`
	Reason     string    `json:"reason"`
	Active     bool      `json:"active"`
	Done       bool      `json:"done"`
	UpdatedAt  time.Time `json:"updated_at"`
}
