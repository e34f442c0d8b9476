package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/models"
)

// UnblockStorage implements SQLite storage for per-job unblock state.
// One row per job keyed by job_id; at most one row is active system-wide
// because the operator only ever faces one shared browser.
type UnblockStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewUnblockStorage creates a new unblock state storage instance
func NewUnblockStorage(db *SQLiteDB, logger arbor.ILogger) *UnblockStorage {
	return &UnblockStorage{
		db:     db,
		logger: logger,
	}
}

// Activate records a block for a job and surfaces it to the operator. Any
// other active row is deactivated first inside the same transaction, so the
// human can never be looking at a stale challenge.
func (s *UnblockStorage) Activate(ctx context.Context, jobID, reason, blockedURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	if _, err := tx.ExecContext(ctx, `
		UPDATE unblock_state SET active = 0, updated_at = ?
		WHERE active = 1 AND job_id != ?
	`, now, jobID); err != nil {
		return fmt.Errorf("failed to deactivate stale unblock state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO unblock_state (job_id, blocked_url, reason, active, done, updated_at)
		VALUES (?, ?, ?, 1, 0, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			blocked_url = excluded.blocked_url,
			reason = excluded.reason,
			active = 1,
			done = 0,
			updated_at = excluded.updated_at
	`, jobID, nullable(blockedURL), reason, now); err != nil {
		return fmt.Errorf("failed to activate unblock state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit unblock activation: %w", err)
	}

	s.logger.Info().Str("job_id", jobID).Str("reason", reason).Str("blocked_url", blockedURL).Msg("Unblock state activated")
	return nil
}

// Get retrieves the unblock state for a job. Returns models.ErrNoUnblockState
// when the job has no record.
func (s *UnblockStorage) Get(ctx context.Context, jobID string) (*models.UnblockState, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT job_id, blocked_url, reason, active, done, updated_at
		FROM unblock_state
		WHERE job_id = ?
	`, jobID)
	return scanUnblockState(row)
}

// GetActive returns the single active row, or models.ErrNoUnblockState when
// nothing is currently surfaced to the operator
func (s *UnblockStorage) GetActive(ctx context.Context) (*models.UnblockState, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT job_id, blocked_url, reason, active, done, updated_at
		FROM unblock_state
		WHERE active = 1
		LIMIT 1
	`)
	return scanUnblockState(row)
}

// MarkDone sets the human-resolved signal for exactly one job. The signal is
// matched by job_id when consumed, never by recency.
func (s *UnblockStorage) MarkDone(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE unblock_state SET done = 1, updated_at = ?
		WHERE job_id = ?
	`, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark unblock done: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrNoUnblockState
	}

	s.logger.Info().Str("job_id", jobID).Msg("Unblock marked done by operator")
	return nil
}

// IsDone reports whether the human has resolved the block for this job
func (s *UnblockStorage) IsDone(ctx context.Context, jobID string) (bool, error) {
	state, err := s.Get(ctx, jobID)
	if err == models.ErrNoUnblockState {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Done, nil
}

// Clear consumes the unblock record for a job. Called on resume and on
// terminal transitions so a stale done signal can never release a later job.
func (s *UnblockStorage) Clear(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM unblock_state WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to clear unblock state: %w", err)
	}

	s.logger.Debug().Str("job_id", jobID).Msg("Unblock state cleared")
	return nil
}

// Deactivate leaves the row in place but takes it off the operator surface.
// Used when an unblock wait times out: the record stays for postmortems.
func (s *UnblockStorage) Deactivate(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.db.ExecContext(ctx, `
		UPDATE unblock_state SET active = 0, updated_at = ?
		WHERE job_id = ?
	`, time.Now().Unix(), jobID); err != nil {
		return fmt.Errorf("failed to deactivate unblock state: %w", err)
	}
	return nil
}

// ClearAll deactivates every row. Operator escape hatch behind the clear
// endpoint.
func (s *UnblockStorage) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.db.ExecContext(ctx, `
		UPDATE unblock_state SET active = 0, done = 0, updated_at = ?
	`, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to clear unblock states: %w", err)
	}

	s.logger.Info().Msg("All unblock states cleared")
	return nil
}

func scanUnblockState(row *sql.Row) (*models.UnblockState, error) {
	var state models.UnblockState
	var blockedURL sql.NullString
	var active, done int
	var updatedAt int64

	err := row.Scan(&state.JobID, &blockedURL, &state.Reason, &active, &done, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNoUnblockState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan unblock state: %w", err)
	}

	if blockedURL.Valid {
		state.BlockedURL = blockedURL.String
	}
	state.Active = active == 1
	state.Done = done == 1
	state.UpdatedAt = time.Unix(updatedAt, 0)
	return &state, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
