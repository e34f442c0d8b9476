package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
)

// JobStorage implements SQLite storage for search jobs
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex // Prevents SQLITE_BUSY errors on concurrent writes
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// Enqueue creates a new QUEUED job and returns its id
func (s *JobStorage) Enqueue(ctx context.Context, retailer, query string, payload map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON := "{}"
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to serialize payload: %w", err)
		}
		payloadJSON = string(data)
	}

	id := common.NewJobID()
	now := time.Now().Unix()

	query_ := `
		INSERT INTO jobs (id, retailer, query, status, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query_, id, retailer, query, string(models.JobStatusQueued), payloadJSON, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Debug().Str("job_id", id).Str("retailer", retailer).Str("query", query).Msg("Job enqueued")
	return id, nil
}

// Fetch retrieves a job by id. Returns models.ErrJobNotFound when absent.
func (s *JobStorage) Fetch(ctx context.Context, id string) (*models.Job, error) {
	query := `
		SELECT id, retailer, query, status, payload_json, result_json, error,
		       block_attempts, retry_attempts, created_at, updated_at
		FROM jobs
		WHERE id = ?
	`
	row := s.db.db.QueryRowContext(ctx, query, id)
	return scanJob(row)
}

// List returns jobs ordered newest first, optionally filtered by status
func (s *JobStorage) List(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	query := `
		SELECT id, retailer, query, status, payload_json, result_json, error,
		       block_attempts, retry_attempts, created_at, updated_at
		FROM jobs
	`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns job counts grouped by status
func (s *JobStorage) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[models.JobStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

// ClaimNextQueued atomically claims the oldest QUEUED job, transitioning it to
// RUNNING. Exactly one caller wins a given job: the claim is a compare-and-swap
// UPDATE guarded on status, and losers move on to the next candidate. Returns
// models.ErrNoJob when the queue is empty.
func (s *JobStorage) ClaimNextQueued(ctx context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	for {
		var id string
		err := s.db.db.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ?
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		`, string(models.JobStatusQueued)).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, models.ErrNoJob
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find queued job: %w", err)
		}

		result, err := s.db.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(models.JobStatusRunning), now, id, string(models.JobStatusQueued))
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			// Another claimer won this job; try the next candidate.
			continue
		}

		s.logger.Debug().Str("job_id", id).Msg("Job claimed")
		return s.Fetch(ctx, id)
	}
}

// MarkRunning transitions a job back to RUNNING (used on resume from BLOCKED)
func (s *JobStorage) MarkRunning(ctx context.Context, id string) error {
	return s.updateStatus(ctx, id, models.JobStatusRunning, nil, nil)
}

// MarkBlocked suspends a job pending human intervention. The reason lands in
// the error column so the API surfaces it while the job is parked.
func (s *JobStorage) MarkBlocked(ctx context.Context, id, reason string, result map[string]interface{}) error {
	return s.updateStatus(ctx, id, models.JobStatusBlocked, &reason, result)
}

// MarkSucceeded finishes a job with its extraction result
func (s *JobStorage) MarkSucceeded(ctx context.Context, id string, result map[string]interface{}) error {
	empty := ""
	return s.updateStatus(ctx, id, models.JobStatusSucceeded, &empty, result)
}

// MarkFailed finishes a job with a terminal error
func (s *JobStorage) MarkFailed(ctx context.Context, id, errMsg string, result map[string]interface{}) error {
	return s.updateStatus(ctx, id, models.JobStatusFailed, &errMsg, result)
}

// updateStatus performs an atomic status+timestamp update keyed by job id
func (s *JobStorage) updateStatus(ctx context.Context, id string, status models.JobStatus, errMsg *string, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()

	query := `UPDATE jobs SET status = ?, updated_at = ?`
	args := []interface{}{string(status), now}

	if errMsg != nil {
		query += ", error = ?"
		args = append(args, *errMsg)
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to serialize result: %w", err)
		}
		query += ", result_json = ?"
		args = append(args, string(data))
	}

	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrJobNotFound
	}

	s.logger.Debug().Str("job_id", id).Str("status", string(status)).Msg("Job status updated")
	return nil
}

// IncrementBlockAttempts bumps the block-attempt counter and returns the new
// count. Independent of retry attempts; the two counters never conflate.
func (s *JobStorage) IncrementBlockAttempts(ctx context.Context, id string) (int, error) {
	return s.incrementCounter(ctx, id, "block_attempts")
}

// IncrementRetryAttempts bumps the transient-error retry counter and returns
// the new count
func (s *JobStorage) IncrementRetryAttempts(ctx context.Context, id string) (int, error) {
	return s.incrementCounter(ctx, id, "retry_attempts")
}

func (s *JobStorage) incrementCounter(ctx context.Context, id, column string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// column is one of two fixed names, never caller input
	query := fmt.Sprintf(`
		UPDATE jobs SET %s = %s + 1, updated_at = ?
		WHERE id = ?
		RETURNING %s
	`, column, column, column)

	var count int
	err := s.db.db.QueryRowContext(ctx, query, time.Now().Unix(), id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, models.ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", column, err)
	}
	return count, nil
}

// Requeue creates a fresh QUEUED job carrying the retailer/query/payload of an
// existing job. Used by the retry endpoint; the original job keeps its
// terminal record.
func (s *JobStorage) Requeue(ctx context.Context, id string) (string, error) {
	job, err := s.Fetch(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Enqueue(ctx, job.Retailer, job.Query, job.Payload)
}

// ResetStaleRunning returns RUNNING jobs older than age to QUEUED. Covers
// worker crashes that leave claimed jobs stranded.
func (s *JobStorage) ResetStaleRunning(ctx context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-age).Unix()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, string(models.JobStatusQueued), now.Unix(), string(models.JobStatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		s.logger.Warn().Int64("count", affected).Msg("Stale RUNNING jobs returned to queue")
	}
	return int(affected), nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var payloadJSON string
	var resultJSON, errMsg sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&job.ID, &job.Retailer, &job.Query, (*string)(&job.Status),
		&payloadJSON, &resultJSON, &errMsg,
		&job.BlockAttempts, &job.RetryAttempts, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to parse payload: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &job.Result); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}

	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	return &job, nil
}
