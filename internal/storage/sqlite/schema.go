package sqlite

import "fmt"

// Schema statements are idempotent; migrate runs them on every open.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		retailer TEXT NOT NULL,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		result_json TEXT,
		error TEXT,
		block_attempts INTEGER NOT NULL DEFAULT 0,
		retry_attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	// Composite index drives ClaimNextQueued's FIFO scan.
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,

	`CREATE TABLE IF NOT EXISTS unblock_state (
		job_id TEXT PRIMARY KEY,
		blocked_url TEXT,
		reason TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		done INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_unblock_active ON unblock_state(active)`,

	`CREATE TABLE IF NOT EXISTS key_value_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// migrate creates or updates the database schema
func (s *SQLiteDB) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	s.logger.Debug().Msg("Schema migration complete")
	return nil
}
