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

// KVStorage implements small key/value storage on SQLite. Holds operator
// flags and per-retailer overrides (fallback store URL).
type KVStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex // Prevents SQLITE_BUSY errors on concurrent writes
}

// NewKVStorage creates a new KVStorage instance
func NewKVStorage(db *SQLiteDB, logger arbor.ILogger) *KVStorage {
	return &KVStorage{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a value by key. Returns models.ErrNotFound when absent.
func (s *KVStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.db.QueryRowContext(ctx, `SELECT value FROM key_value_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// Set inserts or updates a key/value pair
func (s *KVStorage) Set(ctx context.Context, key, value, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO key_value_store (key, value, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, key, value, description, now, now)
	if err != nil {
		return fmt.Errorf("failed to set key/value: %w", err)
	}
	return nil
}

// Delete removes a key/value pair. Deleting an absent key is not an error.
func (s *KVStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM key_value_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// List returns all key/value pairs ordered by updated_at DESC
func (s *KVStorage) List(ctx context.Context) ([]models.KeyValuePair, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT key, value, description, created_at, updated_at
		FROM key_value_store
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list key/value pairs: %w", err)
	}
	defer rows.Close()

	pairs := []models.KeyValuePair{}
	for rows.Next() {
		var pair models.KeyValuePair
		var createdAt, updatedAt int64

		if err := rows.Scan(&pair.Key, &pair.Value, &pair.Description, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		pair.CreatedAt = time.Unix(createdAt, 0)
		pair.UpdatedAt = time.Unix(updatedAt, 0)
		pairs = append(pairs, pair)
	}

	return pairs, rows.Err()
}
