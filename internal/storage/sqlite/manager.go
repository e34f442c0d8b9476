package sqlite

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/common"
)

// Manager bundles the SQLite-backed stores behind one connection
type Manager struct {
	db      *SQLiteDB
	jobs    *JobStorage
	unblock *UnblockStorage
	kv      *KVStorage
	logger  arbor.ILogger
}

// NewManager opens the database and wires up the stores
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (*Manager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		db:      db,
		jobs:    NewJobStorage(db, logger),
		unblock: NewUnblockStorage(db, logger),
		kv:      NewKVStorage(db, logger),
		logger:  logger,
	}

	logger.Info().Msg("SQLite storage manager initialized")
	return m, nil
}

// JobStorage returns the job store
func (m *Manager) JobStorage() *JobStorage {
	return m.jobs
}

// UnblockStorage returns the unblock state store
func (m *Manager) UnblockStorage() *UnblockStorage {
	return m.unblock
}

// KVStorage returns the key/value store
func (m *Manager) KVStorage() *KVStorage {
	return m.kv
}

// Ping verifies the database connection
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.Ping(ctx)
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}
