package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ArtifactStorage indexes diagnostic captures in BadgerHold. The payloads are
// plain files on disk; this store answers "what was captured for job X" and
// drives the retention sweep.
type ArtifactStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewArtifactStorage creates a new artifact index storage instance
func NewArtifactStorage(db *BadgerDB, logger arbor.ILogger) *ArtifactStorage {
	return &ArtifactStorage{
		db:     db,
		logger: logger,
	}
}

// Save inserts an artifact record
func (s *ArtifactStorage) Save(record *models.ArtifactRecord) error {
	if err := s.db.Store().Insert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save artifact record: %w", err)
	}

	s.logger.Debug().
		Str("artifact_id", record.ID).
		Str("job_id", record.JobID).
		Str("kind", string(record.Kind)).
		Msg("Artifact record saved")
	return nil
}

// ListByJob returns all artifact records for a job, newest first
func (s *ArtifactStorage) ListByJob(jobID string) ([]models.ArtifactRecord, error) {
	var records []models.ArtifactRecord
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID").SortBy("CapturedAt").Reverse()
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list artifacts for job: %w", err)
	}
	if records == nil {
		records = []models.ArtifactRecord{}
	}
	return records, nil
}

// ListOlderThan returns artifact records captured before the cutoff
func (s *ArtifactStorage) ListOlderThan(cutoff time.Time) ([]models.ArtifactRecord, error) {
	var records []models.ArtifactRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("CapturedAt").Lt(cutoff)); err != nil {
		return nil, fmt.Errorf("failed to list old artifacts: %w", err)
	}
	return records, nil
}

// Delete removes an artifact record by id
func (s *ArtifactStorage) Delete(id string) error {
	if err := s.db.Store().Delete(id, &models.ArtifactRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete artifact record: %w", err)
	}
	return nil
}
