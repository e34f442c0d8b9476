package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/storage/badger"
)

// Screenshotter is the slice of the browser session the capture needs
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Service captures diagnostic artifacts when a job blocks: a screenshot, the
// raw HTML, a markdown rendition of the page, and a recent-network summary.
// Every capture is best-effort; a failed capture is logged and skipped, never
// escalated to job failure.
type Service struct {
	index     *badger.ArtifactStorage
	baseDir   string
	converter *md.Converter
	logger    arbor.ILogger
}

// NewService creates the artifact capture service
func NewService(index *badger.ArtifactStorage, baseDir string, logger arbor.ILogger) *Service {
	return &Service{
		index:     index,
		baseDir:   baseDir,
		converter: md.NewConverter("", true, nil),
		logger:    logger,
	}
}

// CaptureBlock records everything useful about a blocked page for the
// postmortem. Returns the paths of whatever was captured.
func (s *Service) CaptureBlock(ctx context.Context, jobID string, snapshot *models.PageSnapshot, shooter Screenshotter, responses []models.ResponseSummary) []string {
	dir := filepath.Join(s.baseDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Cannot create artifact directory, skipping captures")
		return nil
	}

	stamp := time.Now().Format("20060102-150405")
	paths := []string{}

	if shooter != nil {
		if png, err := shooter.Screenshot(ctx); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Screenshot capture failed")
		} else if path := s.write(jobID, models.ArtifactScreenshot, filepath.Join(dir, "blocked-"+stamp+".png"), png); path != "" {
			paths = append(paths, path)
		}
	}

	if snapshot != nil && snapshot.HTML != "" {
		if path := s.write(jobID, models.ArtifactHTML, filepath.Join(dir, "blocked-"+stamp+".html"), []byte(snapshot.HTML)); path != "" {
			paths = append(paths, path)
		}

		if markdown, err := s.converter.ConvertString(snapshot.HTML); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Markdown rendition failed")
		} else if path := s.write(jobID, models.ArtifactSummary, filepath.Join(dir, "blocked-"+stamp+".md"), []byte(markdown)); path != "" {
			paths = append(paths, path)
		}
	}

	if len(responses) > 0 {
		if data, err := json.MarshalIndent(responses, "", "  "); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Network summary serialization failed")
		} else if path := s.write(jobID, models.ArtifactNetwork, filepath.Join(dir, "network-"+stamp+".json"), data); path != "" {
			paths = append(paths, path)
		}
	}

	s.logger.Info().Str("job_id", jobID).Int("captured", len(paths)).Msg("Block artifacts captured")
	return paths
}

// write stores one payload and indexes it. Returns "" on failure.
func (s *Service) write(jobID string, kind models.ArtifactKind, path string, data []byte) string {
	if err := os.WriteFile(path, data, 0644); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Artifact write failed")
		return ""
	}

	record := &models.ArtifactRecord{
		ID:         common.NewArtifactID(),
		JobID:      jobID,
		Kind:       kind,
		Path:       path,
		Size:       int64(len(data)),
		CapturedAt: time.Now(),
	}
	if err := s.index.Save(record); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Artifact index write failed")
	}

	return path
}

// ListByJob returns the indexed artifacts for a job
func (s *Service) ListByJob(jobID string) ([]models.ArtifactRecord, error) {
	return s.index.ListByJob(jobID)
}

// Sweep deletes artifacts older than the retention window, files first, then
// index records. Returns how many records were removed.
func (s *Service) Sweep(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	records, err := s.index.ListOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired artifacts: %w", err)
	}

	removed := 0
	for _, record := range records {
		if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", record.Path).Msg("Failed to delete artifact file")
			continue
		}
		if err := s.index.Delete(record.ID); err != nil {
			s.logger.Warn().Err(err).Str("artifact_id", record.ID).Msg("Failed to delete artifact record")
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Artifact retention sweep complete")
	}
	return removed, nil
}
