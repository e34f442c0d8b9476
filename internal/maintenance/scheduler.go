package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/artifacts"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/storage/sqlite"
)

// Scheduler runs the background housekeeping sweeps: artifact retention and
// stale RUNNING job recovery.
type Scheduler struct {
	config    *common.MaintenanceConfig
	jobs      *sqlite.JobStorage
	artifacts *artifacts.Service
	cron      *cron.Cron
	logger    arbor.ILogger
}

// New creates a maintenance scheduler
func New(config *common.MaintenanceConfig, jobs *sqlite.JobStorage, artifactService *artifacts.Service, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		config:    config,
		jobs:      jobs,
		artifacts: artifactService,
		cron:      cron.New(cron.WithSeconds()),
		logger:    logger,
	}
}

// Start registers the sweeps and starts the cron loop
func (s *Scheduler) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Maintenance scheduler disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.config.ArtifactSchedule, s.sweepArtifacts); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.config.StaleRunningSchedule, s.resetStaleRunning); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("artifact_schedule", s.config.ArtifactSchedule).
		Str("stale_running_schedule", s.config.StaleRunningSchedule).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running sweeps
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

func (s *Scheduler) sweepArtifacts() {
	removed, err := s.artifacts.Sweep(s.config.ArtifactRetention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Artifact retention sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Artifact retention sweep completed")
	}
}

func (s *Scheduler) resetStaleRunning() {
	count, err := s.jobs.ResetStaleRunning(context.Background(), s.config.StaleRunningAge)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stale job sweep failed")
		return
	}
	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Stale RUNNING jobs requeued")
	}
}
