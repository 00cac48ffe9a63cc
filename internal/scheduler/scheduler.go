/**
 * @description
 * Cron scheduler setup for the settlement service's background jobs.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Config carries the cron schedules and job tuning.
type Config struct {
	RetryDispatchSchedule string
	ReconcileSchedule     string
	AutoReleaseSchedule   string
	BatchSize             int
	StaleAfter            time.Duration
	JobTimeout            time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.RetryDispatchSchedule, s.jobs.DispatchDueRetries); err != nil {
		s.logger.Error("failed to schedule retry dispatch job", "error", err)
	} else {
		s.logger.Info("scheduled retry dispatch job", "schedule", s.config.RetryDispatchSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.jobs.ReconcileStaleTransfers); err != nil {
		s.logger.Error("failed to schedule transfer reconciliation job", "error", err)
	} else {
		s.logger.Info("scheduled transfer reconciliation job", "schedule", s.config.ReconcileSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.AutoReleaseSchedule, s.jobs.ProcessEscrowAutoRelease); err != nil {
		s.logger.Error("failed to schedule escrow auto-release job", "error", err)
	} else {
		s.logger.Info("scheduled escrow auto-release job", "schedule", s.config.AutoReleaseSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
