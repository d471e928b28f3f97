/**
 * @description
 * Cron scheduler for the reconciliation jobs.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const reconcileJobTimeout = 2 * time.Minute

// Reconciler is the part of Service the scheduler drives.
type Reconciler interface {
	ReconcilePendingDonations(ctx context.Context, limit int) (ReconcileResult, error)
	ReconcileDonationEffects(ctx context.Context, limit int) (ReconcileResult, error)
}

// SchedulerConfig holds the cron specs and batch size.
type SchedulerConfig struct {
	PendingSchedule string
	EffectsSchedule string
	BatchSize       int
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	logger     zerolog.Logger
	config     SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler Reconciler, logger zerolog.Logger, cfg SchedulerConfig) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cronLogger := cron.PrintfLogger(&logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		logger:     logger,
		config:     cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.PendingSchedule, s.reconcilePending); err != nil {
		s.logger.Error().Err(err).Msg("failed to schedule pending donation reconciliation")
	} else {
		s.logger.Info().Str("schedule", s.config.PendingSchedule).Msg("scheduled pending donation reconciliation")
	}

	if _, err := s.cron.AddFunc(s.config.EffectsSchedule, s.reconcileEffects); err != nil {
		s.logger.Error().Err(err).Msg("failed to schedule donation effects reconciliation")
	} else {
		s.logger.Info().Str("schedule", s.config.EffectsSchedule).Msg("scheduled donation effects reconciliation")
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) reconcilePending() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileJobTimeout)
	defer cancel()
	if _, err := s.reconciler.ReconcilePendingDonations(ctx, s.config.BatchSize); err != nil {
		s.logger.Error().Err(err).Msg("pending donation reconciliation failed")
	}
}

func (s *Scheduler) reconcileEffects() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileJobTimeout)
	defer cancel()
	if _, err := s.reconciler.ReconcileDonationEffects(ctx, s.config.BatchSize); err != nil {
		s.logger.Error().Err(err).Msg("donation effects reconciliation failed")
	}
}
