package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"shopimage/internal/infra"
)

// DefaultSchedule is the backstop reconciliation cadence.
const DefaultSchedule = "*/5 * * * *"

// Scheduler wakes the reconciler on a cron schedule and runs the
// maintenance sweeps on each tick.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
	logger     zerolog.Logger
}

// NewScheduler builds a Scheduler; an empty schedule uses DefaultSchedule.
func NewScheduler(reconciler *Reconciler, schedule string, logger zerolog.Logger) *Scheduler {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	logger = infra.Component(logger, "scheduler")
	cronLogger := cron.PrintfLogger(&logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{cron: c, reconciler: reconciler, schedule: schedule, logger: logger}
}

// Start registers the tick and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("scheduler: started")
	return nil
}

// Stop halts the cron runner; the returned context is done once running
// ticks finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Tick wakes the reconciler and runs the sweeps once.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.reconciler.Notify()

	if n, err := s.reconciler.RequeueStale(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduler: requeue sweep failed")
	} else if n > 0 {
		s.logger.Info().Int("count", n).Msg("scheduler: requeued stale jobs")
	}
	if n, err := s.reconciler.SweepOrphanReservations(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduler: orphan sweep failed")
	} else if n > 0 {
		s.logger.Warn().Int("count", n).Msg("scheduler: refunded orphaned reservations")
	}
	if n, err := s.reconciler.SweepUnrefundedFailures(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduler: refund sweep failed")
	} else if n > 0 {
		s.logger.Warn().Int("count", n).Msg("scheduler: settled deferred refunds")
	}
}
