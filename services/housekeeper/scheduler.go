package housekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

const (
	refreshJobName = "catalog-refresh"
	sweepJobName   = "housekeeping"
	jobTimeout     = 10 * time.Minute
)

// Scheduler runs catalog refreshes, each followed by a sweep, plus an
// independent periodic sweep.
type Scheduler struct {
	scheduler   gocron.Scheduler
	housekeeper *Housekeeper
	logger      zerolog.Logger

	// base is the parent context of every job run.
	base context.Context
}

// NewScheduler returns a Scheduler driving hk. Call Schedule and Start.
func NewScheduler(hk *Housekeeper, logger zerolog.Logger) (*Scheduler, error) {
	if hk == nil {
		return nil, errors.New("housekeeper is required")
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler:   s,
		housekeeper: hk,
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Schedule registers the refresh and sweep jobs. The first refresh runs as
// soon as the scheduler starts.
func (s *Scheduler) Schedule(ctx context.Context, refreshEvery, sweepEvery time.Duration) error {
	if refreshEvery <= 0 || sweepEvery <= 0 {
		return errors.New("intervals must be positive")
	}
	s.base = ctx
	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(refreshEvery),
		gocron.NewTask(s.refreshAndSweep),
		gocron.WithName(refreshJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return fmt.Errorf("schedule %s: %w", refreshJobName, err)
	}
	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(sweepEvery),
		gocron.NewTask(s.sweep),
		gocron.WithName(sweepJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule %s: %w", sweepJobName, err)
	}
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.Info().Msg("starting scheduler")
	s.scheduler.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.logger.Info().Msg("stopping scheduler")
	return s.scheduler.Shutdown()
}

// RefreshAndSweep refreshes the catalog once and then sweeps. The sweep
// runs even when the refresh fails, against the previous snapshot.
func (h *Housekeeper) RefreshAndSweep(ctx context.Context) (Report, error) {
	if h == nil {
		return Report{}, errors.New("nil housekeeper")
	}
	refreshErr := h.catalog.Refresh(ctx)
	if refreshErr != nil {
		h.logger.Error().Err(refreshErr).Msg("catalog refresh failed")
	}
	report, err := h.Sweep(ctx)
	return report, errors.Join(refreshErr, err)
}

func (s *Scheduler) refreshAndSweep() {
	ctx, cancel := context.WithTimeout(s.base, jobTimeout)
	defer cancel()
	if _, err := s.housekeeper.RefreshAndSweep(ctx); err != nil {
		s.logger.Warn().Err(err).Str("job", refreshJobName).Msg("scheduled job finished with errors")
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.base, jobTimeout)
	defer cancel()
	if _, err := s.housekeeper.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Str("job", sweepJobName).Msg("housekeeping sweep failed")
	}
}
