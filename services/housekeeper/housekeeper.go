// Package housekeeper retires builds that can no longer be served: failed or
// abandoned builds, and builds of releases that left the catalog.
package housekeeper

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"fwforge/pkg/metrics"
	"fwforge/services/builds"
	"fwforge/services/catalog"
)

// DefaultInFlightGrace is how long an in-flight build may go without a
// status change before it is considered abandoned.
const DefaultInFlightGrace = time.Hour

// Catalog provides the current source snapshot.
type Catalog interface {
	Snapshot() *catalog.Snapshot
	Refresh(ctx context.Context) error
}

// Store is the subset of builds.Store used by a sweep.
type Store interface {
	RetirementCandidates(ctx context.Context, filter builds.SweepFilter) ([]builds.Candidate, error)
	Retire(ctx context.Context, c builds.Candidate) error
}

// Storage removes the stored artifacts of a build.
type Storage interface {
	EmptyDirectory(ctx context.Context, buildID string) (int, error)
}

// Options tunes a Housekeeper.
type Options struct {
	// InFlightGrace protects builds that are still moving through their
	// stages. Zero uses DefaultInFlightGrace; a negative value retires
	// in-flight builds unconditionally.
	InFlightGrace time.Duration
	Now           func() time.Time
	Logger        zerolog.Logger
}

// Housekeeper sweeps stale builds.
type Housekeeper struct {
	catalog Catalog
	store   Store
	storage Storage
	grace   time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// Report summarises one sweep.
type Report struct {
	Candidates    int
	Retired       int
	Skipped       int
	Objects       int
	StorageErrors int
}

// New returns a Housekeeper.
func New(cat Catalog, store Store, storage Storage, opts Options) (*Housekeeper, error) {
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.InFlightGrace == 0 {
		opts.InFlightGrace = DefaultInFlightGrace
	}
	if opts.InFlightGrace < 0 {
		opts.InFlightGrace = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Housekeeper{
		catalog: cat,
		store:   store,
		storage: storage,
		grace:   opts.InFlightGrace,
		now:     opts.Now,
		logger:  opts.Logger.With().Str("component", "housekeeper").Logger(),
	}, nil
}

// Sweep deletes every retirement candidate and then empties its storage
// prefix. Until the catalog has been populated once, only the status
// criterion applies. Candidates that changed after they were listed are
// skipped. Storage failures are logged and do not stop the sweep.
func (h *Housekeeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	if h == nil {
		return report, errors.New("nil housekeeper")
	}

	filter := builds.SweepFilter{}
	if snap := h.catalog.Snapshot(); snap.Populated() {
		filter.MatchReleases = true
		for id := range snap.ReleaseIDs() {
			filter.LiveReleaseIDs = append(filter.LiveReleaseIDs, id)
		}
		sort.Strings(filter.LiveReleaseIDs)
	} else {
		h.logger.Warn().Msg("catalog not populated yet, only retiring unfinished builds")
	}

	candidates, err := h.store.RetirementCandidates(ctx, filter)
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)

	now := h.now()
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger := h.logger.With().Str("build_id", c.ID).Str("status", c.Status).Str("release_id", c.ReleaseID).Logger()

		if status := builds.Status(c.Status); status.InFlight() && h.grace > 0 && now.Sub(c.UpdatedAt) < h.grace {
			report.Skipped++
			continue
		}

		err := h.store.Retire(ctx, c)
		switch {
		case errors.Is(err, builds.ErrBuildChanged):
			// Retried or advanced after the candidates were read.
			report.Skipped++
			logger.Debug().Msg("build changed, keeping it")
			continue
		case err != nil && !errors.Is(err, builds.ErrBuildNotFound):
			logger.Error().Err(err).Msg("unable to delete build")
			continue
		}
		report.Retired++
		metrics.HousekeeperRetired.Inc()

		n, err := h.storage.EmptyDirectory(ctx, c.ID)
		report.Objects += n
		if err != nil {
			report.StorageErrors++
			logger.Warn().Err(err).Msg("unable to empty build directory")
			continue
		}
		logger.Debug().Int("objects", n).Msg("build retired")
	}

	h.logger.Info().
		Int("candidates", report.Candidates).
		Int("retired", report.Retired).
		Int("skipped", report.Skipped).
		Int("objects", report.Objects).
		Msg("housekeeping sweep finished")
	return report, nil
}
