// Package builds turns build requests into content addressed build records
// and hands new ones to a toolchain runner.
package builds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"fwforge/pkg/metrics"
	"fwforge/services/catalog"
)

var tracer = otel.Tracer("fwforge/builds")

// Resolver looks up a buildable source.
type Resolver interface {
	Find(repo, version string) (*catalog.Source, error)
}

// Task is one accepted build handed to a Runner.
type Task struct {
	Build    Build
	Source   *catalog.Source
	Progress *Progress
}

// Runner executes a build to completion. Run must report the outcome
// through task.Progress and must not panic.
type Runner interface {
	Supports(toolchain string) bool
	Run(ctx context.Context, task Task)
}

// CoordinatorOptions tunes a Coordinator.
type CoordinatorOptions struct {
	// MaxConcurrent bounds concurrently running tasks. Zero means no bound;
	// tasks waiting for a slot stay QUEUED.
	MaxConcurrent int64
	// QueuedHeartbeat is how often a build waiting for a slot heartbeats.
	// Zero uses DefaultTouchInterval.
	QueuedHeartbeat time.Duration
	Logger          zerolog.Logger
}

// Coordinator deduplicates build requests and launches new builds.
type Coordinator struct {
	resolver Resolver
	store    Store
	tracker  *Tracker
	runner   Runner
	logger   zerolog.Logger
	slots    *semaphore.Weighted

	queuedHeartbeat time.Duration

	wg sync.WaitGroup
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(resolver Resolver, store Store, tracker *Tracker, runner Runner, opts CoordinatorOptions) (*Coordinator, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}

	c := &Coordinator{
		resolver: resolver,
		store:    store,
		tracker:  tracker,
		runner:   runner,
		logger:   opts.Logger.With().Str("component", "coordinator").Logger(),
	}
	if opts.MaxConcurrent > 0 {
		c.slots = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	c.queuedHeartbeat = opts.QueuedHeartbeat
	if c.queuedHeartbeat <= 0 {
		c.queuedHeartbeat = DefaultTouchInterval
	}
	return c, nil
}

// Submit resolves req, reuses an existing build with the same fingerprint
// when there is one, and otherwise records a QUEUED build and starts it in
// the background. It never waits for the build itself.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Event, error) {
	if c == nil {
		return Event{}, errors.New("nil coordinator")
	}

	ctx, span := tracer.Start(ctx, "builds.submit")
	defer span.End()

	src, err := c.resolver.Find(req.Source, req.Version)
	if err != nil {
		return Event{}, err
	}
	if !src.HasBoard(req.Board) {
		return Event{}, fmt.Errorf("%w: %s", catalog.ErrBoardNotFound, req.Board)
	}
	if !c.runner.Supports(src.Toolchain) {
		return Event{}, fmt.Errorf("%w: %s", ErrUnsupportedToolchain, src.Toolchain)
	}

	id, err := Fingerprint(req, src.ReleaseID)
	if err != nil {
		return Event{}, err
	}
	span.SetAttributes(attribute.String("build.id", id))

	existing, err := c.store.Get(ctx, id)
	switch {
	case err == nil:
		if existing.Status != StatusError {
			metrics.DedupHits.WithLabelValues(string(existing.Status)).Inc()
			return existing.Event(), nil
		}
	case !errors.Is(err, ErrBuildNotFound):
		return Event{}, err
	}

	build := Build{
		ID:        id,
		ReleaseID: src.ReleaseID,
		Status:    StatusQueued,
		Request:   req,
	}
	if err == nil {
		err = c.store.ReplaceFailed(ctx, build)
	} else {
		err = c.store.Create(ctx, build)
	}
	if errors.Is(err, ErrBuildExists) {
		// Lost the insert race against an identical request.
		winner, getErr := c.store.Get(ctx, id)
		if getErr != nil {
			return Event{}, getErr
		}
		metrics.DedupHits.WithLabelValues(string(winner.Status)).Inc()
		return winner.Event(), nil
	}
	if err != nil {
		return Event{}, err
	}

	c.logger.Info().
		Str("build_id", id).
		Str("source", req.Source).
		Str("version", req.Version).
		Str("board", req.Board).
		Msg("build queued")

	task := Task{Build: build, Source: src, Progress: c.tracker.Begin(id)}
	c.wg.Add(1)
	go c.run(context.WithoutCancel(ctx), task)

	return Event{ID: id, Status: StatusQueued}, nil
}

func (c *Coordinator) run(ctx context.Context, task Task) {
	defer c.wg.Done()

	if c.slots != nil {
		if err := c.acquire(ctx, task.Progress); err != nil {
			c.logger.Error().Err(err).Str("build_id", task.Build.ID).Msg("unable to acquire build slot")
			_ = task.Progress.Fail(ctx)
			return
		}
		defer c.slots.Release(1)
	}

	metrics.BuildsStarted.Inc()
	c.runner.Run(ctx, task)
}

// acquire takes a build slot. While it waits the build keeps heartbeating
// so a long queue does not look abandoned.
func (c *Coordinator) acquire(ctx context.Context, progress *Progress) error {
	if c.slots.TryAcquire(1) {
		return nil
	}

	waiting, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.queuedHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-waiting.Done():
				return
			case <-ticker.C:
				progress.Heartbeat(ctx)
			}
		}
	}()

	err := c.slots.Acquire(ctx, 1)
	// No QUEUED heartbeat may follow the first stage of the build.
	stop()
	<-done
	return err
}

// Wait blocks until every launched build task has returned.
func (c *Coordinator) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}

// Reconcile fails builds left in flight by a previous process. Nothing can
// still be running them after a restart.
func (c *Coordinator) Reconcile(ctx context.Context) (int64, error) {
	if c == nil {
		return 0, errors.New("nil coordinator")
	}
	n, err := c.store.FailInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Warn().Int64("builds", n).Msg("marked interrupted builds as failed")
	}
	return n, nil
}
