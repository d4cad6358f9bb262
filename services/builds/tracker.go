package builds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fwforge/pkg/metrics"
)

// Publisher receives every status event after it has been persisted.
type Publisher interface {
	Publish(evt Event)
}

// DefaultTouchInterval bounds how often heartbeats refresh a build's
// updated_at.
const DefaultTouchInterval = time.Minute

// TrackerOptions tunes a Tracker.
type TrackerOptions struct {
	// TouchInterval is the minimum spacing of heartbeat writes. Zero uses
	// DefaultTouchInterval.
	TouchInterval time.Duration
	Now           func() time.Time
	Logger        zerolog.Logger
}

// Tracker persists status transitions and then publishes them.
type Tracker struct {
	store      Store
	bus        Publisher
	touchEvery time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewTracker returns a Tracker writing to store and publishing on bus.
func NewTracker(store Store, bus Publisher, opts TrackerOptions) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if bus == nil {
		return nil, errors.New("publisher is required")
	}
	if opts.TouchInterval <= 0 {
		opts.TouchInterval = DefaultTouchInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		store:      store,
		bus:        bus,
		touchEvery: opts.TouchInterval,
		now:        opts.Now,
		logger:     opts.Logger.With().Str("component", "tracker").Logger(),
	}, nil
}

// Begin starts tracking a freshly queued build.
func (t *Tracker) Begin(id string) *Progress {
	return &Progress{tracker: t, id: id, current: StatusQueued, touched: t.now()}
}

// Progress follows one build through its stages. It is owned by the single
// task running the build.
type Progress struct {
	tracker *Tracker
	id      string

	mu      sync.Mutex
	current Status
	touched time.Time
}

// ID returns the build id.
func (p *Progress) ID() string { return p.id }

// Status returns the last persisted status.
func (p *Progress) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Advance persists the move to next and publishes it.
func (p *Progress) Advance(ctx context.Context, next Status) error {
	if next == StatusDone || next == StatusError {
		return fmt.Errorf("%w: use Done or Fail for %s", ErrInvalidTransition, next)
	}
	return p.transition(ctx, next, nil)
}

// Heartbeat republishes the current status. At most once per touch
// interval it also refreshes the stored updated_at, which keeps the
// housekeeper from taking a long compile or a long wait for a build slot as
// abandoned.
func (p *Progress) Heartbeat(ctx context.Context) {
	p.mu.Lock()
	status := p.current
	now := p.tracker.now()
	touch := !status.Terminal() && now.Sub(p.touched) >= p.tracker.touchEvery
	if touch {
		p.touched = now
	}
	p.mu.Unlock()
	if status.Terminal() {
		return
	}

	if touch {
		if err := p.tracker.store.Touch(ctx, p.id, status); err != nil {
			p.tracker.logger.Warn().Err(err).Str("build_id", p.id).Msg("unable to refresh build heartbeat")
		}
	}
	p.tracker.bus.Publish(Event{ID: p.id, Status: status})
}

// Done persists DONE and publishes it with files attached.
func (p *Progress) Done(ctx context.Context, files []File) error {
	if files == nil {
		files = []File{}
	}
	return p.transition(ctx, StatusDone, files)
}

// Fail persists ERROR unless the build already reached a terminal status.
func (p *Progress) Fail(ctx context.Context) error {
	if p.Status().Terminal() {
		return nil
	}
	return p.transition(ctx, StatusError, nil)
}

func (p *Progress) transition(ctx context.Context, next Status, files []File) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.current
	if from == next {
		return nil
	}
	if !from.CanAdvanceTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	if err := p.tracker.store.UpdateStatus(ctx, p.id, from, next); err != nil {
		return err
	}
	p.current = next
	p.touched = p.tracker.now()

	metrics.BuildStages.WithLabelValues(string(next)).Inc()
	p.tracker.logger.Debug().
		Str("build_id", p.id).
		Str("from", string(from)).
		Str("to", string(next)).
		Msg("build status changed")

	evt := Event{ID: p.id, Status: next}
	if next == StatusDone {
		evt.Files = files
	}
	p.tracker.bus.Publish(evt)
	return nil
}
