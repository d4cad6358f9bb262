// Package statusbus fans build status events out to in-process subscribers.
// Each subscriber sees only one build and receives at most one event per
// debounce interval, always the latest; terminal events are delivered right
// away and end the stream.
package statusbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fwforge/services/builds"
)

const DefaultDebounce = 100 * time.Millisecond

// Options configures a Bus.
type Options struct {
	Debounce time.Duration
	// Mirror, when set, also receives every published event.
	Mirror builds.Publisher
	Logger zerolog.Logger
}

// Bus is a typed broadcast channel for build status events.
type Bus struct {
	debounce time.Duration
	mirror   builds.Publisher
	logger   zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// New returns a Bus. A zero debounce uses DefaultDebounce; a negative one
// disables coalescing.
func New(opts Options) *Bus {
	if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	return &Bus{
		debounce: opts.Debounce,
		mirror:   opts.Mirror,
		logger:   opts.Logger.With().Str("component", "statusbus").Logger(),
		subs:     map[string]map[*subscriber]struct{}{},
	}
}

// Publish hands evt to every subscriber of its build. It never blocks.
func (b *Bus) Publish(evt builds.Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	for sub := range b.subs[evt.ID] {
		sub.offer(evt)
	}
	b.mu.RUnlock()

	if b.mirror != nil {
		b.mirror.Publish(evt)
	}
}

// Subscribe streams the events of buildID until a terminal event has been
// delivered or ctx is done. The channel is closed in both cases. Events
// published before Subscribe returns are not replayed.
func (b *Bus) Subscribe(ctx context.Context, buildID string) <-chan builds.Event {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan builds.Event),
	}

	b.mu.Lock()
	if b.subs[buildID] == nil {
		b.subs[buildID] = map[*subscriber]struct{}{}
	}
	b.subs[buildID][sub] = struct{}{}
	b.mu.Unlock()
	b.logger.Debug().Str("build_id", buildID).Msg("subscriber attached")

	go func() {
		defer b.remove(buildID, sub)
		sub.loop(ctx, b.debounce)
	}()
	return sub.out
}

// Subscribers returns how many streams are open for buildID.
func (b *Bus) Subscribers(buildID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[buildID])
}

func (b *Bus) remove(buildID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[buildID], sub)
	if len(b.subs[buildID]) == 0 {
		delete(b.subs, buildID)
	}
}

type subscriber struct {
	mu      sync.Mutex
	pending *builds.Event

	wake chan struct{}
	out  chan builds.Event
}

func (s *subscriber) offer(evt builds.Event) {
	s.mu.Lock()
	if s.pending == nil || !s.pending.Status.Terminal() {
		s.pending = &evt
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() (builds.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return builds.Event{}, false
	}
	evt := *s.pending
	s.pending = nil
	return evt, true
}

func (s *subscriber) terminalPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil && s.pending.Status.Terminal()
}

func (s *subscriber) loop(ctx context.Context, interval time.Duration) {
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		if interval > 0 {
			timer := time.NewTimer(interval)
		wait:
			for !s.terminalPending() {
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-s.wake:
				case <-timer.C:
					break wait
				}
			}
			timer.Stop()
		}

		evt, ok := s.take()
		if !ok {
			continue
		}
		select {
		case s.out <- evt:
		case <-ctx.Done():
			return
		}
		if evt.Status.Terminal() {
			return
		}
	}
}
