package statusbus

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwforge/services/builds"
)

// memRelay delivers JSON messages to in-process subscribers the way the
// JetStream bus does: one handler per subscription, a handler error counts
// as a rejected message.
type memRelay struct {
	mu        sync.Mutex
	subs      map[string]map[*memSubscription]struct{}
	published []string
	rejected  int

	subscribed chan string
}

type memSubscription struct {
	relay *memRelay
	subj  string
	fn    func(ctx context.Context, data []byte) error
	once  sync.Once
}

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.relay.mu.Lock()
		defer s.relay.mu.Unlock()
		delete(s.relay.subs[s.subj], s)
	})
	return nil
}

func newMemRelay() *memRelay {
	return &memRelay{
		subs:       map[string]map[*memSubscription]struct{}{},
		subscribed: make(chan string, 8),
	}
}

func (r *memRelay) Publish(ctx context.Context, subj string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.published = append(r.published, subj)
	handlers := make([]func(context.Context, []byte) error, 0, len(r.subs[subj]))
	for sub := range r.subs[subj] {
		handlers = append(handlers, sub.fn)
	}
	r.mu.Unlock()

	for _, fn := range handlers {
		if err := fn(ctx, data); err != nil {
			r.mu.Lock()
			r.rejected++
			r.mu.Unlock()
		}
	}
	return nil
}

func (r *memRelay) Subscribe(_ context.Context, subj, _ string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	sub := &memSubscription{relay: r, subj: subj, fn: fn}
	r.mu.Lock()
	if r.subs[subj] == nil {
		r.subs[subj] = map[*memSubscription]struct{}{}
	}
	r.subs[subj][sub] = struct{}{}
	r.mu.Unlock()
	r.subscribed <- subj
	return sub, nil
}

func (r *memRelay) subscribers(subj string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[subj])
}

func (r *memRelay) Published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.published...)
}

type watchResult struct {
	events []builds.Event
	err    error
}

func watchAsync(ctx context.Context, relay *memRelay, buildID string) <-chan watchResult {
	out := make(chan watchResult, 1)
	go func() {
		var (
			mu     sync.Mutex
			events []builds.Event
		)
		err := Watch(ctx, relay, buildID, func(evt builds.Event) {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		})
		mu.Lock()
		defer mu.Unlock()
		out <- watchResult{events: events, err: err}
	}()
	return out
}

func TestMirrorRelaysStatusChangesToWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMemRelay()
	mirror, err := NewNATSMirror(relay, zerolog.Nop())
	require.NoError(t, err)
	go func() { _ = mirror.Run(ctx) }()

	result := watchAsync(ctx, relay, "b1")
	assert.Equal(t, Subject("b1"), <-relay.subscribed)

	local := New(Options{Debounce: -1, Mirror: mirror, Logger: zerolog.Nop()})
	files := []builds.File{{ID: 1, FirmwareID: "b1", FilePath: "firmware/b1/firmware-part-0.bin", Offset: 0x10000, IsFirmware: true}}
	local.Publish(builds.Event{ID: "b1", Status: builds.StatusQueued})
	local.Publish(builds.Event{ID: "b1", Status: builds.StatusBuilding})
	local.Publish(builds.Event{ID: "b1", Status: builds.StatusBuilding})
	local.Publish(builds.Event{ID: "other", Status: builds.StatusBuilding})
	local.Publish(builds.Event{ID: "b1", Status: builds.StatusDone, Files: files})

	select {
	case res := <-result:
		require.NoError(t, res.err)
		assert.Equal(t, []builds.Event{
			{ID: "b1", Status: builds.StatusQueued},
			{ID: "b1", Status: builds.StatusBuilding},
			{ID: "b1", Status: builds.StatusDone, Files: files},
		}, res.events)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not end on the terminal event")
	}

	assert.Equal(t, []string{Subject("b1"), Subject("b1"), Subject("other"), Subject("b1")}, relay.Published())
	assert.Zero(t, relay.subscribers(Subject("b1")))
}

func TestMirrorRelaysRetryAfterTerminalEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMemRelay()
	mirror, err := NewNATSMirror(relay, zerolog.Nop())
	require.NoError(t, err)
	go func() { _ = mirror.Run(ctx) }()

	mirror.Publish(builds.Event{ID: "b1", Status: builds.StatusQueued})
	mirror.Publish(builds.Event{ID: "b1", Status: builds.StatusError})
	mirror.Publish(builds.Event{ID: "b1", Status: builds.StatusQueued})

	require.Eventually(t, func() bool { return len(relay.Published()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestMirrorRunStopsWithContext(t *testing.T) {
	mirror, err := NewNATSMirror(newMemRelay(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, mirror.Run(ctx), context.Canceled)
}

func TestMirrorDropsEventsWhenQueueIsFull(t *testing.T) {
	mirror, err := NewNATSMirror(newMemRelay(), zerolog.Nop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range mirrorBuffer + 10 {
			mirror.Publish(builds.Event{ID: "b1", Status: builds.StatusBuilding})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}
	assert.Len(t, mirror.events, mirrorBuffer)
}

func TestWatchRejectsMalformedEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	relay := newMemRelay()
	result := watchAsync(ctx, relay, "b1")
	<-relay.subscribed

	require.NoError(t, relay.Publish(ctx, Subject("b1"), map[string]string{"id": "b1", "status": "PAUSED"}))

	res := <-result
	require.ErrorIs(t, res.err, context.DeadlineExceeded)
	assert.Empty(t, res.events)
	relay.mu.Lock()
	assert.Equal(t, 1, relay.rejected)
	relay.mu.Unlock()
	assert.Zero(t, relay.subscribers(Subject("b1")))
}

func TestWatchRequiresRelay(t *testing.T) {
	require.Error(t, Watch(context.Background(), nil, "b1", func(builds.Event) {}))
}
