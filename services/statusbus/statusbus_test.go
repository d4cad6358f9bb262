package statusbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwforge/services/builds"
)

func collect(t *testing.T, ch <-chan builds.Event, timeout time.Duration) []builds.Event {
	t.Helper()
	var out []builds.Event
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-deadline:
			t.Fatalf("stream did not close, got %v", out)
			return out
		}
	}
}

func TestSubscribeFiltersByBuild(t *testing.T) {
	b := New(Options{Debounce: -1, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := b.Subscribe(ctx, "a")
	b.Publish(builds.Event{ID: "b", Status: builds.StatusBuilding})
	b.Publish(builds.Event{ID: "b", Status: builds.StatusDone})
	b.Publish(builds.Event{ID: "a", Status: builds.StatusError})

	assert.Equal(t, []builds.Event{{ID: "a", Status: builds.StatusError}}, collect(t, stream, time.Second))
}

func TestSubscribeCoalescesBursts(t *testing.T) {
	b := New(Options{Debounce: 50 * time.Millisecond, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := b.Subscribe(ctx, "a")
	for range 100 {
		b.Publish(builds.Event{ID: "a", Status: builds.StatusBuilding})
	}

	select {
	case evt := <-stream:
		assert.Equal(t, builds.Event{ID: "a", Status: builds.StatusBuilding}, evt)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case evt := <-stream:
		t.Fatalf("unexpected extra event %v", evt)
	case <-time.After(120 * time.Millisecond):
	}

	b.Publish(builds.Event{ID: "a", Status: builds.StatusSaving})
	b.Publish(builds.Event{ID: "a", Status: builds.StatusDone, Files: []builds.File{{ID: 7}}})
	got := collect(t, stream, time.Second)
	assert.Equal(t, []builds.Event{{ID: "a", Status: builds.StatusDone, Files: []builds.File{{ID: 7}}}}, got)
}

func TestSubscribeEmitsDuringContinuousChatter(t *testing.T) {
	b := New(Options{Debounce: 20 * time.Millisecond, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := b.Subscribe(ctx, "a")
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Publish(builds.Event{ID: "a", Status: builds.StatusBuilding})
			}
		}
	}()

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 3 {
		select {
		case <-stream:
			received++
		case <-timeout:
			t.Fatalf("only %d events during continuous output", received)
		}
	}
	close(stop)
	wg.Wait()
}

func TestTerminalEventSkipsDebounce(t *testing.T) {
	b := New(Options{Debounce: time.Hour, Logger: zerolog.Nop()})
	stream := b.Subscribe(context.Background(), "a")

	b.Publish(builds.Event{ID: "a", Status: builds.StatusBuilding})
	b.Publish(builds.Event{ID: "a", Status: builds.StatusError})

	assert.Equal(t, []builds.Event{{ID: "a", Status: builds.StatusError}}, collect(t, stream, time.Second))
	require.Eventually(t, func() bool { return b.Subscribers("a") == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeEndsWithContext(t *testing.T) {
	b := New(Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	stream := b.Subscribe(ctx, "a")
	require.Equal(t, 1, b.Subscribers("a"))

	cancel()
	assert.Empty(t, collect(t, stream, time.Second))
	require.Eventually(t, func() bool { return b.Subscribers("a") == 0 }, time.Second, 5*time.Millisecond)
}

type recordingMirror struct {
	mu     sync.Mutex
	events []builds.Event
}

func (m *recordingMirror) Publish(evt builds.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func TestPublishForwardsToMirror(t *testing.T) {
	mirror := &recordingMirror{}
	b := New(Options{Mirror: mirror, Logger: zerolog.Nop()})

	b.Publish(builds.Event{ID: "a", Status: builds.StatusQueued})
	b.Publish(builds.Event{ID: "a", Status: builds.StatusCreatingBuildFolder})

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Len(t, mirror.events, 2)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(builds.Event{ID: "a", Status: builds.StatusDone})
}

func TestSubjectAndDecode(t *testing.T) {
	assert.Equal(t, "fwforge.builds.abc.status", Subject("abc"))
	assert.Equal(t, []string{"fwforge.builds.>"}, StreamConfig().Subjects)

	evt, err := decodeEvent([]byte(`{"id": "abc", "status": "DONE", "files": [{"id": 1, "offset": 4096}]}`))
	require.NoError(t, err)
	assert.Equal(t, builds.StatusDone, evt.Status)
	assert.Equal(t, int64(4096), evt.Files[0].Offset)

	_, err = decodeEvent([]byte(`{"id": "abc", "status": "PAUSED"}`))
	require.Error(t, err)
	_, err = decodeEvent([]byte(`nope`))
	require.Error(t, err)
}

func TestNewNATSMirrorRequiresBus(t *testing.T) {
	_, err := NewNATSMirror(nil, zerolog.Nop())
	require.Error(t, err)
}
