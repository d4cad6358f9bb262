package statusbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fwforge/pkg/bus"
	"fwforge/services/builds"
)

const (
	// StreamName is the JetStream stream holding relayed status events.
	StreamName = "FWFORGE_BUILDS"

	subjectPrefix = "fwforge.builds."
	mirrorBuffer  = 256
)

// Subject is the NATS subject carrying status events of one build.
func Subject(buildID string) string {
	return subjectPrefix + buildID + ".status"
}

// StreamConfig describes the stream the mirror publishes into.
func StreamConfig() bus.StreamConfig {
	return bus.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   24 * time.Hour,
	}
}

// Relay carries status events between processes. *bus.Bus implements it
// over JetStream.
type Relay interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

var _ Relay = (*bus.Bus)(nil)

// NATSMirror relays status changes to NATS so processes other than the one
// running the build can follow it. Repeated events with an unchanged status
// are not relayed.
type NATSMirror struct {
	relay  Relay
	events chan builds.Event
	logger zerolog.Logger
}

// NewNATSMirror returns a mirror publishing through r. Call Run to start it.
func NewNATSMirror(r Relay, logger zerolog.Logger) (*NATSMirror, error) {
	if r == nil {
		return nil, errors.New("relay is required")
	}
	return &NATSMirror{
		relay:  r,
		events: make(chan builds.Event, mirrorBuffer),
		logger: logger.With().Str("component", "nats-mirror").Logger(),
	}, nil
}

// Publish queues evt for relaying. Events are dropped when the queue is full.
func (m *NATSMirror) Publish(evt builds.Event) {
	select {
	case m.events <- evt:
	default:
		m.logger.Warn().Str("build_id", evt.ID).Str("status", string(evt.Status)).Msg("mirror queue full, dropping event")
	}
}

// Run relays queued events until ctx is done.
func (m *NATSMirror) Run(ctx context.Context) error {
	last := map[string]builds.Status{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-m.events:
			if last[evt.ID] == evt.Status {
				continue
			}
			if evt.Status.Terminal() {
				delete(last, evt.ID)
			} else {
				last[evt.ID] = evt.Status
			}

			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := m.relay.Publish(pubCtx, Subject(evt.ID), evt)
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Str("build_id", evt.ID).Msg("relay status event")
			}
		}
	}
}

// Watch follows the relayed events of buildID and calls fn for each one
// until a terminal event arrives or ctx is done.
func Watch(ctx context.Context, r Relay, buildID string, fn func(builds.Event)) error {
	if r == nil {
		return errors.New("relay is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var once sync.Once
	sub, err := r.Subscribe(ctx, Subject(buildID), "", func(_ context.Context, data []byte) error {
		evt, err := decodeEvent(data)
		if err != nil {
			return err
		}
		fn(evt)
		if evt.Status.Terminal() {
			once.Do(func() { close(done) })
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Subject(buildID), err)
	}
	defer closeQuietly(sub)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeEvent(data []byte) (builds.Event, error) {
	var evt builds.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return builds.Event{}, fmt.Errorf("decode status event: %w", err)
	}
	if evt.ID == "" || !evt.Status.Valid() {
		return builds.Event{}, errors.New("malformed status event")
	}
	return evt, nil
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
