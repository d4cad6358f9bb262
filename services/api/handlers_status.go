package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fwforge/services/builds"
)

// handleBuildStatus streams status events of one build as server-sent
// events. The persisted status is sent first; a build that already finished
// gets that single event and the stream ends.
func (a *API) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the row so no transition falls in between.
	events := a.deps.Status.Subscribe(ctx, id)

	getCtx, getCancel := withTimeout(ctx)
	build, err := a.deps.Builds.Get(getCtx, id)
	getCancel()
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, build.Event()); err != nil {
		return
	}
	flusher.Flush()
	if build.Status.Terminal() {
		return
	}

	keepAlive := time.NewTicker(a.config.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				a.logger.Debug().Err(err).Str("build_id", id).Msg("status stream closed")
				return
			}
			flusher.Flush()
			if evt.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt builds.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
