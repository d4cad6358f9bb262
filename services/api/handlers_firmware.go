package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fwforge/services/builds"
)

func (a *API) handleSources(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", catalogCacheControl)
	respondJSON(w, http.StatusOK, a.deps.Catalog.Snapshot().Views())
}

func (a *API) handleBoardDefaults(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	source := strings.TrimSpace(query.Get("source"))
	version := strings.TrimSpace(query.Get("version"))
	board := strings.TrimSpace(query.Get("board"))
	if source == "" || version == "" || board == "" {
		respondError(w, http.StatusBadRequest, errors.New("source, version and board are required"))
		return
	}

	view, err := a.deps.Catalog.Snapshot().Board(source, version, board)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	w.Header().Set("Cache-Control", catalogCacheControl)
	respondJSON(w, http.StatusOK, view)
}

func (a *API) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req builds.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Source = strings.TrimSpace(req.Source)
	req.Version = strings.TrimSpace(req.Version)
	req.Board = strings.TrimSpace(req.Board)
	if req.Source == "" || req.Version == "" || req.Board == "" {
		respondError(w, http.StatusBadRequest, errors.New("source, version and board are required"))
		return
	}
	if req.Values == nil {
		req.Values = map[string]any{}
	}

	src, err := a.deps.Catalog.Snapshot().Find(req.Source, req.Version)
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	if _, err := src.BoardDefaults(req.Board); err != nil {
		respondError(w, errorStatus(err), fmt.Errorf("%w: %s", err, req.Board))
		return
	}
	if err := src.ValidateValues(req.Values); err != nil {
		respondError(w, errorStatus(err), err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	evt, err := a.deps.Submitter.Submit(ctx, req)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			a.logger.Error().Err(err).Str("source", req.Source).Str("version", req.Version).Msg("submit build")
		}
		respondError(w, status, err)
		return
	}
	respondJSON(w, http.StatusOK, evt)
}

func (a *API) handleFirmware(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	build, err := a.deps.Builds.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	respondJSON(w, http.StatusOK, build)
}

// handleFirmwareFile redirects to a short lived download URL of one file.
func (a *API) handleFirmwareFile(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		respondError(w, http.StatusBadRequest, errors.New("file index must be a non-negative integer"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	build, err := a.deps.Builds.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errorStatus(err), err)
		return
	}
	if build.Status != builds.StatusDone {
		respondError(w, http.StatusConflict, fmt.Errorf("build is %s", build.Status))
		return
	}
	if index >= len(build.Files) {
		respondError(w, http.StatusNotFound, fmt.Errorf("build has %d files", len(build.Files)))
		return
	}

	url, err := a.deps.Files.PresignFile(ctx, build.Files[index], a.config.PresignTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign file: %w", err))
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
