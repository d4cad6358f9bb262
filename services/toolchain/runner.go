// Package toolchain runs accepted builds: it prepares a workspace, fetches
// and unpacks the source archive, invokes the external toolchain and hands
// the produced binaries to the artifact store.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"fwforge/pkg/metrics"
	"fwforge/pkg/render"
	"fwforge/services/artifacts"
	"fwforge/services/builds"
)

var tracer = otel.Tracer("fwforge/toolchain")

const (
	definesName     = "defines"
	definesTemplate = "defines.tmpl"
	logLines        = 5000
	uploadParallel  = 4
	attachTimeout   = 30 * time.Second
)

// Artifacts receives the outputs of a build.
type Artifacts interface {
	Put(ctx context.Context, buildID, name string, data []byte) (artifacts.Object, error)
	Record(ctx context.Context, buildID string, obj artifacts.Object, isFirmware bool, offset int64) (builds.File, error)
	Attach(ctx context.Context, buildID, name string, data []byte) (string, error)
}

// Renderer renders named templates.
type Renderer interface {
	Render(name string, data any) (string, error)
}

// Options configures a Runner.
type Options struct {
	Toolchains []Toolchain
	Artifacts  Artifacts
	// WorkDir is where workspaces are created. Empty means the OS temp dir.
	WorkDir    string
	HTTPClient *http.Client
	Renderer   Renderer
	Logger     zerolog.Logger
}

// Runner executes builds. It implements builds.Runner.
type Runner struct {
	toolchains map[string]Toolchain
	artifacts  Artifacts
	workDir    string
	client     *http.Client
	renderer   Renderer
	logger     zerolog.Logger
}

var _ builds.Runner = (*Runner)(nil)

// NewRunner validates opts and returns a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if len(opts.Toolchains) == 0 {
		return nil, errors.New("at least one toolchain is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("artifacts store is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Renderer == nil {
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		opts.Renderer = engine
	}

	toolchains := make(map[string]Toolchain, len(opts.Toolchains))
	for _, tc := range opts.Toolchains {
		if tc == nil {
			return nil, errors.New("nil toolchain")
		}
		toolchains[tc.Kind()] = tc
	}

	return &Runner{
		toolchains: toolchains,
		artifacts:  opts.Artifacts,
		workDir:    opts.WorkDir,
		client:     opts.HTTPClient,
		renderer:   opts.Renderer,
		logger:     opts.Logger.With().Str("component", "toolchain").Logger(),
	}, nil
}

// Supports reports whether a toolchain of the given kind is registered.
func (r *Runner) Supports(kind string) bool {
	_, ok := r.toolchains[kind]
	return ok
}

// Run executes task to a terminal status. Errors and panics end the build in
// ERROR with a diagnostics bundle attached.
func (r *Runner) Run(ctx context.Context, task builds.Task) {
	id := task.Build.ID
	logger := r.logger.With().Str("build_id", id).Logger()
	logs := NewLogBuffer(logLines)
	start := time.Now()

	defines, err := r.execute(ctx, task, logs, logger)
	status := builds.StatusDone
	if err != nil {
		status = builds.StatusError
		logger.Error().Err(err).Str("stage", string(task.Progress.Status())).Msg("build failed")
		if failErr := task.Progress.Fail(ctx); failErr != nil {
			logger.Error().Err(failErr).Msg("unable to persist build failure")
		}
		r.attachDiagnostics(ctx, id, Diagnostics{BuildID: id, Cause: err, Logs: logs.String(), Defines: defines}, logger)
	} else {
		logger.Info().Dur("duration", time.Since(start)).Msg("build done")
	}

	metrics.BuildsFinished.WithLabelValues(string(status)).Inc()
	metrics.BuildDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
}

func (r *Runner) execute(ctx context.Context, task builds.Task, logs *LogBuffer, logger zerolog.Logger) (defines string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner panic: %v", rec)
		}
	}()

	src := task.Source
	req := task.Build.Request
	progress := task.Progress
	if src == nil {
		return "", errors.New("task has no source")
	}
	tc, ok := r.toolchains[src.Toolchain]
	if !ok {
		return "", fmt.Errorf("%w: %s", builds.ErrUnsupportedToolchain, src.Toolchain)
	}
	boardDefaults, err := src.BoardDefaults(req.Board)
	if err != nil {
		return "", err
	}
	vars, err := Variables(src, req)
	if err != nil {
		return "", err
	}
	defines, err = r.renderDefines(task, vars)
	if err != nil {
		return "", err
	}

	var ws *workspace
	err = r.stage(ctx, progress, builds.StatusCreatingBuildFolder, func(context.Context) error {
		ws, err = newWorkspace(r.workDir)
		return err
	})
	if err != nil {
		return defines, err
	}
	defer func() {
		if rmErr := ws.remove(); rmErr != nil {
			logger.Warn().Err(rmErr).Str("workspace", ws.dir).Msg("unable to remove workspace")
		}
	}()

	archive := ws.path("source.zip")
	err = r.stage(ctx, progress, builds.StatusDownloadingSource, func(ctx context.Context) error {
		n, err := download(ctx, r.client, src.ArchiveURL, archive)
		if err == nil {
			logger.Debug().Int64("bytes", n).Str("url", src.ArchiveURL).Msg("source downloaded")
		}
		return err
	})
	if err != nil {
		return defines, err
	}

	var project string
	err = r.stage(ctx, progress, builds.StatusExtractingSource, func(context.Context) error {
		project, err = extractArchive(archive, ws.path("source"))
		if err != nil {
			return err
		}
		return os.Remove(archive)
	})
	if err != nil {
		return defines, err
	}

	err = r.stage(ctx, progress, builds.StatusBuilding, func(ctx context.Context) error {
		return tc.Build(ctx, project, req.Board, vars, func(l Line) {
			logs.Add(l)
			logger.Debug().Str("stream", string(l.Stream)).Msg(l.Text)
			progress.Heartbeat(ctx)
		})
	})
	if err != nil {
		return defines, err
	}

	var files []builds.File
	err = r.stage(ctx, progress, builds.StatusSaving, func(ctx context.Context) error {
		segments, err := tc.Segments(ctx, project, req.Board, boardDefaults.FlashingRules.ApplicationOffset)
		if err != nil {
			return err
		}
		files, err = r.upload(ctx, task.Build.ID, segments)
		if err != nil {
			return err
		}
		_, err = r.artifacts.Attach(ctx, task.Build.ID, definesName, []byte(defines))
		return err
	})
	if err != nil {
		return defines, err
	}

	return defines, progress.Done(ctx, files)
}

// stage advances the build to status and runs fn inside a span.
func (r *Runner) stage(ctx context.Context, progress *builds.Progress, status builds.Status, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "toolchain."+strings.ToLower(string(status)))
	defer span.End()
	span.SetAttributes(attribute.String("build.id", progress.ID()))

	if err := progress.Advance(ctx, status); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "advance")
		return err
	}
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(status))
		return fmt.Errorf("%s: %w", strings.ToLower(string(status)), err)
	}
	return nil
}

// upload writes the segments in parallel and then records their file rows in
// segment order, so the stored list matches the firmware-part-N names.
func (r *Runner) upload(ctx context.Context, buildID string, segments []Segment) ([]builds.File, error) {
	objects := make([]artifacts.Object, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallel)
	for i, seg := range segments {
		g.Go(func() error {
			data, err := os.ReadFile(seg.Path)
			if err != nil {
				return fmt.Errorf("read segment: %w", err)
			}
			obj, err := r.artifacts.Put(gctx, buildID, fmt.Sprintf("firmware-part-%d.bin", i), data)
			if err != nil {
				return err
			}
			objects[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files := make([]builds.File, 0, len(segments))
	for i, seg := range segments {
		file, err := r.artifacts.Record(ctx, buildID, objects[i], seg.IsFirmware, seg.Offset)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

type definesData struct {
	BuildID   string
	Source    string
	Version   string
	ReleaseID string
	Board     string
	Toolchain string
	Variables []Variable
}

func (r *Runner) renderDefines(task builds.Task, vars []Variable) (string, error) {
	out, err := r.renderer.Render(definesTemplate, definesData{
		BuildID:   task.Build.ID,
		Source:    task.Source.Repo,
		Version:   task.Source.Version,
		ReleaseID: task.Source.ReleaseID,
		Board:     task.Build.Request.Board,
		Toolchain: task.Source.Toolchain,
		Variables: vars,
	})
	if err != nil {
		return "", fmt.Errorf("render defines: %w", err)
	}
	return out, nil
}

// attachDiagnostics uploads the bundle of a failed build. Failures are only
// logged.
func (r *Runner) attachDiagnostics(ctx context.Context, buildID string, d Diagnostics, logger zerolog.Logger) {
	bundle, err := d.Bundle()
	if err != nil {
		logger.Warn().Err(err).Msg("unable to pack diagnostics")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), attachTimeout)
	defer cancel()
	location, err := r.artifacts.Attach(ctx, buildID, diagnosticsName, bundle)
	if err != nil {
		logger.Warn().Err(err).Msg("unable to upload diagnostics")
		return
	}
	logger.Info().Str("diagnostics", location).Msg("diagnostics attached")
}
