// Package catalog keeps the set of buildable firmware sources. A Catalog
// rebuilds its Snapshot from upstream release metadata on every refresh and
// swaps it in atomically; published snapshots are never modified.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"fwforge/pkg/metrics"
)

const defaultConcurrency = 4

var tracer = otel.Tracer("fwforge/catalog")

// Snapshot is an immutable view of the catalog at one refresh.
type Snapshot struct {
	Sources     []*Source
	RefreshedAt time.Time
}

// Find returns the source matching repo and version.
func (s *Snapshot) Find(repo, version string) (*Source, error) {
	if s != nil {
		for _, src := range s.Sources {
			if src.Repo == repo && src.Version == version {
				return src, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrSourceNotFound, repo, version)
}

// Board returns the manifest of one source reduced to board, with its schema.
func (s *Snapshot) Board(repo, version, board string) (BoardView, error) {
	src, err := s.Find(repo, version)
	if err != nil {
		return BoardView{}, err
	}
	defaults, err := src.BoardDefaults(board)
	if err != nil {
		return BoardView{}, fmt.Errorf("%w: %s", err, board)
	}
	return BoardView{
		Schema: src.Schema,
		Data: Manifest{
			Toolchain: src.Manifest.Toolchain,
			Defaults:  map[string]BoardDefaults{board: defaults},
		},
	}, nil
}

// Views lists every source without manifests.
func (s *Snapshot) Views() []View {
	if s == nil {
		return []View{}
	}
	views := make([]View, 0, len(s.Sources))
	for _, src := range s.Sources {
		views = append(views, src.view())
	}
	return views
}

// ReleaseIDs returns the set of release ids referenced by the snapshot.
func (s *Snapshot) ReleaseIDs() map[string]struct{} {
	ids := map[string]struct{}{}
	if s == nil {
		return ids
	}
	for _, src := range s.Sources {
		ids[src.ReleaseID] = struct{}{}
	}
	return ids
}

// Populated reports whether the snapshot came from a successful refresh.
func (s *Snapshot) Populated() bool {
	return s != nil && !s.RefreshedAt.IsZero()
}

// Options configures a Catalog.
type Options struct {
	DeclarationsPath string
	Upstream         Upstream
	Logger           zerolog.Logger
	// Concurrency bounds how many repositories are fetched at once.
	Concurrency int
}

// Catalog owns the current Snapshot.
type Catalog struct {
	path        string
	upstream    Upstream
	logger      zerolog.Logger
	concurrency int

	current atomic.Pointer[Snapshot]
}

// New builds a Catalog with an empty snapshot. Call Refresh to populate it.
func New(opts Options) (*Catalog, error) {
	if opts.Upstream == nil {
		return nil, errors.New("upstream is required")
	}
	if opts.DeclarationsPath == "" {
		return nil, errors.New("declarations path is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	c := &Catalog{
		path:        opts.DeclarationsPath,
		upstream:    opts.Upstream,
		logger:      opts.Logger.With().Str("component", "catalog").Logger(),
		concurrency: opts.Concurrency,
	}
	c.current.Store(&Snapshot{})
	return c, nil
}

// Snapshot returns the current snapshot. It is safe to hold on to it across
// refreshes.
func (c *Catalog) Snapshot() *Snapshot {
	if c == nil {
		return &Snapshot{}
	}
	return c.current.Load()
}

// Find resolves repo and version against the current snapshot.
func (c *Catalog) Find(repo, version string) (*Source, error) {
	return c.Snapshot().Find(repo, version)
}

// Refresh rebuilds the snapshot from the declarations file and upstream.
// Failures of single releases or branches are logged and skipped. When no
// source at all could be loaded the previous snapshot is kept and
// ErrNoSources is returned.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c == nil {
		return errors.New("nil catalog")
	}

	ctx, span := tracer.Start(ctx, "catalog.refresh")
	defer span.End()

	decls, err := LoadDeclarations(c.path)
	if err != nil {
		metrics.CatalogRefreshes.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load declarations")
		return err
	}

	results := make([][]*Source, len(decls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, decl := range decls {
		g.Go(func() error {
			results[i] = c.loadRepo(gctx, decl)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		metrics.CatalogRefreshes.WithLabelValues("error").Inc()
		span.RecordError(err)
		return fmt.Errorf("refresh catalog: %w", err)
	}

	var sources []*Source
	for _, repoSources := range results {
		sources = append(sources, repoSources...)
	}
	span.SetAttributes(attribute.Int("catalog.sources", len(sources)))

	if len(sources) == 0 {
		metrics.CatalogRefreshes.WithLabelValues("empty").Inc()
		c.logger.Warn().Int("declarations", len(decls)).Msg("no sources found, keeping previous snapshot")
		return ErrNoSources
	}

	c.current.Store(&Snapshot{Sources: sources, RefreshedAt: time.Now().UTC()})
	metrics.CatalogRefreshes.WithLabelValues("ok").Inc()
	metrics.CatalogSources.Set(float64(len(sources)))
	c.logger.Info().Int("sources", len(sources)).Msg("catalog refreshed")
	return nil
}

func (c *Catalog) loadRepo(ctx context.Context, decl Declaration) []*Source {
	logger := c.logger.With().Str("source", decl.Repo).Logger()
	var sources []*Source

	releases, err := c.upstream.Releases(ctx, decl.Repo)
	if err != nil {
		logger.Warn().Err(err).Msg("unable to load releases")
	}
	for _, rel := range releases {
		if ctx.Err() != nil {
			return sources
		}
		if rel.ZipballURL == "" || rel.Draft {
			continue
		}
		if decl.Blocked(rel.TagName) {
			logger.Debug().Str("version", rel.TagName).Msg("version blocked")
			continue
		}

		src, err := c.loadTag(ctx, decl, rel)
		if err != nil {
			logger.Warn().Err(err).Str("version", rel.TagName).Msg("skipping release")
			continue
		}
		sources = append(sources, src)
	}

	for _, branch := range decl.ExtraBranches {
		if ctx.Err() != nil {
			return sources
		}
		src, err := c.loadBranch(ctx, decl, branch)
		if err != nil {
			logger.Warn().Err(err).Str("version", branch).Msg("skipping branch")
			continue
		}
		sources = append(sources, src)
	}
	return sources
}

func (c *Catalog) loadTag(ctx context.Context, decl Declaration, rel Release) (*Source, error) {
	defaults, err := c.upstream.TagFile(ctx, decl.Repo, rel.TagName, defaultsFile)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", defaultsFile, err)
	}
	schema, err := c.upstream.TagFile(ctx, decl.Repo, rel.TagName, schemaFile)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", schemaFile, err)
	}

	src, err := newSource(defaults, schema)
	if err != nil {
		return nil, err
	}
	src.Repo = decl.Repo
	src.Version = rel.TagName
	src.Branch = DefaultBranch
	src.Official = decl.Official
	src.Prerelease = rel.Prerelease
	src.ReleaseID = strconv.FormatInt(rel.ID, 10)
	src.ArchiveURL = rel.ZipballURL
	return src, nil
}

func (c *Catalog) loadBranch(ctx context.Context, decl Declaration, branch string) (*Source, error) {
	head, err := c.upstream.BranchHead(ctx, decl.Repo, branch)
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	defaults, err := c.upstream.BranchFile(ctx, decl.Repo, branch, defaultsFile)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", defaultsFile, err)
	}
	schema, err := c.upstream.BranchFile(ctx, decl.Repo, branch, schemaFile)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", schemaFile, err)
	}

	src, err := newSource(defaults, schema)
	if err != nil {
		return nil, err
	}
	src.Repo = decl.Repo
	src.Version = branch
	src.Branch = branch
	src.Official = decl.Official
	src.ReleaseID = head
	src.ArchiveURL = c.upstream.BranchArchiveURL(decl.Repo, branch)
	return src, nil
}

func newSource(defaults, schema []byte) (*Source, error) {
	manifest, err := parseManifest(defaults)
	if err != nil {
		return nil, err
	}
	compiled, raw, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}
	return &Source{
		Toolchain: manifest.Toolchain,
		Boards:    boardNames(manifest.Defaults),
		Manifest:  manifest,
		Schema:    raw,
		schema:    compiled,
	}, nil
}
