// Package api exposes the firmware catalog and build pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"fwforge/services/builds"
	"fwforge/services/catalog"
)

const (
	defaultPresignTTL     = 15 * time.Minute
	defaultBuildRateLimit = 30
	defaultKeepAlive      = 15 * time.Second
	catalogCacheControl   = "public, max-age=7200"
)

// Catalog provides the current source snapshot.
type Catalog interface {
	Snapshot() *catalog.Snapshot
}

// Submitter accepts build requests.
type Submitter interface {
	Submit(ctx context.Context, req builds.Request) (builds.Event, error)
}

// BuildReader reads persisted builds.
type BuildReader interface {
	Get(ctx context.Context, id string) (builds.Build, error)
}

// StatusStream delivers live status events of one build.
type StatusStream interface {
	Subscribe(ctx context.Context, buildID string) <-chan builds.Event
}

// Presigner issues download URLs for build files.
type Presigner interface {
	PresignFile(ctx context.Context, f builds.File, ttl time.Duration) (string, error)
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Catalog   Catalog
	Submitter Submitter
	Builds    BuildReader
	Status    StatusStream
	Files     Presigner
	// Ready, when set, backs /readyz.
	Ready func(ctx context.Context) error
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	// BuildRateLimit caps build submissions per client IP and minute.
	BuildRateLimit int
	PresignTTL     time.Duration
	// KeepAlive is the interval of comment frames on idle status streams.
	KeepAlive time.Duration
	Logger    zerolog.Logger
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	deps   Deps
	config Config
	logger zerolog.Logger
}

// New initialises the API layer with defaults applied to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if deps.Builds == nil {
		return nil, errors.New("build reader is required")
	}
	if deps.Status == nil {
		return nil, errors.New("status stream is required")
	}
	if deps.Files == nil {
		return nil, errors.New("presigner is required")
	}

	if cfg.BuildRateLimit <= 0 {
		cfg.BuildRateLimit = defaultBuildRateLimit
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return &API{
		deps:   deps,
		config: cfg,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}, nil
}
