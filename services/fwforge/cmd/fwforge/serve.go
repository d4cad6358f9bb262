package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"fwforge/pkg/bus"
	"fwforge/pkg/db"
	gos3 "fwforge/pkg/s3"
	"fwforge/pkg/telemetry"
	"fwforge/services/api"
	"fwforge/services/artifacts"
	"fwforge/services/builds"
	"fwforge/services/catalog"
	"fwforge/services/fwforge/internal/config"
	"fwforge/services/housekeeper"
	"fwforge/services/statusbus"
	"fwforge/services/toolchain"
)

// buildDrainTimeout bounds how long shutdown waits for running builds.
// Builds still running afterwards are failed on the next start.
const buildDrainTimeout = 30 * time.Second

// app holds the collaborators shared by the serve and sweep commands.
type app struct {
	logger      zerolog.Logger
	pool        *pgxpool.Pool
	store       *builds.GormStore
	artifacts   *artifacts.Store
	catalog     *catalog.Catalog
	housekeeper *housekeeper.Housekeeper
}

func newLogger(cfg config.Config) zerolog.Logger {
	return telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogPretty)
}

func newCatalog(cfg config.Config, logger zerolog.Logger) (*catalog.Catalog, error) {
	upstream := catalog.NewGitHub(catalog.GitHubOptions{
		APIURL: cfg.GitHubAPIURL,
		RawURL: cfg.GitHubRawURL,
		WebURL: cfg.GitHubURL,
		Token:  cfg.GitHubAuthKey,
		Heads:  catalog.NewGitHeadResolver(cfg.GitHubURL, cfg.GitHubAuthKey),
	})
	return catalog.New(catalog.Options{
		DeclarationsPath: cfg.SourcesPath,
		Upstream:         upstream,
		Logger:           logger,
	})
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	if err := cfg.RequireStorage(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a := &app{logger: logger, pool: pool}

	if err := db.Migrate(ctx, pool); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open orm: %w", err)
	}
	if a.store, err = builds.NewGormStore(orm, pool); err != nil {
		a.close()
		return nil, err
	}

	s3Client, err := gos3.NewClient(ctx, gos3.Options{
		Endpoint:       cfg.S3Endpoint,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		Region:         cfg.S3Region,
		DisableTLS:     cfg.S3DisableTLS,
		ForcePathStyle: cfg.S3ForcePathStyle,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	if a.artifacts, err = artifacts.New(s3Client, a.store, cfg.S3Bucket, logger); err != nil {
		a.close()
		return nil, err
	}

	if a.catalog, err = newCatalog(cfg, logger); err != nil {
		a.close()
		return nil, err
	}
	a.housekeeper, err = housekeeper.New(a.catalog, a.store, a.artifacts, housekeeper.Options{
		InFlightGrace: cfg.InFlightGrace,
		Logger:        logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) ping(ctx context.Context) error {
	return db.Ping(ctx, a.pool)
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	busOpts := statusbus.Options{Debounce: cfg.StatusDebounce, Logger: logger}
	if cfg.NATSURL != "" {
		natsBus, err := bus.New(cfg.NATSURL, statusbus.StreamConfig())
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		mirror, err := statusbus.NewNATSMirror(natsBus, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := mirror.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("nats mirror stopped")
			}
		}()
		busOpts.Mirror = mirror
	}
	statusBus := statusbus.New(busOpts)

	tracker, err := builds.NewTracker(a.store, statusBus, builds.TrackerOptions{Logger: logger})
	if err != nil {
		return err
	}
	runner, err := toolchain.NewRunner(toolchain.Options{
		Toolchains: []toolchain.Toolchain{toolchain.NewPlatformIO(cfg.ToolchainBin, nil)},
		Artifacts:  a.artifacts,
		WorkDir:    cfg.WorkDir,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	coordinator, err := builds.NewCoordinator(a.catalog, a.store, tracker, runner, builds.CoordinatorOptions{
		MaxConcurrent: cfg.MaxConcurrentBuilds,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if _, err := coordinator.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile builds: %w", err)
	}

	scheduler, err := housekeeper.NewScheduler(a.housekeeper, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Schedule(ctx, cfg.CatalogRefreshInterval, cfg.HousekeepingInterval); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Stop(); err != nil {
			logger.Error().Err(err).Msg("stop scheduler")
		}
	}()

	handlers, err := api.New(api.Deps{
		Catalog:   a.catalog,
		Submitter: coordinator,
		Builds:    a.store,
		Status:    statusBus,
		Files:     a.artifacts,
		Ready:     a.ping,
	}, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		BuildRateLimit: cfg.BuildRateLimit,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	router, err := handlers.Routes()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting fwforge")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}

	drained := make(chan struct{})
	go func() {
		coordinator.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(buildDrainTimeout):
		logger.Warn().Msg("builds still running at shutdown")
	}
	return nil
}
