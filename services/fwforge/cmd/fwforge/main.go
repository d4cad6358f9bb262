package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fwforge/pkg/bus"
	"fwforge/pkg/db"
	"fwforge/services/builds"
	"fwforge/services/fwforge/internal/config"
	"fwforge/services/statusbus"
)

const serviceName = "fwforge"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Firmware build service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSweepCommand())
	cmd.AddCommand(newSourcesCommand())
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, build runner and housekeeping jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}
			pool, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			return db.Migrate(ctx, pool)
		},
	}
}

func newSweepCommand() *cobra.Command {
	var skipRefresh bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Refresh the source catalog and retire stale builds once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if skipRefresh {
				_, err = a.housekeeper.Sweep(ctx)
				return err
			}
			_, err = a.housekeeper.RefreshAndSweep(ctx)
			return err
		},
	}

	cmd.Flags().BoolVar(&skipRefresh, "skip-refresh", false, "Sweep with an empty catalog, keeping finished builds")
	return cmd
}

func newSourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Load the source catalog and print the buildable sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cfg)
			cat, err := newCatalog(cfg, logger)
			if err != nil {
				return err
			}
			if err := cat.Refresh(ctx); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cat.Snapshot().Views())
		},
	}
}

func newWatchCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch <build-id>",
		Short: "Follow the status of a build relayed over NATS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}
			b, err := bus.New(cfg.NATSURL, statusbus.StreamConfig())
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			out := cmd.OutOrStdout()
			return statusbus.Watch(ctx, b, args[0], func(evt builds.Event) {
				fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.RFC3339), evt.Status)
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	return cmd
}
