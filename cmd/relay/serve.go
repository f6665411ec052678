package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/relay/internal/config"
	"github.com/vango-dev/relay/internal/logging"
	"github.com/vango-dev/relay/pkg/middleware"
	"github.com/vango-dev/relay/pkg/server"
	"github.com/vango-dev/relay/pkg/snapshot"
)

// shutdownTimeout bounds the graceful shutdown, including the final
// snapshot saves.
const shutdownTimeout = 30 * time.Second

func serveCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server.

Every setting can also come from the config file (--config) or from a
RELAY_* environment variable; flags take precedence over both.

Examples:
  relay serve
  relay serve --addr=:8080 --auth-secret=s3cret
  relay serve --snapshot-backend=s3 --snapshot-bucket=relay-snapshots
  RELAY_LOG_FORMAT=json relay serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), g.configFile)
			if err != nil {
				return err
			}
			logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, ln, logger)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

// runServe serves on ln until ctx is done, then shuts down gracefully.
func runServe(ctx context.Context, cfg *config.Config, ln net.Listener, logger zerolog.Logger) error {
	if cfg.Debug.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Warn().Err(err).Msg("gops agent failed")
		} else {
			defer agent.Close()
		}
	}

	store, err := cfg.SnapshotStore()
	if err != nil {
		_ = ln.Close()
		return err
	}

	sc := cfg.Server().
		WithAuth(cfg.AuthGate(nil)).
		WithLogger(logger)
	if store != nil {
		defer store.Close()
		sc.Rooms.Provider = snapshot.Provider(store, cfg.Rooms.Strict)
		sc.Rooms.OnRoomEvicted = snapshot.EvictionHook(store, &logger)
	}
	if cfg.Metrics.Enabled {
		sc.WithMetrics(middleware.NewMetrics())
	}

	srv := server.New(sc)
	logger.Info().
		Str("auth", sc.Auth.Mode()).
		Str("snapshots", cfg.Snapshot.Backend).
		Bool("strict", cfg.Rooms.Strict).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("relay configured")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Serve(ln)
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info().Msg("relay stopped")
		return nil
	})
	return group.Wait()
}
