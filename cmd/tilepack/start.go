package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/tilepack/internal/api"
	"github.com/mattjoyce/tilepack/internal/config"
	"github.com/mattjoyce/tilepack/internal/lock"
	"github.com/mattjoyce/tilepack/internal/log"
)

// shutdownGrace bounds how long in-flight conversions may keep the process
// alive after a stop signal.
const shutdownGrace = 30 * time.Second

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logger := log.WithComponent("main")
	if loadedFrom == "" {
		loadedFrom = "(defaults)"
	}
	logger.Info("tilepack starting", "version", version, "config", loadedFrom)

	lockPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer st.close(shutdownGrace)

	if err := runServices(ctx, cfg, st); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("tilepack stopped")
	return 0
}

// runServices starts the pool, janitor, IPC broker and (when enabled) the
// API, and blocks until ctx ends or one of them fails.
func runServices(ctx context.Context, cfg *config.Config, st *stack) error {
	logger := log.WithComponent("main")

	if _, err := st.pipeline.CleanupOrphans(ctx); err != nil {
		logger.Warn("orphan cleanup failed", "error", err)
	}
	st.pool.Start()
	st.pipeline.StartJanitor(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "queued", st.pool.Depth())
		return nil
	})

	g.Go(func() error {
		if err := st.broker.Serve(gctx); err != nil {
			return fmt.Errorf("ipc: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.Auth.APIKey,
			UploadDir:      cfg.API.UploadDir,
			MaxUploadBytes: cfg.API.MaxUploadBytes,
			RateLimit:      cfg.API.RateLimit,
			RateBurst:      cfg.API.RateBurst,
		}, st.pipeline, st.pool, st.hub, log.WithComponent("api"))
		apiServer.ReportScratch(st.workspaces)
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("tilepack running (press Ctrl+C to stop)")
	return g.Wait()
}
