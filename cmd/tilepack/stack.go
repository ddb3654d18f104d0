package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattjoyce/tilepack/internal/archive"
	"github.com/mattjoyce/tilepack/internal/config"
	"github.com/mattjoyce/tilepack/internal/convert"
	"github.com/mattjoyce/tilepack/internal/dispatch"
	"github.com/mattjoyce/tilepack/internal/events"
	"github.com/mattjoyce/tilepack/internal/history"
	"github.com/mattjoyce/tilepack/internal/install"
	"github.com/mattjoyce/tilepack/internal/ipc"
	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/log"
	"github.com/mattjoyce/tilepack/internal/pipeline"
	"github.com/mattjoyce/tilepack/internal/storage"
	"github.com/mattjoyce/tilepack/internal/workspace"
)

// stack is every long-lived component built from one config.
type stack struct {
	cfg        *config.Config
	db         *sql.DB
	history    *history.Recorder
	hub        *events.Hub
	workspaces *workspace.FSManager
	pool       *dispatch.Pool
	pipeline   *pipeline.Pipeline
	installer  *install.Manager
	broker     *ipc.Broker
}

// buildStack wires the components without starting anything. close must be
// called even when the pool was never started.
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	if err := cfg.RequireConverter(); err != nil {
		return nil, err
	}
	conv, err := convert.NewExecConverter(cfg.Converter.Command, cfg.Converter.GracePeriod)
	if err != nil {
		return nil, err
	}
	method, err := archive.ParseMethod(cfg.Archive.Method)
	if err != nil {
		return nil, err
	}

	workspaces, err := workspace.NewFSManager(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	if err := storage.CheckLocal(workspaces.Root()); err != nil {
		log.WithComponent("main").Warn("workspace root is not on a local filesystem", "root", workspaces.Root(), "error", err)
	}

	s := &stack{
		cfg:        cfg,
		hub:        events.NewHub(256),
		workspaces: workspaces,
		pool:       dispatch.New(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, dispatch.WithLogger(log.WithComponent("dispatch"))),
		installer:  install.NewManager(),
	}

	opts := []pipeline.Option{pipeline.WithNotifier(s.hub)}
	brokerOpts := []ipc.Option{ipc.WithNotifier(s.hub)}
	if cfg.State.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("open history database: %w", err)
		}
		s.db = db
		s.history = history.New(db)
		opts = append(opts, pipeline.WithRecorder(s.history))
		brokerOpts = append(brokerOpts, ipc.WithRecorder(s.history))
	}

	pcfg := pipeline.Config{
		ArchiveName:   cfg.Archive.Name,
		InnerRoot:     cfg.Archive.InnerRoot,
		Method:        method,
		Retention:     cfg.Workspace.Retention,
		SweepInterval: cfg.Workspace.SweepInterval,
	}
	runner := convert.NewRunner(conv, convert.WithTimeout(cfg.Converter.Timeout))
	s.pipeline = pipeline.New(pcfg, jobs.NewStore(), workspaces, runner, s.pool, opts...)
	s.broker = ipc.New(s.pipeline, s.installer, brokerOpts...)
	return s, nil
}

// close stops the pool, waiting up to grace for running jobs, then the
// janitor and the database.
func (s *stack) close(grace time.Duration) {
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.pool.Stop(stopCtx); err != nil {
		log.WithComponent("main").Warn("worker pool did not drain", "error", err)
	}
	s.pipeline.Stop()
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openHistory opens the history database for read-only commands.
func openHistory(ctx context.Context, cfg *config.Config) (*history.Recorder, func(), error) {
	if cfg.State.Path == "" {
		return nil, nil, fmt.Errorf("history is disabled (state.path is empty)")
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history database: %w", err)
	}
	return history.New(db), func() { _ = db.Close() }, nil
}

// pidLockPath keeps the lock beside the history database, or beside the
// workspace root, never inside it.
func pidLockPath(cfg *config.Config) string {
	if cfg.State.Path != "" {
		return filepath.Join(filepath.Dir(cfg.State.Path), "tilepack.lock")
	}
	return filepath.Clean(cfg.Workspace.Root) + ".lock"
}
