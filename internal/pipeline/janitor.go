package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/tilepack/internal/log"
	"github.com/mattjoyce/tilepack/internal/workspace"
)

// SweepReport summarizes one eviction pass.
type SweepReport struct {
	Evicted           int
	ReleasedWorkspace int
}

// Sweep evicts terminal jobs older than the retention window and releases
// their workspaces. In-flight jobs are never touched.
func (p *Pipeline) Sweep(ctx context.Context) (SweepReport, error) {
	if p.cfg.Retention <= 0 {
		return SweepReport{}, nil
	}

	evicted := p.store.EvictTerminal(p.cfg.Retention, p.now())
	report := SweepReport{Evicted: len(evicted)}
	var firstErr error
	for _, job := range evicted {
		p.forget(job.ID)
		if err := p.workspaces.Release(ctx, job.ID); err != nil {
			log.WithJob(job.ID).Warn("cannot release workspace", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("release workspace %s: %w", job.ID, err)
			}
			continue
		}
		report.ReleasedWorkspace++
	}
	if report.Evicted > 0 {
		p.logger.Info("evicted finished jobs", "evicted", report.Evicted, "released", report.ReleasedWorkspace)
	}
	return report, firstErr
}

// CleanupOrphans removes workspaces no tracked job owns and that are older
// than the retention window. Job state is not persisted, so at startup every
// leftover workspace is an orphan.
func (p *Pipeline) CleanupOrphans(ctx context.Context) (int, error) {
	olderThan := p.cfg.Retention
	if olderThan <= 0 {
		return 0, nil
	}
	report, err := p.workspaces.Prune(ctx, workspace.PruneOptions{
		OlderThan: olderThan,
		Keep:      p.store.Has,
	})
	if err != nil {
		return len(report.Removed), fmt.Errorf("cleanup orphaned workspaces: %w", err)
	}
	if n := len(report.Removed); n > 0 {
		p.logger.Info("removed orphaned workspaces", "count", n, "bytes", report.Bytes)
	}
	if report.Foreign > 0 {
		p.logger.Debug("workspace root holds foreign entries", "count", report.Foreign)
	}
	return len(report.Removed), nil
}

// StartJanitor runs Sweep and CleanupOrphans every SweepInterval until Stop
// or ctx ends.
func (p *Pipeline) StartJanitor(ctx context.Context) {
	interval := p.cfg.SweepInterval
	if interval <= 0 || p.cfg.Retention <= 0 {
		p.logger.Info("janitor disabled")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := p.Sweep(ctx); err != nil {
					p.logger.Warn("sweep failed", "error", err)
				}
				if _, err := p.CleanupOrphans(ctx); err != nil {
					p.logger.Warn("orphan cleanup failed", "error", err)
				}
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the janitor. Jobs already handed to the scheduler keep running.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
