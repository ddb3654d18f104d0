// Package pipeline orchestrates a single conversion job from submission to a
// terminal state: identity, workspace, conversion, archive, status.
//
// Submit returns as soon as the job is scheduled. The task that owns a job id
// is the only writer of its store entry for the job's lifetime.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/tilepack/internal/archive"
	"github.com/mattjoyce/tilepack/internal/events"
	"github.com/mattjoyce/tilepack/internal/jobid"
	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/log"
	"github.com/mattjoyce/tilepack/internal/workspace"
)

// Config carries the packaging and retention settings of a Pipeline.
type Config struct {
	ArchiveName   string
	InnerRoot     string
	Method        archive.Method
	Retention     time.Duration
	SweepInterval time.Duration
}

// DefaultConfig mirrors the layout the installer expects.
func DefaultConfig() Config {
	return Config{
		ArchiveName:   "mapeo-asar-background-map.zip",
		InnerRoot:     "default",
		Method:        archive.MethodStore,
		Retention:     time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// Submission is one inbound conversion request.
type Submission struct {
	// SourcePath is the uploaded file. The pipeline only reads it.
	SourcePath string
	// SourceName is the client-facing file name, informational only.
	SourceName string
	// Release, when set, is called once the job reaches a terminal state so the
	// caller can drop its temporary copy of the source.
	Release func()
}

// Pipeline wires the job components together.
type Pipeline struct {
	cfg        Config
	store      *jobs.Store
	workspaces workspace.Manager
	runner     Runner
	scheduler  Scheduler
	notifier   Notifier
	recorder   Recorder
	salter     *jobid.Salter
	now        func() time.Time
	logger     *slog.Logger

	mu   sync.Mutex
	done map[string]chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier publishes lifecycle events to n.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithRecorder records terminal jobs to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger overrides the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a pipeline. store, workspaces, runner and scheduler are required.
func New(cfg Config, store *jobs.Store, workspaces workspace.Manager, runner Runner, scheduler Scheduler, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.ArchiveName == "" {
		cfg.ArchiveName = def.ArchiveName
	}
	if cfg.InnerRoot == "" {
		cfg.InnerRoot = def.InnerRoot
	}
	if cfg.Method == "" {
		cfg.Method = def.Method
	}

	p := &Pipeline{
		cfg:        cfg,
		store:      store,
		workspaces: workspaces,
		runner:     runner,
		scheduler:  scheduler,
		salter:     jobid.NewSalter(),
		now:        time.Now,
		logger:     log.WithComponent("pipeline"),
		done:       make(map[string]chan struct{}),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Submit validates the source, allocates the job and schedules its work. The
// returned job is Pending, or Failed if the scheduler refused the work.
// Errors are returned only when no job was created.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (jobs.Job, error) {
	src, err := checkSource(sub.SourcePath)
	if err != nil {
		return jobs.Job{}, err
	}
	name := sub.SourceName
	if name == "" {
		name = filepath.Base(src)
	}

	id, err := jobid.Compute(src, p.salter.Next())
	if err != nil {
		return jobs.Job{}, &jobs.InputError{Msg: "cannot derive job id", Err: err}
	}

	ws, err := p.workspaces.Create(ctx, id)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("allocate workspace: %w", err)
	}

	job := jobs.New(id, src, name, ws.Dir, p.now())

	p.mu.Lock()
	p.done[id] = make(chan struct{})
	p.mu.Unlock()

	if err := p.store.Set(id, job); err != nil {
		p.forget(id)
		_ = p.workspaces.Release(ctx, id)
		return jobs.Job{}, fmt.Errorf("register job: %w", err)
	}
	p.publish(events.JobPending, job)

	logger := log.WithJob(id)
	logger.Info("job accepted", "source", name, "workspace", ws.Dir)

	if err := p.scheduler.Submit(func(ctx context.Context) { p.run(ctx, job, sub.Release) }); err != nil {
		logger.Warn("job could not be scheduled", "error", err)
		failed := p.fail(ctx, job, fmt.Errorf("schedule conversion: %w", err))
		if sub.Release != nil {
			sub.Release()
		}
		return failed, nil
	}
	return job, nil
}

// Status returns the current state of id.
func (p *Pipeline) Status(id string) (jobs.Job, error) {
	return p.store.Get(id)
}

// List returns all tracked jobs, newest first.
func (p *Pipeline) List() []jobs.Job {
	return p.store.List()
}

// Wait blocks until id reaches a terminal state or ctx ends.
func (p *Pipeline) Wait(ctx context.Context, id string) (jobs.Job, error) {
	p.mu.Lock()
	job, err := p.store.Get(id)
	if err != nil {
		p.mu.Unlock()
		return jobs.Job{}, err
	}
	if job.Status.Terminal() {
		p.mu.Unlock()
		return job, nil
	}
	ch, ok := p.done[id]
	p.mu.Unlock()
	if !ok {
		return job, fmt.Errorf("job %s has no completion signal", id)
	}

	select {
	case <-ch:
		return p.store.Get(id)
	case <-ctx.Done():
		return job, ctx.Err()
	}
}

func (p *Pipeline) run(ctx context.Context, job jobs.Job, release func()) {
	logger := log.WithJob(job.ID)
	if release != nil {
		defer release()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", fmt.Sprint(r))
			// A panic after finish must not undo the terminal state.
			if cur, err := p.store.Get(job.ID); err == nil && cur.Status.Terminal() {
				return
			}
			p.fail(ctx, job, fmt.Errorf("internal error: %v", r))
		}
	}()

	running, err := job.Start(p.now())
	if err != nil {
		logger.Error("cannot start job", "error", err)
		return
	}
	if err := p.store.Set(job.ID, running); err != nil {
		logger.Error("cannot record running state", "error", err)
		return
	}
	job = running
	p.publish(events.JobRunning, job)
	logger.Info("job running")

	outDir := filepath.Join(job.WorkspaceDir, p.cfg.InnerRoot)
	if err := p.runner.Run(ctx, job.SourcePath, outDir); err != nil {
		p.fail(ctx, job, err)
		return
	}

	artifact := filepath.Join(job.WorkspaceDir, p.cfg.ArchiveName)
	if err := archive.Pack(ctx, outDir, artifact, p.cfg.InnerRoot, p.cfg.Method); err != nil {
		p.fail(ctx, job, err)
		return
	}

	sum, err := archive.Checksum(artifact)
	if err != nil {
		p.fail(ctx, job, &jobs.ArchiveError{Path: artifact, Err: err})
		return
	}

	completed, err := job.Complete(artifact, sum, p.now())
	if err != nil {
		p.fail(ctx, job, err)
		return
	}
	p.finish(ctx, completed)
	logger.Info("job completed", "artifact", artifact, "checksum", sum)
}

// fail moves job to Failed and returns the stored state. cause never escapes
// the job.
func (p *Pipeline) fail(ctx context.Context, job jobs.Job, cause error) jobs.Job {
	logger := log.WithJob(job.ID)
	failed, err := job.Fail(cause.Error(), p.now())
	if err != nil {
		logger.Error("cannot mark job failed", "error", err, "cause", cause)
		return job
	}
	p.finish(ctx, failed)

	var ce *jobs.ConversionError
	if errors.As(cause, &ce) && ce.Stderr != "" {
		logger.Warn("job failed", "error", cause, "stderr", ce.Stderr)
	} else {
		logger.Warn("job failed", "error", cause)
	}
	return failed
}

// finish stores a terminal job exactly once and wakes waiters.
func (p *Pipeline) finish(ctx context.Context, job jobs.Job) {
	p.mu.Lock()
	err := p.store.Set(job.ID, job)
	if ch, ok := p.done[job.ID]; ok && err == nil {
		close(ch)
		delete(p.done, job.ID)
	}
	p.mu.Unlock()
	if err != nil {
		log.WithJob(job.ID).Error("cannot record terminal state", "error", err)
		return
	}

	if job.Status == jobs.StatusCompleted {
		p.publish(events.JobCompleted, job)
	} else {
		p.publish(events.JobFailed, job)
	}
	if p.recorder != nil {
		if err := p.recorder.RecordJob(ctx, job); err != nil {
			log.WithJob(job.ID).Warn("cannot record job history", "error", err)
		}
	}
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	delete(p.done, id)
	p.mu.Unlock()
}

func (p *Pipeline) publish(eventType string, job jobs.Job) {
	if p.notifier == nil {
		return
	}
	data := map[string]any{
		"status": job.Status,
		"source": job.SourceName,
	}
	if job.ErrorDetail != "" {
		data["error"] = job.ErrorDetail
	}
	if job.Checksum != "" {
		data["checksum"] = job.Checksum
	}
	p.notifier.Publish(eventType, job.ID, data)
}

func checkSource(path string) (string, error) {
	if path == "" {
		return "", &jobs.InputError{Msg: "no source file provided"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &jobs.InputError{Msg: "invalid source path", Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", &jobs.InputError{Msg: "source file not accessible", Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", &jobs.InputError{Msg: fmt.Sprintf("source %s is not a regular file", abs)}
	}
	return abs, nil
}
