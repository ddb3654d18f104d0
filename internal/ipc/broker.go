// Package ipc is the in-process request/response entry point used by local
// front ends. Callers get a blocking call; underneath, requests and replies
// travel over channels and replies are matched to callers by job id, so any
// number of submissions may be in flight at once.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/tilepack/internal/events"
	"github.com/mattjoyce/tilepack/internal/install"
	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/log"
	"github.com/mattjoyce/tilepack/internal/pipeline"
)

var ErrClosed = errors.New("ipc broker is not serving")

// Pipeline is the conversion side the broker drives.
type Pipeline interface {
	Submit(ctx context.Context, sub pipeline.Submission) (jobs.Job, error)
	Wait(ctx context.Context, id string) (jobs.Job, error)
	Status(id string) (jobs.Job, error)
	Config() pipeline.Config
}

// Installer replaces a live directory with new content.
type Installer interface {
	Install(ctx context.Context, newContentDir, targetDir string) (install.Report, error)
}

// InstallRecorder keeps the install history.
type InstallRecorder interface {
	RecordInstall(ctx context.Context, sourceDir string, report install.Report, installErr error) error
}

// Notifier publishes install events.
type Notifier interface {
	Publish(eventType, jobID string, data any)
}

// SubmitResult answers a submit-file request.
type SubmitResult struct {
	Canceled    bool   `json:"canceled"`
	Error       string `json:"error,omitempty"`
	JobID       string `json:"jobId,omitempty"`
	FilePath    string `json:"filePath,omitempty"`
	OutputDir   string `json:"outputDir,omitempty"`
	ArchivePath string `json:"archivePath,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	OSType      string `json:"osType,omitempty"`
	HomeDir     string `json:"homeDir,omitempty"`
}

// InstallResult answers an install request.
type InstallResult struct {
	Canceled  bool   `json:"canceled"`
	Error     string `json:"error,omitempty"`
	JobID     string `json:"jobId,omitempty"`
	OutputDir string `json:"outputDir,omitempty"`
	TargetDir string `json:"targetDir,omitempty"`
	BackupDir string `json:"backupDir,omitempty"`
}

type kind int

const (
	kindSubmit kind = iota
	kindInstall
)

// key correlates a reply with its caller.
type key struct {
	kind kind
	id   string
}

type request struct {
	key       key
	filePath  string
	targetDir string
	reply     chan any
}

// message is sent by workers back to the serve loop. A rekey message moves a
// pending caller from its provisional request id to the job id.
type message struct {
	key    key
	rekey  *key
	result any
}

// Broker serializes bookkeeping on a single goroutine and runs the work on
// others.
type Broker struct {
	pipeline  Pipeline
	installer Installer
	recorder  InstallRecorder
	notifier  Notifier
	logger    *slog.Logger

	requests chan request
	messages chan message
	done     chan struct{}

	mu      sync.Mutex
	serving bool
	wg      sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

func WithRecorder(r InstallRecorder) Option {
	return func(b *Broker) { b.recorder = r }
}

func WithNotifier(n Notifier) Option {
	return func(b *Broker) { b.notifier = n }
}

func New(p Pipeline, installer Installer, opts ...Option) *Broker {
	b := &Broker{
		pipeline:  p,
		installer: installer,
		logger:    log.WithComponent("ipc"),
		requests:  make(chan request),
		messages:  make(chan message),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve runs the correlation loop until ctx ends. It may be called once.
func (b *Broker) Serve(ctx context.Context) error {
	b.mu.Lock()
	if b.serving {
		b.mu.Unlock()
		return fmt.Errorf("ipc broker already serving")
	}
	b.serving = true
	b.mu.Unlock()

	defer func() {
		close(b.done)
		b.wg.Wait()
	}()

	pending := make(map[key]chan any)
	b.logger.Info("ipc broker serving")

	for {
		select {
		case req := <-b.requests:
			if _, busy := pending[req.key]; busy {
				req.reply <- busyResult(req)
				continue
			}
			pending[req.key] = req.reply
			b.wg.Add(1)
			go b.work(ctx, req)

		case msg := <-b.messages:
			reply, ok := pending[msg.key]
			if !ok {
				b.logger.Warn("dropping reply with no caller", "id", msg.key.id)
				continue
			}
			delete(pending, msg.key)
			if msg.rekey != nil {
				pending[*msg.rekey] = reply
				continue
			}
			reply <- msg.result

		case <-ctx.Done():
			b.logger.Info("ipc broker stopping", "pending", len(pending))
			return nil
		}
	}
}

// SubmitFile converts filePath and blocks until the job finishes or ctx ends.
// An empty path means the caller dismissed its file picker.
func (b *Broker) SubmitFile(ctx context.Context, filePath string) (SubmitResult, error) {
	if filePath == "" {
		return SubmitResult{Canceled: true}, nil
	}
	req := request{
		key:      key{kind: kindSubmit, id: uuid.NewString()},
		filePath: filePath,
		reply:    make(chan any, 1),
	}
	res, err := b.call(ctx, req)
	if err != nil {
		return SubmitResult{Canceled: true, Error: err.Error()}, err
	}
	return res.(SubmitResult), nil
}

// InstallOutput installs the converted output of a completed job into
// targetDir, or into the platform default when targetDir is empty.
func (b *Broker) InstallOutput(ctx context.Context, jobID, targetDir string) (InstallResult, error) {
	if jobID == "" {
		return InstallResult{Canceled: true}, nil
	}
	req := request{
		key:       key{kind: kindInstall, id: jobID},
		targetDir: targetDir,
		reply:     make(chan any, 1),
	}
	res, err := b.call(ctx, req)
	if err != nil {
		return InstallResult{Canceled: true, JobID: jobID, Error: err.Error()}, err
	}
	return res.(InstallResult), nil
}

func (b *Broker) call(ctx context.Context, req request) (any, error) {
	select {
	case b.requests <- req:
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Broker) send(msg message) {
	select {
	case b.messages <- msg:
	case <-b.done:
	}
}

func (b *Broker) work(ctx context.Context, req request) {
	defer b.wg.Done()
	switch req.key.kind {
	case kindSubmit:
		b.submit(ctx, req)
	case kindInstall:
		b.install(ctx, req)
	}
}

func (b *Broker) submit(ctx context.Context, req request) {
	res := SubmitResult{FilePath: req.filePath, OSType: runtime.GOOS}
	if home, err := os.UserHomeDir(); err == nil {
		res.HomeDir = home
	}

	job, err := b.pipeline.Submit(ctx, pipeline.Submission{SourcePath: req.filePath})
	if err != nil {
		res.Error = err.Error()
		b.send(message{key: req.key, result: res})
		return
	}
	res.JobID = job.ID

	byJob := key{kind: kindSubmit, id: job.ID}
	b.send(message{key: req.key, rekey: &byJob})

	job, err = b.pipeline.Wait(ctx, job.ID)
	if err != nil {
		res.Error = err.Error()
		b.send(message{key: byJob, result: res})
		return
	}

	res.FilePath = job.SourcePath
	if job.Status == jobs.StatusCompleted {
		res.OutputDir = filepath.Join(job.WorkspaceDir, b.pipeline.Config().InnerRoot)
		res.ArchivePath = job.ArtifactPath
		res.DownloadURL = FileURL(job.ArtifactPath)
		res.Checksum = job.Checksum
	} else {
		res.Error = job.ErrorDetail
	}
	b.send(message{key: byJob, result: res})
}

func (b *Broker) install(ctx context.Context, req request) {
	jobID := req.key.id
	res := InstallResult{JobID: jobID}
	finish := func(err error) {
		if err != nil {
			res.Error = err.Error()
		}
		b.send(message{key: req.key, result: res})
	}

	job, err := b.pipeline.Status(jobID)
	if err != nil {
		finish(fmt.Errorf("job %s: %w", jobID, err))
		return
	}
	if job.Status != jobs.StatusCompleted {
		finish(fmt.Errorf("job %s is %s, not completed", jobID, job.Status))
		return
	}
	res.OutputDir = filepath.Join(job.WorkspaceDir, b.pipeline.Config().InnerRoot)

	target := req.targetDir
	if target == "" {
		target, err = install.DefaultTargetDir()
		if err != nil {
			finish(err)
			return
		}
	}
	res.TargetDir = target

	report, err := b.installer.Install(ctx, res.OutputDir, target)
	if report.TargetDir != "" {
		res.TargetDir = report.TargetDir
	}
	res.BackupDir = report.BackupDir
	var ie *jobs.InstallError
	if errors.As(err, &ie) && ie.BackupDir != "" {
		res.BackupDir = ie.BackupDir
	}

	if b.recorder != nil {
		rec := report
		rec.TargetDir = res.TargetDir
		rec.BackupDir = res.BackupDir
		if rerr := b.recorder.RecordInstall(ctx, res.OutputDir, rec, err); rerr != nil {
			b.logger.Warn("cannot record install history", "error", rerr)
		}
	}
	if b.notifier != nil {
		data := map[string]any{"targetDir": res.TargetDir, "backupDir": res.BackupDir}
		if err != nil {
			data["error"] = err.Error()
			b.notifier.Publish(events.InstallFailed, jobID, data)
		} else {
			b.notifier.Publish(events.InstallCompleted, jobID, data)
		}
	}
	finish(err)
}

func busyResult(req request) any {
	msg := fmt.Sprintf("a request for %s is already in flight", req.key.id)
	if req.key.kind == kindInstall {
		return InstallResult{JobID: req.key.id, Error: msg}
	}
	return SubmitResult{FilePath: req.filePath, Error: msg}
}

// FileURL renders an absolute path as a file:// URL.
func FileURL(p string) string {
	if p == "" || !filepath.IsAbs(p) {
		return ""
	}
	slashed := filepath.ToSlash(p)
	if slashed[0] != '/' {
		// Windows drive paths need a leading slash.
		slashed = "/" + slashed
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String()
}
