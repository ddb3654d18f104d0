package pipeline

import (
	"context"

	"github.com/mattjoyce/tilepack/internal/dispatch"
	"github.com/mattjoyce/tilepack/internal/jobs"
)

//go:generate mockgen -source=interface.go -destination=mocks/mock_pipeline.go -package=mocks

// Runner converts a source file into a directory that must not exist yet.
type Runner interface {
	Run(ctx context.Context, sourceFile, destinationDir string) error
}

// Scheduler accepts work without blocking the caller.
type Scheduler interface {
	Submit(t dispatch.Task) error
}

// Notifier publishes job lifecycle events.
type Notifier interface {
	Publish(eventType, jobID string, data any)
}

// Recorder keeps a diagnostic trail of terminal jobs.
type Recorder interface {
	RecordJob(ctx context.Context, job jobs.Job) error
}
