// Package workspace owns the per-job scratch directories: one directory per
// job id under a shared root, holding the converted output and the archive.
package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"time"
)

var (
	// ErrExists is returned by Create when the job already has a directory.
	ErrExists = errors.New("workspace already exists")

	// ErrInvalidID is returned for ids that are not job ids.
	ErrInvalidID = errors.New("invalid job id")
)

// Workspace is the scratch directory owned by exactly one job.
type Workspace struct {
	JobID string
	Dir   string
}

// Path joins elem onto the workspace directory.
func (w Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Dir}, elem...)...)
}

// PruneOptions selects which workspaces Prune removes.
type PruneOptions struct {
	// OlderThan skips directories modified more recently than this. Zero
	// removes regardless of age.
	OlderThan time.Duration

	// Keep reports job ids that are still owned by a live job.
	Keep func(jobID string) bool
}

// PruneReport summarizes a prune pass.
type PruneReport struct {
	Removed []string
	Bytes   int64
	// Foreign counts root entries that are not job workspaces; they are left
	// alone.
	Foreign int
}

// Usage describes the scratch root.
type Usage struct {
	Workspaces int
	Bytes      int64
}

// Manager governs per-job scratch directories under a shared root.
type Manager interface {
	// Create makes the directory for jobID. It fails with ErrExists rather
	// than reuse one.
	Create(ctx context.Context, jobID string) (Workspace, error)

	// Open resolves the existing directory for jobID.
	Open(ctx context.Context, jobID string) (Workspace, error)

	// Release removes the directory for jobID. A missing one is not an error.
	Release(ctx context.Context, jobID string) error

	// Prune removes workspaces no live job owns.
	Prune(ctx context.Context, opts PruneOptions) (PruneReport, error)

	// Usage totals what the root currently holds.
	Usage(ctx context.Context) (Usage, error)

	// Root returns the absolute scratch root.
	Root() string
}
