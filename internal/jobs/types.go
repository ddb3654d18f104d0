package jobs

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var ErrNotFound = errors.New("job not found")

// ErrIllegalTransition is returned by Store.Set for a write that would move a
// job backwards or out of a terminal state.
var ErrIllegalTransition = errors.New("illegal transition")

// Job is a single conversion request and its lifecycle state.
//
// ArtifactPath and Checksum are only set when Status is StatusCompleted;
// ErrorDetail is only set when Status is StatusFailed.
type Job struct {
	ID           string
	Status       Status
	SourcePath   string
	SourceName   string
	WorkspaceDir string
	ArtifactPath string
	Checksum     string
	ErrorDetail  string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// New returns a pending job.
func New(id, sourcePath, sourceName, workspaceDir string, now time.Time) Job {
	return Job{
		ID:           id,
		Status:       StatusPending,
		SourcePath:   sourcePath,
		SourceName:   sourceName,
		WorkspaceDir: workspaceDir,
		CreatedAt:    now,
	}
}

// CanAdvance reports whether from -> to is a legal lifecycle transition.
// Pending may fail directly when the job could not be scheduled.
func CanAdvance(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Start moves a pending job to running.
func (j Job) Start(now time.Time) (Job, error) {
	if !CanAdvance(j.Status, StatusRunning) {
		return j, fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, StatusRunning)
	}
	j.Status = StatusRunning
	j.StartedAt = &now
	return j, nil
}

// Complete moves a running job to completed with its artifact.
func (j Job) Complete(artifactPath, checksum string, now time.Time) (Job, error) {
	if !CanAdvance(j.Status, StatusCompleted) {
		return j, fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, StatusCompleted)
	}
	if artifactPath == "" {
		return j, fmt.Errorf("job %s: completed without artifact", j.ID)
	}
	j.Status = StatusCompleted
	j.ArtifactPath = artifactPath
	j.Checksum = checksum
	j.CompletedAt = &now
	return j, nil
}

// Fail moves a pending or running job to failed.
func (j Job) Fail(detail string, now time.Time) (Job, error) {
	if !CanAdvance(j.Status, StatusFailed) {
		return j, fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, StatusFailed)
	}
	j.Status = StatusFailed
	j.ErrorDetail = detail
	j.CompletedAt = &now
	return j, nil
}

func (j Job) validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	switch j.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if (j.ArtifactPath != "") != (j.Status == StatusCompleted) {
		return fmt.Errorf("job %s: artifact path must be set iff status is %s", j.ID, StatusCompleted)
	}
	if j.ErrorDetail != "" && j.Status != StatusFailed {
		return fmt.Errorf("job %s: error detail set on %s job", j.ID, j.Status)
	}
	return nil
}
