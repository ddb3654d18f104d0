// Package history appends finished jobs and installs to the SQLite log so
// operators can inspect what happened after the in-memory state is gone.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/tilepack/internal/install"
	"github.com/mattjoyce/tilepack/internal/jobs"
)

const maxErrorBytes = 16 * 1024

// JobEntry is one row of job_log.
type JobEntry struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	SourceName   string     `json:"source_name"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// InstallEntry is one row of install_log.
type InstallEntry struct {
	ID          int64     `json:"id"`
	SourceDir   string    `json:"source_dir"`
	TargetDir   string    `json:"target_dir"`
	BackupDir   string    `json:"backup_dir,omitempty"`
	Files       int       `json:"files"`
	Bytes       int64     `json:"bytes"`
	LastError   string    `json:"last_error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type Recorder struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// RecordJob upserts a terminal job into job_log.
func (r *Recorder) RecordJob(ctx context.Context, job jobs.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s, not terminal", job.ID, job.Status)
	}

	completedAt := r.now()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	var startedAt any
	if job.StartedAt != nil {
		startedAt = formatTime(*job.StartedAt)
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO job_log(
  id, status, source_name, artifact_path, checksum, last_error, created_at, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  artifact_path = excluded.artifact_path,
  checksum = excluded.checksum,
  last_error = excluded.last_error,
  completed_at = excluded.completed_at;
`, job.ID, string(job.Status), job.SourceName, nullable(job.ArtifactPath), nullable(job.Checksum),
		nullable(truncate(job.ErrorDetail)), formatTime(job.CreatedAt), startedAt, formatTime(completedAt))
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}
	return nil
}

// RecordInstall appends the outcome of an install attempt. installErr may be
// nil.
func (r *Recorder) RecordInstall(ctx context.Context, sourceDir string, report install.Report, installErr error) error {
	var lastError any
	if installErr != nil {
		lastError = truncate(installErr.Error())
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO install_log(source_dir, target_dir, backup_dir, files, bytes, last_error, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, sourceDir, report.TargetDir, nullable(report.BackupDir), report.Files, report.Bytes, lastError, formatTime(r.now()))
	if err != nil {
		return fmt.Errorf("insert install_log: %w", err)
	}
	return nil
}

// ListJobs returns up to limit entries, most recent first.
func (r *Recorder) ListJobs(ctx context.Context, limit int) ([]JobEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, status, source_name, artifact_path, checksum, last_error, created_at, started_at, completed_at
FROM job_log
ORDER BY completed_at DESC, id ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	var out []JobEntry
	for rows.Next() {
		var (
			e                        JobEntry
			artifact, sum, lastError sql.NullString
			createdS, completedS     string
			startedS                 sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Status, &e.SourceName, &artifact, &sum, &lastError, &createdS, &startedS, &completedS); err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		e.ArtifactPath = artifact.String
		e.Checksum = sum.String
		e.LastError = lastError.String
		e.CreatedAt = parseTime(createdS)
		e.CompletedAt = parseTime(completedS)
		if startedS.Valid {
			t := parseTime(startedS.String)
			e.StartedAt = &t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_log: %w", err)
	}
	return out, nil
}

// ListInstalls returns up to limit entries, most recent first.
func (r *Recorder) ListInstalls(ctx context.Context, limit int) ([]InstallEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, source_dir, target_dir, backup_dir, files, bytes, last_error, completed_at
FROM install_log
ORDER BY id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query install_log: %w", err)
	}
	defer rows.Close()

	var out []InstallEntry
	for rows.Next() {
		var (
			e                 InstallEntry
			backup, lastError sql.NullString
			completedS        string
		)
		if err := rows.Scan(&e.ID, &e.SourceDir, &e.TargetDir, &backup, &e.Files, &e.Bytes, &lastError, &completedS); err != nil {
			return nil, fmt.Errorf("scan install_log: %w", err)
		}
		e.BackupDir = backup.String
		e.LastError = lastError.String
		e.CompletedAt = parseTime(completedS)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate install_log: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string) string {
	if len(s) > maxErrorBytes {
		return s[:maxErrorBytes]
	}
	return s
}
