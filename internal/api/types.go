package api

import "time"

// SubmitResponse is returned by POST /mbtiles once the job is scheduled.
type SubmitResponse struct {
	ID string `json:"id"`
}

// JobStatusResponse is returned by GET /jobs/{job_id}. DownloadURL and
// Checksum are only present for completed jobs.
type JobStatusResponse struct {
	Status      string     `json:"status"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	Checksum    string     `json:"checksum,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthcheckResponse is returned by GET /healthcheck.
type HealthcheckResponse struct {
	Status string `json:"status"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	Workspaces    *int   `json:"workspaces,omitempty"`
	ScratchBytes  *int64 `json:"scratch_bytes,omitempty"`
}
