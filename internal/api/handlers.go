package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/tilepack/internal/jobid"
	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/pipeline"
)

// uploadField is the multipart field that carries the tiles file.
const uploadField = "media"

// multipartMemory is how much of an upload is buffered before spilling to disk.
const multipartMemory = 8 << 20

// handleHealthcheck handles GET /healthcheck (no auth).
func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthcheckResponse{Status: "OK"})
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.depth != nil {
		resp.QueueDepth = s.depth.Depth()
	}
	if s.scratch != nil {
		if u, err := s.scratch.Usage(r.Context()); err == nil {
			resp.Workspaces = &u.Workspaces
			resp.ScratchBytes = &u.Bytes
		} else {
			s.logger.Warn("cannot measure workspace root", "error", err)
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmit handles POST /mbtiles. The upload is stored under UploadDir
// for the lifetime of the job and the id is returned as soon as the work is
// scheduled.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.config.MaxUploadBytes))
			return
		}
		s.writeError(w, http.StatusBadRequest, "request must be multipart/form-data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("no file uploaded in field %q", uploadField))
		return
	}
	defer file.Close()

	saved, release, err := s.saveUpload(file, header.Filename)
	if err != nil {
		s.logger.Error("failed to store upload", "error", err, "request_id", middleware.GetReqID(r.Context()))
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	job, err := s.jobs.Submit(r.Context(), pipeline.Submission{
		SourcePath: saved,
		SourceName: header.Filename,
		Release:    release,
	})
	if err != nil {
		release()
		var inputErr *jobs.InputError
		if errors.As(err, &inputErr) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	respondJSON(w, http.StatusOK, SubmitResponse{ID: job.ID})
}

// saveUpload copies the upload into a fresh directory and returns a func that
// removes it.
func (s *Server) saveUpload(src io.Reader, filename string) (string, func(), error) {
	dir := filepath.Join(s.config.UploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create upload dir: %w", err)
	}
	release := func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove upload", "dir", dir, "error", err)
		}
	}

	dst := filepath.Join(dir, uploadName(filename))
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		release()
		return "", nil, err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		release()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		release()
		return "", nil, err
	}
	return dst, release, nil
}

// uploadName reduces a client-supplied file name to a safe base name.
func uploadName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload.mbtiles"
	}
	return name
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.writeJobStatus(w, chi.URLParam(r, "jobID"))
}

// handleLegacyStatus handles GET /?id=<id>.
func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid or missing id parameter")
		return
	}
	s.writeJobStatus(w, id)
}

func (s *Server) writeJobStatus(w http.ResponseWriter, id string) {
	job, ok := s.lookup(w, id)
	if !ok {
		return
	}

	created := job.CreatedAt
	resp := JobStatusResponse{
		Status:      string(job.Status),
		CreatedAt:   &created,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	switch job.Status {
	case jobs.StatusCompleted:
		resp.DownloadURL = "/download/" + job.ID
		resp.Checksum = job.Checksum
	case jobs.StatusFailed:
		resp.Error = job.ErrorDetail
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleDownload handles GET /download/{jobID}.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, chi.URLParam(r, "jobID"))
	if !ok {
		return
	}
	if job.Status != jobs.StatusCompleted {
		s.writeError(w, http.StatusNotFound, "File not found or not completed")
		return
	}

	f, err := os.Open(job.ArtifactPath)
	if err != nil {
		// Evicted or removed since completion.
		s.writeError(w, http.StatusNotFound, "File not found or not completed")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}

	name := filepath.Base(job.ArtifactPath)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if job.Checksum != "" {
		w.Header().Set("X-Checksum-Blake3", job.Checksum)
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// lookup resolves id or writes the error response.
func (s *Server) lookup(w http.ResponseWriter, id string) (jobs.Job, bool) {
	if !jobid.Valid(id) {
		s.writeError(w, http.StatusNotFound, "ID not found")
		return jobs.Job{}, false
	}
	job, err := s.jobs.Status(id)
	if errors.Is(err, jobs.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "ID not found")
		return jobs.Job{}, false
	}
	if err != nil {
		s.logger.Error("failed to read job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read job")
		return jobs.Job{}, false
	}
	return job, true
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.APIKey != ""))
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
