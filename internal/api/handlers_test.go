package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tilepack/internal/convert"
	"github.com/mattjoyce/tilepack/internal/dispatch"
	"github.com/mattjoyce/tilepack/internal/events"
	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/log"
	"github.com/mattjoyce/tilepack/internal/pipeline"
	"github.com/mattjoyce/tilepack/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

const testKey = "test-key-123"

type testEnv struct {
	server    *Server
	handler   http.Handler
	hub       *events.Hub
	scratch   string
	uploadDir string
}

func writePackage(_ context.Context, in, out string) error {
	if err := os.MkdirAll(filepath.Join(out, "tiles"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(out, "style.json"), []byte(`{"version":8}`), 0o644)
}

func newTestEnv(t *testing.T, cfg Config, conv convert.ConverterFunc) *testEnv {
	t.Helper()
	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	mgr, err := workspace.NewFSManager(scratch)
	require.NoError(t, err)

	pool := dispatch.New(2, 8)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	hub := events.NewHub(64)
	p := pipeline.New(pipeline.DefaultConfig(), jobs.NewStore(), mgr, convert.NewRunner(conv), pool,
		pipeline.WithNotifier(hub))

	cfg.UploadDir = filepath.Join(dir, "uploads")
	s := New(cfg, p, pool, hub, slog.Default())
	s.ReportScratch(mgr)
	return &testEnv{server: s, handler: s.Handler(), hub: hub, scratch: scratch, uploadDir: cfg.UploadDir}
}

func uploadRequest(t *testing.T, field, name string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/mbtiles", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func authorize(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testKey)
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// countEntries returns the number of entries in dir; a missing dir has none.
func countEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func pollStatus(t *testing.T, env *testEnv, id string, want jobs.Status) JobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rr := serve(env.handler, authorize(httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil)))
		if rr.Code != http.StatusOK {
			t.Fatalf("status code = %d, body %s", rr.Code, rr.Body.String())
		}
		var resp JobStatusResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		if resp.Status == string(want) {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", id, resp.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthcheck_NoAuth(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey}, writePackage)

	rr := serve(env.handler, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"OK"}`, rr.Body.String())

	rr = serve(env.handler, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var hz HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hz))
	assert.Equal(t, "ok", hz.Status)
	require.NotNil(t, hz.Workspaces)
	assert.Zero(t, *hz.Workspaces)
}

func TestSubmitPollDownload(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey}, writePackage)

	rr := serve(env.handler, authorize(uploadRequest(t, "media", "map.mbtiles", []byte("tiles"))))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sub SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sub))
	assert.Regexp(t, `^[0-9a-f]{64}$`, sub.ID)

	status := pollStatus(t, env, sub.ID, jobs.StatusCompleted)
	assert.Equal(t, "/download/"+sub.ID, status.DownloadURL)
	assert.NotEmpty(t, status.Checksum)
	assert.Empty(t, status.Error)

	rr = serve(env.handler, authorize(httptest.NewRequest(http.MethodGet, status.DownloadURL, nil)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotZero(t, rr.Body.Len())
	assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))
	assert.Equal(t, status.Checksum, rr.Header().Get("X-Checksum-Blake3"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "mapeo-asar-background-map.zip")

	// The upload copy goes away once the job is terminal.
	require.Eventually(t, func() bool {
		return countEntries(t, env.uploadDir) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitWithoutFile(t *testing.T) {
	env := newTestEnv(t, Config{}, writePackage)

	rr := serve(env.handler, uploadRequest(t, "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["error"])
	assert.NotContains(t, resp, "id")

	assert.Zero(t, countEntries(t, env.scratch), "no workspace may be created")

	rr = serve(env.handler, httptest.NewRequest(http.MethodPost, "/mbtiles", strings.NewReader("plain")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitWrongFieldName(t *testing.T) {
	env := newTestEnv(t, Config{}, writePackage)

	rr := serve(env.handler, uploadRequest(t, "file", "map.mbtiles", []byte("tiles")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "media")
}

func TestSubmitTooLarge(t *testing.T) {
	env := newTestEnv(t, Config{MaxUploadBytes: 64}, writePackage)

	rr := serve(env.handler, uploadRequest(t, "media", "map.mbtiles", bytes.Repeat([]byte("x"), 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 0.001, RateBurst: 1}, writePackage)

	rr := serve(env.handler, uploadRequest(t, "media", "a.mbtiles", []byte("a")))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(env.handler, uploadRequest(t, "media", "b.mbtiles", []byte("b")))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestConversionFailureVisibleViaStatus(t *testing.T) {
	env := newTestEnv(t, Config{}, func(context.Context, string, string) error {
		return errors.New("not an mbtiles file")
	})

	rr := serve(env.handler, uploadRequest(t, "media", "bad.mbtiles", []byte("junk")))
	require.Equal(t, http.StatusOK, rr.Code)
	var sub SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sub))

	status := pollStatus(t, env, sub.ID, jobs.StatusFailed)
	assert.Contains(t, status.Error, "not an mbtiles file")
	assert.Empty(t, status.DownloadURL)

	rr = serve(env.handler, httptest.NewRequest(http.MethodGet, "/download/"+sub.ID, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusUnknownJob(t *testing.T) {
	env := newTestEnv(t, Config{}, writePackage)

	rr := serve(env.handler, httptest.NewRequest(http.MethodGet, "/jobs/"+strings.Repeat("a", 64), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(env.handler, httptest.NewRequest(http.MethodGet, "/jobs/not-an-id", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(env.handler, httptest.NewRequest(http.MethodGet, "/download/"+strings.Repeat("b", 64), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLegacyStatusQuery(t *testing.T) {
	env := newTestEnv(t, Config{}, writePackage)

	rr := serve(env.handler, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(env.handler, uploadRequest(t, "media", "map.mbtiles", []byte("tiles")))
	require.Equal(t, http.StatusOK, rr.Code)
	var sub SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sub))
	pollStatus(t, env, sub.ID, jobs.StatusCompleted)

	rr = serve(env.handler, httptest.NewRequest(http.MethodGet, "/?id="+sub.ID, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var resp JobStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "/download/"+sub.ID, resp.DownloadURL)
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey}, writePackage)

	rr := serve(env.handler, uploadRequest(t, "media", "map.mbtiles", []byte("tiles")))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := uploadRequest(t, "media", "map.mbtiles", []byte("tiles"))
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr = serve(env.handler, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, `Bearer realm="tilepack"`, rr.Header().Get("WWW-Authenticate"))

	assert.Zero(t, countEntries(t, env.scratch))

	id := strings.Repeat("a", 64)
	rr = serve(env.handler, httptest.NewRequest(http.MethodGet, "/jobs/"+id+"?access_token="+testKey, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code, "query token should pass auth on GET")
}

type stubJobs struct {
	submitErr error
}

func (s stubJobs) Submit(context.Context, pipeline.Submission) (jobs.Job, error) {
	return jobs.Job{}, s.submitErr
}

func (s stubJobs) Status(string) (jobs.Job, error) {
	return jobs.Job{}, jobs.ErrNotFound
}

func TestSubmitErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"input error", &jobs.InputError{Msg: "source is a directory"}, http.StatusBadRequest},
		{"internal error", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uploads := t.TempDir()
			s := New(Config{UploadDir: uploads}, stubJobs{submitErr: tt.err}, nil, nil, slog.Default())

			rr := serve(s.Handler(), uploadRequest(t, "media", "map.mbtiles", []byte("tiles")))
			assert.Equal(t, tt.want, rr.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)

			assert.Zero(t, countEntries(t, uploads), "rejected upload must be removed")
		})
	}
}

func TestUploadName(t *testing.T) {
	tests := map[string]string{
		"map.mbtiles":           "map.mbtiles",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\a.mbtiles`: "a.mbtiles",
		"":                      "upload.mbtiles",
		"..":                    "upload.mbtiles",
		"bad\x00name.mbtiles":   "badname.mbtiles",
	}
	for in, want := range tests {
		assert.Equal(t, want, uploadName(in), "input %q", in)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: testKey}, writePackage)

	rr := serve(env.handler, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "3.1.0", doc["openapi"])

	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/mbtiles", "/jobs/{jobID}", "/download/{jobID}", "/events", "/healthcheck"} {
		assert.Contains(t, paths, p)
	}
	post := paths["/mbtiles"].(map[string]any)["post"].(map[string]any)
	assert.Contains(t, post, "security")

	open := buildOpenAPIDoc(false)
	assert.NotContains(t, open["components"], "securitySchemes")
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, Config{}, writePackage)
	env.hub.Publish(events.JobPending, "job-a", map[string]any{"status": "pending"})
	env.hub.Publish(events.JobPending, "job-b", map[string]any{"status": "pending"})
	env.hub.Publish(events.JobCompleted, "job-b", map[string]any{"status": "completed"})

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?job=job-b", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, `"job_id":"job-b"`)
		}
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
			if len(types) == 2 {
				break
			}
		}
	}
	assert.Equal(t, []string{events.JobPending, events.JobCompleted}, types)
	cancel()
	_, _ = io.Copy(io.Discard, resp.Body)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestEventFilterFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?job=abc&type=job.completed,%20job.failed,", nil)
	f := eventFilter(req)
	assert.Equal(t, "abc", f.JobID)
	assert.Equal(t, []string{events.JobCompleted, events.JobFailed}, f.Types)

	assert.Equal(t, events.Filter{}, eventFilter(httptest.NewRequest(http.MethodGet, "/events", nil)))
}
