package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/health"
)

const testJobID = "0190f1c2-7a7e-7b3c-9d2a-1b2c3d4e5f60"

type fakeJobs struct {
	job    *crawler.Job
	snap   health.Snapshot
	err    error
	lastID string
}

func (f *fakeJobs) GetJobStatus(_ context.Context, jobID string) (*crawler.Job, error) {
	f.lastID = jobID
	return f.job, f.err
}

func (f *fakeJobs) CheckJobHealth(_ context.Context, jobID string) (health.Snapshot, error) {
	f.lastID = jobID
	if f.err != nil {
		return health.Snapshot{}, f.err
	}
	return f.snap, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeJobs{}, nil, nil), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode(t, rec)["status"])
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeJobs{}, fakePinger{}, nil), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, NewServer(&fakeJobs{}, fakePinger{err: errors.New("down")}, nil), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "store unavailable", decode(t, rec)["error"])
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeJobs{}, nil, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_GetJob_ReturnsJob(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{job: &crawler.Job{
		ID:     testJobID,
		Name:   "Docs",
		Domain: "docs.example.com",
		Status: crawler.JobStatusRunning,
	}}
	rec := serve(t, NewServer(jobs, nil, nil), "/v1/jobs/"+testJobID)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, testJobID, jobs.lastID)

	var body struct {
		Job crawler.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, crawler.JobStatusRunning, body.Job.Status)
	require.Equal(t, "docs.example.com", body.Job.Domain)
}

func TestServer_GetJob_NotFound(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeJobs{}, nil, nil), "/v1/jobs/"+testJobID)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetJob_InvalidID(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	rec := serve(t, NewServer(jobs, nil, nil), "/v1/jobs/not-a-uuid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, jobs.lastID)
}

func TestServer_GetJob_StoreError(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeJobs{err: errors.New("boom")}, nil, nil), "/v1/jobs/"+testJobID)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_GetJobHealth(t *testing.T) {
	t.Parallel()

	beat := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	jobs := &fakeJobs{snap: health.Snapshot{
		JobID:                 testJobID,
		Status:                crawler.JobStatusRunning,
		LastHeartbeat:         &beat,
		SecondsSinceHeartbeat: 42,
		Health:                health.StatusWarning,
	}}
	rec := serve(t, NewServer(jobs, nil, nil), "/v1/jobs/"+testJobID+"/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, "warning", body["health_status"])
	require.InDelta(t, 42.0, body["seconds_since_heartbeat"], 0.001)
}

func TestServer_GetJobHealth_NotFound(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{snap: health.Snapshot{JobID: testJobID, Health: health.StatusNotFound}}
	rec := serve(t, NewServer(jobs, nil, nil), "/v1/jobs/"+testJobID+"/health")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeJobs{}, nil, nil), "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	NewServer(&fakeJobs{}, nil, nil).Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)

	hj := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: hj}
	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NoError(t, conn.Close())
	require.NoError(t, hj.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
