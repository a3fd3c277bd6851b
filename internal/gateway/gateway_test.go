package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hollis/autodev/internal/persistence"
)

type fakeSubmitter struct {
	submitted []string
	err       error
}

func (f *fakeSubmitter) Submit(jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, jobID)
	return nil
}

func newTestServer(t *testing.T) (*Server, *persistence.Store, *fakeSubmitter) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sub := &fakeSubmitter{}
	return New(store, sub, nil), store, sub
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateTask(t *testing.T) {
	srv, store, sub := newTestServer(t)

	rec := postJSON(t, srv.Handler(), "/tasks", createTaskRequest{Task: "rename the config flag", RepoPath: "/tmp/repo"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var job persistence.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.ID == "" || job.Status != persistence.JobStatusPending {
		t.Fatalf("job = %+v", job)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != job.ID {
		t.Fatalf("submitted = %v", sub.submitted)
	}
	stored, _ := store.GetJob(context.Background(), job.ID)
	if stored == nil || stored.Task != "rename the config flag" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestCreateTask_RejectsEmptyTask(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/tasks", createTaskRequest{Task: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateTask_QueueFull(t *testing.T) {
	srv, store, sub := newTestServer(t)
	sub.err = errors.New("job queue full")

	rec := postJSON(t, srv.Handler(), "/tasks", createTaskRequest{Task: "queued anyway"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	// The job must still exist so a Resume pass can schedule it later.
	jobs, _ := store.ListJobs(context.Background(), nil, 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want the stored pending job", len(jobs))
	}
}

func TestGetJob(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "inspect me", "")
	if err := store.RecordUsage(ctx, job.ID, "", "gpt-4.1-mini", 100, 50, 0.001); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	rec := get(t, srv.Handler(), "/jobs/"+job.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var detail jobDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Job == nil || detail.Job.ID != job.ID {
		t.Fatalf("detail.Job = %+v", detail.Job)
	}
	if len(detail.Costs) != 1 {
		t.Fatalf("costs = %d", len(detail.Costs))
	}

	if rec := get(t, srv.Handler(), "/jobs/no-such-job"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", rec.Code)
	}
}

func TestListJobs_StatusFilter(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	a, _ := store.CreateJob(ctx, "job a", "")
	if _, err := store.TransitionJob(ctx, a.ID,
		[]persistence.JobStatus{persistence.JobStatusPending}, persistence.JobStatusPlanning, "test"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := store.CreateJob(ctx, "job b", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := get(t, srv.Handler(), "/jobs?status=planning")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Jobs []*persistence.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != a.ID {
		t.Fatalf("jobs = %+v", resp.Jobs)
	}
}

func TestCancel(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "cancel me", "")
	rec := postJSON(t, srv.Handler(), "/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	stored, _ := store.GetJob(ctx, job.ID)
	if !stored.CancelRequested {
		t.Fatal("cancel flag not set")
	}

	// A terminal job cannot be cancelled again.
	if _, err := store.TransitionJob(ctx, job.ID,
		[]persistence.JobStatus{persistence.JobStatusPending}, persistence.JobStatusCancelled, "test"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	rec = postJSON(t, srv.Handler(), "/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("terminal cancel status = %d", rec.Code)
	}
}

func TestContextDiagnostics(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "diagnose me", "")

	rec := get(t, srv.Handler(), "/jobs/"+job.ID+"/context")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty diagnostics status = %d", rec.Code)
	}

	if err := store.SaveDiagnostics(ctx, job.ID, "", `{"tokens_selected":123}`); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	rec = get(t, srv.Handler(), "/jobs/"+job.ID+"/context")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Report struct {
			TokensSelected int `json:"tokens_selected"`
		} `json:"report"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Report.TokensSelected != 123 {
		t.Fatalf("report = %+v", resp.Report)
	}
}

func TestJobEvents(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "event source", "")
	if _, err := store.TransitionJob(ctx, job.ID,
		[]persistence.JobStatus{persistence.JobStatusPending}, persistence.JobStatusPlanning, "test"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	rec := get(t, srv.Handler(), "/jobs/"+job.ID+"/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Events []persistence.JobEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// job.created plus the state change.
	if len(resp.Events) < 2 {
		t.Fatalf("events = %d, want at least 2", len(resp.Events))
	}
}
