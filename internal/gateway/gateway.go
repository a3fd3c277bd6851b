// Package gateway exposes the job engine over HTTP. It is a thin layer:
// every handler reads or writes through the persistence store and hands
// execution off to the orchestrator via Submit.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hollis/autodev/internal/otel"
	"github.com/hollis/autodev/internal/persistence"
)

// Submitter enqueues a stored job for execution.
type Submitter interface {
	Submit(jobID string) error
}

type Server struct {
	store   *persistence.Store
	engine  Submitter
	metrics *otel.Metrics
	router  chi.Router
}

func New(store *persistence.Store, engine Submitter, metrics *otel.Metrics) *Server {
	s := &Server{store: store, engine: engine, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Post("/tasks", s.handleCreateTask)
	r.Get("/jobs", s.handleListJobs)
	r.Route("/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Post("/cancel", s.handleCancel)
		r.Get("/context", s.handleContext)
		r.Get("/events", s.handleEvents)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.metrics != nil {
			s.metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		}
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	Task     string `json:"task"`
	RepoPath string `json:"repo_path"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, "task must not be empty")
		return
	}

	job, err := s.store.CreateJob(r.Context(), req.Task, req.RepoPath)
	if err != nil {
		slog.Error("create job", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	if err := s.engine.Submit(job.ID); err != nil {
		// The job row survives; a later Resume pass will pick it up.
		slog.Warn("submit after create", "job_id", job.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "job stored but the execution queue is full")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []persistence.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, persistence.JobStatus(strings.ToUpper(strings.TrimSpace(part))))
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), statuses, queryLimit(r, 100))
	if err != nil {
		slog.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []*persistence.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type jobDetail struct {
	Job   *persistence.Job        `json:"job"`
	Steps []*persistence.Step     `json:"steps"`
	Costs []persistence.CostEntry `json:"costs"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	steps, err := s.store.ListSteps(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load steps")
		return
	}
	costs, err := s.store.ListCostEntries(r.Context(), job.ID, queryLimit(r, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load cost ledger")
		return
	}
	if steps == nil {
		steps = []*persistence.Step{}
	}
	if costs == nil {
		costs = []persistence.CostEntry{}
	}
	writeJSON(w, http.StatusOK, jobDetail{Job: job, Steps: steps, Costs: costs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	flagged, err := s.store.RequestCancel(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not request cancel")
		return
	}
	if !flagged {
		writeJSON(w, http.StatusConflict, map[string]any{
			"job_id":    job.ID,
			"cancelled": false,
			"status":    job.Status,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "cancelled": true})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	rec, err := s.store.LatestDiagnostics(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load diagnostics")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no context has been assembled for this job yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     rec.JobID,
		"step_id":    rec.StepID,
		"created_at": rec.CreatedAt,
		"report":     json.RawMessage(rec.Payload),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	events, err := s.store.ListJobEvents(r.Context(), job.ID, queryLimit(r, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load events")
		return
	}
	if events == nil {
		events = []persistence.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// loadJob resolves the {jobID} URL parameter. It writes the error response
// itself and returns nil when the job cannot be served.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) *persistence.Job {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		slog.Error("get job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return nil
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil
	}
	return job
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
