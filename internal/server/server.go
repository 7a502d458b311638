// Package server exposes task control and the record store over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/task"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server
type Server struct {
	scheduler *task.Scheduler
	store     *store.RecordStore
	defaults  task.Options
	addr      string
	router    chi.Router
	server    *http.Server
}

// NewServer creates a new HTTP server. defaults fill in summarizer options a
// task request leaves out.
func NewServer(addr string, sched *task.Scheduler, st *store.RecordStore, defaults task.Options) *Server {
	s := &Server{
		scheduler: sched,
		store:     st,
		defaults:  defaults,
		addr:      addr,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/records", s.handleAppendRecords)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Post("/clear", s.handleClearFinished)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleRemoveTask)
				r.Post("/stop", s.handleStopTask)
				r.Post("/restart", s.handleRestartTask)
				r.Get("/events", s.handleTaskStream)
				r.Get("/journal", s.handleTaskJournal)
			})
		})
	})

	return r
}

// Handler returns the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr, "store", s.store.Path())
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, then stops running tasks and waits for
// them to record the file in hand.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tasks did not stop: %w", err))
	}
	return errors.Join(errs...)
}

// createTaskRequest is the body of POST /api/v1/tasks
type createTaskRequest struct {
	Root          string `json:"root"`
	SummaryLength int    `json:"summaryLength"`
	Model         string `json:"model"`

	// Start defaults to true
	Start *bool `json:"start"`
}

// handleCreateTask handles POST /api/v1/tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Root == "" {
		writeError(w, http.StatusBadRequest, errors.New("root is required"))
		return
	}

	opts := s.defaults
	if req.SummaryLength > 0 {
		opts.SummaryLength = req.SummaryLength
	}
	if req.Model != "" {
		opts.Model = req.Model
	}

	t, err := s.scheduler.CreateTask(req.Root, opts)
	if err != nil {
		if errors.Is(err, task.ErrTaskActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Start == nil || *req.Start {
		if err := s.scheduler.Start(t.ID); err != nil {
			writeTaskError(w, err)
			return
		}
		t, _ = s.scheduler.GetTask(t.ID)
	}

	writeJSON(w, http.StatusCreated, t)
}

// handleListTasks handles GET /api/v1/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.ListTasks())
}

// taskDetails adds derived fields to a task
type taskDetails struct {
	task.Task
	Elapsed float64 `json:"elapsed"`
}

// handleGetTask handles GET /api/v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.scheduler.GetTask(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	writeJSON(w, http.StatusOK, taskDetails{Task: t, Elapsed: t.Duration().Seconds()})
}

// handleStopTask handles POST /api/v1/tasks/{id}/stop
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.scheduler.Stop)
}

// handleRestartTask handles POST /api/v1/tasks/{id}/restart
func (s *Server) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.scheduler.Restart)
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := chi.URLParam(r, "id")
	if err := action(id); err != nil {
		writeTaskError(w, err)
		return
	}
	t, _ := s.scheduler.GetTask(id)
	writeJSON(w, http.StatusAccepted, t)
}

// handleRemoveTask handles DELETE /api/v1/tasks/{id}
func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskJournal handles GET /api/v1/tasks/{id}/journal
func (s *Server) handleTaskJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.scheduler.Journal(chi.URLParam(r, "id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleClearFinished handles POST /api/v1/tasks/clear
func (s *Server) handleClearFinished(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.scheduler.ClearFinished()})
}

// statsResponse combines task and store statistics
type statsResponse struct {
	Tasks task.Stats        `json:"tasks"`
	Store *store.Statistics `json:"store"`
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Statistics(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Tasks: s.scheduler.Stats(), Store: st})
}

// appendRecordsRequest is the body of POST /api/v1/records
type appendRecordsRequest struct {
	Records []store.AnalysisRecord `json:"records"`
	Force   bool                   `json:"force"`
}

// handleAppendRecords handles POST /api/v1/records
func (s *Server) handleAppendRecords(w http.ResponseWriter, r *http.Request) {
	var req appendRecordsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("records are required"))
		return
	}

	results, err := s.store.AppendRecords(r.Context(), req.Records, store.AppendOptions{Force: req.Force})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrJournalDisabled):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, task.ErrInvalidState), errors.Is(err, task.ErrTaskActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err)
	case store.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		slog.Error("Store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
