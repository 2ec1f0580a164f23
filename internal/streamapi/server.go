// Package streamapi implements the Live Stream API (spec.md §4.9): REST
// endpoints for task state/history, a per-task WebSocket multiplexing the
// log/diff/state pub/sub streams, an aggregate metrics endpoint, and a
// task-import endpoint that enqueues an ad-hoc issue job.
package streamapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"aifixd/internal/corelog"
	"aifixd/internal/model"
	"aifixd/internal/queue"
	"aifixd/internal/statestore"
)

// Server exposes the daemon's task state and live streams over HTTP.
type Server struct {
	store      *statestore.Store
	issueQueue *queue.Queue
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New builds a Server listening on addr, backed by store for task state and
// issueQueue for the task-import endpoint.
func New(addr string, store *statestore.Store, issueQueue *queue.Queue) *Server {
	s := &Server{
		store:      store,
		issueQueue: issueQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws/tasks/{taskId}", s.handleTaskWebSocket)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/task/{taskId}/state", s.handleTaskState)
		r.Get("/task/{taskId}/history", s.handleTaskHistory)
		r.Get("/metrics/llm", s.handleLLMMetrics)
		r.Post("/import-tasks", s.handleImportTasks)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the WebSocket route needs an unbounded write deadline of its own
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		corelog.InfoWith("stream api listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleTaskState(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	ts, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	ts, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ts.History)
}

func (s *Server) handleLLMMetrics(w http.ResponseWriter, r *http.Request) {
	day, err := s.store.DayCounters(r.Context(), time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	recent, err := s.store.RecentExecutions(r.Context(), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"today": day, "recentExecutions": recent})
}

// importTasksRequest is the body of POST /import-tasks: an ad-hoc issue to
// enqueue outside the poller's normal sweep, e.g. for backfilling or manual
// retries.
type importTasksRequest struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	Model  string `json:"model"`
}

func (s *Server) handleImportTasks(w http.ResponseWriter, r *http.Request) {
	var req importTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Owner == "" || req.Repo == "" || req.Number == 0 || req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner, repo, number and model are required"})
		return
	}

	payload := model.IssueJobPayload{
		Owner: req.Owner, Repo: req.Repo, Number: req.Number, Model: req.Model,
		EnqueuedAtEpoch: time.Now().UnixMilli(),
	}
	jobID := fmt.Sprintf("import-%s-%s-%d-%s-%d", req.Owner, req.Repo, req.Number, req.Model, payload.EnqueuedAtEpoch)
	if err := s.issueQueue.Add(r.Context(), string(model.JobKindIssue), payload, queue.AddOptions{JobID: jobID}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}
