package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/store"
)

// Server provides the HTTP surface of the replay backend.
type Server struct {
	store  *store.Store
	runner *Runner
	addr   string
	log    *log.Logger
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(st *store.Store, runner *Runner, addr string, logger *log.Logger) *Server {
	return &Server{
		store:  st,
		runner: runner,
		addr:   addr,
		log:    logger,
	}
}

// Handler builds the route table. Exposed separately so tests can drive
// the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("GET /tasks", s.handleList)
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("GET /tasks/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /tasks/{id}/respond", s.handleRespond)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	// No WriteTimeout: event streams stay open for the task's lifetime.
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("replay server listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.runner.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// detail writes an error the way FastAPI does, so clients built against
// the real backend see the shape they expect.
func (s *Server) detail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{Detail: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.detail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Prompt == "" {
		s.detail(w, http.StatusUnprocessableEntity, "prompt is required")
		return
	}

	task, err := s.runner.StartTask(req.Prompt)
	if err != nil {
		s.detail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, api.SubmitResponse{TaskID: task.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		s.detail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []api.Task{}
	}
	s.writeJSON(w, tasks)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		s.detail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		s.detail(w, http.StatusNotFound, "Task not found")
		return
	}
	s.writeJSON(w, task)
}

// handleEvents serves the SSE stream. Accumulated frames replay first,
// then the subscription goes live; an unknown task id yields an error
// frame inside the stream rather than an HTTP error, which is what the
// real backend does.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	fl, ok := w.(http.Flusher)
	if !ok {
		s.detail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.detail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if task == nil {
		writeFrame(w, fl, Frame{Event: "error", Data: `{"message":"Task not found"}`})
		return
	}

	history, live, cancel := s.runner.Subscribe(taskID)
	defer cancel()

	for _, frame := range history {
		writeFrame(w, fl, frame)
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-live:
			if !ok {
				return
			}
			writeFrame(w, fl, frame)
		case <-keepalive.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			fl.Flush()
		}
	}
}

// writeFrame emits one event, preceded by a comment block the way the
// agent backend spaces its stream.
func writeFrame(w http.ResponseWriter, fl http.Flusher, frame Frame) {
	fmt.Fprint(w, ": heartbeat\n\n")
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, frame.Data)
	fl.Flush()
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req api.RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.detail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.RequestID == "" {
		s.detail(w, http.StatusUnprocessableEntity, "request_id is required")
		return
	}

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.detail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		s.detail(w, http.StatusNotFound, "Task not found")
		return
	}

	if err := s.runner.Respond(taskID, req.RequestID, req.Response); err != nil {
		if errors.Is(err, ErrNoPendingRequest) {
			s.detail(w, http.StatusNotFound, "No pending request with this ID")
			return
		}
		s.detail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.detail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		s.detail(w, http.StatusNotFound, "Task not found")
		return
	}
	if task.Status.Terminal() {
		s.writeJSON(w, map[string]string{"status": string(task.Status)})
		return
	}

	if err := s.runner.Cancel(taskID); err != nil {
		// The walker finished between the lookup and the cancel.
		if fresh, err := s.store.GetTask(taskID); err == nil && fresh != nil {
			s.writeJSON(w, map[string]string{"status": string(fresh.Status)})
			return
		}
		s.detail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "cancelled"})
}
