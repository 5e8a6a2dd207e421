package gateway

import (
	"net/http"
	"strings"

	"github.com/basket/agentd/internal/store"
)

// handleTaskCreate serves POST /api/tasks/async.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req claudeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.normalizeRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ensureSession(r.Context(), &req); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	task, err := s.cfg.Queue.Add(taskInput(req))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"task":    task,
	})
}

// handleTasks serves GET /api/tasks with status and limit filters.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tasks, err := s.cfg.Tasks.List(store.TaskFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tasks":   tasks,
		"total":   len(tasks),
	})
}

// handleQueueStatus serves GET /api/tasks/queue/status.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.cfg.Queue.GetStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"queue":   status,
	})
}

// handleTaskByID routes /api/tasks/{id}[/priority].
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, id)
	case action == "" && r.Method == http.MethodDelete:
		s.cancelTask(w, id)
	case action == "priority" && r.Method == http.MethodPatch:
		s.updateTaskPriority(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) getTask(w http.ResponseWriter, id string) {
	task, err := s.cfg.Tasks.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task":    task,
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, id string) {
	task, err := s.cfg.Queue.Cancel(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task":    task,
	})
}

func (s *Server) updateTaskPriority(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Priority int `json:"priority"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.Priority < store.MinPriority || body.Priority > store.MaxPriority {
		writeError(w, http.StatusBadRequest, "priority must be in [1..10]")
		return
	}
	task, err := s.cfg.Tasks.UpdatePriority(id, body.Priority)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task":    task,
	})
}
