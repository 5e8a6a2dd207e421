package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/agentd/internal/store"
)

// handleSessions serves POST (create) and GET (list) on /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectPath string         `json:"project_path"`
		Model       string         `json:"model"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	snap := s.cfg.Manager.Snapshot()
	if body.ProjectPath == "" {
		body.ProjectPath = snap.DefaultProjectPath
	}
	if body.Model == "" {
		body.Model = snap.DefaultModel
	}

	sess, err := s.cfg.Sessions.Create(store.CreateSessionInput{
		ProjectPath: body.ProjectPath,
		Model:       body.Model,
		Metadata:    body.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifySessionCreated(r.Context(), sess.ID, sess.ProjectPath)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"session": sess,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		Status:      r.URL.Query().Get("status"),
		ProjectPath: r.URL.Query().Get("project_path"),
		Limit:       queryInt(r, "limit", 0),
	}
	sessions, err := s.cfg.Sessions.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleSessionSearch serves GET /api/sessions/search?q=&limit=.
func (s *Server) handleSessionSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	sessions, err := s.cfg.Sessions.Search(q, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleSessionByID routes /api/sessions/{id}[/continue|/status].
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getSession(w, id)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteSession(w, r, id)
	case action == "continue" && r.Method == http.MethodPost:
		s.continueSession(w, r, id)
	case action == "status" && r.Method == http.MethodPatch:
		s.updateSessionStatus(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) getSession(w http.ResponseWriter, id string) {
	sess, err := s.cfg.Sessions.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": sess,
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.cfg.Sessions.Delete(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifySessionDeleted(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": id,
	})
}

// continueSession appends a turn to an existing active session.
func (s *Server) continueSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.cfg.Sessions.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if sess.Status != store.SessionActive {
		writeError(w, http.StatusInternalServerError,
			"session "+id+" is "+sess.Status+", not active")
		return
	}

	var req claudeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req.SessionID = id
	if req.ProjectPath == "" {
		req.ProjectPath = sess.ProjectPath
	}
	if req.Model == "" {
		req.Model = sess.Model
	}
	if err := s.normalizeRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.cfg.Runner.Execute(r.Context(), executionOptions(req))
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (s *Server) updateSessionStatus(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if !store.ValidSessionStatus(body.Status) {
		writeError(w, http.StatusBadRequest, "status must be one of active, archived, closed")
		return
	}
	sess, err := s.cfg.Sessions.Update(id, store.SessionPatch{Status: &body.Status})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": sess,
	})
}

// statusFor maps store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotCancellable), errors.Is(err, store.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
