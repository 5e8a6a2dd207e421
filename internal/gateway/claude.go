package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/basket/agentd/internal/executor"
	"github.com/basket/agentd/internal/store"
)

// maxBatchSize caps the number of prompts in one batch request.
const maxBatchSize = 10

// claudeRequest is the body of /api/claude and each batch entry.
type claudeRequest struct {
	Prompt          string   `json:"prompt"`
	ProjectPath     string   `json:"project_path"`
	Model           string   `json:"model"`
	SessionID       string   `json:"session_id"`
	SystemPrompt    string   `json:"system_prompt"`
	MaxBudgetUSD    *float64 `json:"max_budget_usd"`
	AllowedTools    []string `json:"allowed_tools"`
	DisallowedTools []string `json:"disallowed_tools"`
	Agent           string   `json:"agent"`
	MCPConfig       string   `json:"mcp_config"`
	WebhookURL      string   `json:"webhook_url"`
	Priority        int      `json:"priority"`
	Async           bool     `json:"async"`
}

// normalizeRequest fills defaults from the live configuration and validates
// the prompt.
func (s *Server) normalizeRequest(req *claudeRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	snap := s.cfg.Manager.Snapshot()
	if req.ProjectPath == "" {
		req.ProjectPath = snap.DefaultProjectPath
	}
	if req.Model == "" {
		req.Model = snap.DefaultModel
	}
	if req.MaxBudgetUSD == nil && snap.MaxBudgetUSD > 0 {
		budget := snap.MaxBudgetUSD
		req.MaxBudgetUSD = &budget
	}
	return nil
}

// ensureSession guarantees the executor's invariant: when a session id is
// set, the session exists. Requests without a session id get one auto-created
// so cost and message counters have somewhere to land.
func (s *Server) ensureSession(ctx context.Context, req *claudeRequest) error {
	if req.SessionID != "" {
		if _, err := s.cfg.Sessions.Get(req.SessionID); err == nil {
			return nil
		}
	}
	sess, err := s.cfg.Sessions.Create(store.CreateSessionInput{
		ID:          req.SessionID,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	req.SessionID = sess.ID
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifySessionCreated(ctx, sess.ID, sess.ProjectPath)
	}
	return nil
}

func executionOptions(req claudeRequest) executor.Options {
	return executor.Options{
		Prompt:          req.Prompt,
		ProjectPath:     req.ProjectPath,
		Model:           req.Model,
		SessionID:       req.SessionID,
		SystemPrompt:    req.SystemPrompt,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		Agent:           req.Agent,
		MCPConfig:       req.MCPConfig,
	}
}

func taskInput(req claudeRequest) store.CreateTaskInput {
	return store.CreateTaskInput{
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
		Priority:    req.Priority,
		Metadata: store.TaskMetadata{
			WebhookURL:      req.WebhookURL,
			SessionID:       req.SessionID,
			SystemPrompt:    req.SystemPrompt,
			MaxBudgetUSD:    req.MaxBudgetUSD,
			AllowedTools:    req.AllowedTools,
			DisallowedTools: req.DisallowedTools,
			Agent:           req.Agent,
			MCPConfig:       req.MCPConfig,
		},
	}
}

// handleClaude serves POST /api/claude: synchronous execution inline, or
// async:true to enqueue a task.
func (s *Server) handleClaude(w http.ResponseWriter, r *http.Request) {
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

	if req.Async {
		task, err := s.cfg.Queue.Add(taskInput(req))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"task_id": task.ID,
			"task":    task,
		})
		return
	}

	res := s.cfg.Runner.Execute(r.Context(), executionOptions(req))
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

// handleClaudeBatch serves POST /api/claude/batch: up to 10 prompts executed
// concurrently.
func (s *Server) handleClaudeBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		Prompts []claudeRequest `json:"prompts"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(body.Prompts) == 0 {
		writeError(w, http.StatusBadRequest, "prompts is required")
		return
	}
	if len(body.Prompts) > maxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d prompts per batch, got %d", maxBatchSize, len(body.Prompts)))
		return
	}
	for i := range body.Prompts {
		if err := s.normalizeRequest(&body.Prompts[i]); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("prompt %d: %v", i, err))
			return
		}
	}

	results := make([]*executor.Result, len(body.Prompts))
	g, ctx := errgroup.WithContext(r.Context())
	for i := range body.Prompts {
		g.Go(func() error {
			req := body.Prompts[i]
			if err := s.ensureSession(ctx, &req); err != nil {
				results[i] = &executor.Result{Success: false, Error: err.Error()}
				return nil
			}
			results[i] = s.cfg.Runner.Execute(ctx, executionOptions(req))
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": results,
	})
}
