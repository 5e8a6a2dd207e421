// Package executor spawns the agent CLI as a child process, enforces session
// budgets before and after each run, and attributes cost and usage.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentd/internal/config"
	"github.com/basket/agentd/internal/shared"
	"github.com/basket/agentd/internal/store"
)

const (
	// executeTimeout is the hard ceiling on a single agent CLI run.
	executeTimeout = 5 * time.Minute
	// terminateGrace is how long the child gets after SIGTERM before SIGKILL.
	terminateGrace = 5 * time.Second
)

// Usage mirrors the token counts reported by the agent CLI.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Result is the outcome of one execution. Failures are values, not errors:
// every path yields a Result with Success=false and a diagnostic.
type Result struct {
	Success        bool    `json:"success"`
	Result         string  `json:"result,omitempty"`
	Error          string  `json:"error,omitempty"`
	BudgetExceeded bool    `json:"budget_exceeded,omitempty"`
	DurationMS     int64   `json:"duration_ms"`
	CostUSD        float64 `json:"cost_usd,omitempty"`
	SessionID      string  `json:"session_id,omitempty"`
	Usage          *Usage  `json:"usage,omitempty"`
}

// Options carries the per-request execution parameters.
type Options struct {
	Prompt          string
	ProjectPath     string
	Model           string
	SessionID       string
	SystemPrompt    string
	MaxBudgetUSD    *float64
	AllowedTools    []string
	DisallowedTools []string
	Agent           string
	MCPConfig       string
}

// Runner is the execution interface the queue and HTTP layer depend on.
type Runner interface {
	Execute(ctx context.Context, opts Options) *Result
}

// cliOutput is the single JSON document the agent CLI writes to stdout.
type cliOutput struct {
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
	Usage        *Usage  `json:"usage"`
}

// Executor runs the agent CLI and attributes usage to sessions and
// statistics.
type Executor struct {
	cfg      *config.Manager
	sessions *store.SessionStore
	stats    *store.StatsStore
	logger   *slog.Logger
}

// New creates an Executor.
func New(cfg *config.Manager, sessions *store.SessionStore, stats *store.StatsStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, sessions: sessions, stats: stats, logger: logger}
}

// Execute runs one agent CLI invocation.
//
// The pre-budget check runs before any spawn and, when it trips, records
// nothing. Every spawned attempt is recorded in statistics, success or not.
// A post-budget overrun is recorded as a successful request (the execution
// happened) but the cost is not attributed to the session.
func (e *Executor) Execute(ctx context.Context, opts Options) *Result {
	started := time.Now()
	snap := e.cfg.Snapshot()

	if res := e.preBudgetCheck(opts); res != nil {
		return res
	}

	out, res := e.spawn(ctx, snap, opts, started)
	if res != nil {
		e.recordAttempt(false, opts.Model, 0, nil)
		return res
	}

	// Post-budget check: re-read the session and refuse to attribute a cost
	// that would overrun the budget. The attempt itself still counts as a
	// successful request.
	if opts.SessionID != "" && opts.MaxBudgetUSD != nil {
		sess, err := e.sessions.Get(opts.SessionID)
		if err == nil && sess.TotalCostUSD+out.TotalCostUSD > *opts.MaxBudgetUSD {
			e.recordAttempt(true, opts.Model, out.TotalCostUSD, out.Usage)
			e.logger.Warn("post-execution budget exceeded",
				"session_id", opts.SessionID,
				"session_cost_usd", sess.TotalCostUSD,
				"run_cost_usd", out.TotalCostUSD,
				"max_budget_usd", *opts.MaxBudgetUSD)
			return &Result{
				Success:        false,
				BudgetExceeded: true,
				Error: fmt.Sprintf("session %s would exceed budget: %.4f + %.4f > %.4f USD",
					opts.SessionID, sess.TotalCostUSD, out.TotalCostUSD, *opts.MaxBudgetUSD),
				DurationMS: time.Since(started).Milliseconds(),
				SessionID:  opts.SessionID,
			}
		}
	}

	e.recordAttempt(true, opts.Model, out.TotalCostUSD, out.Usage)
	if opts.SessionID != "" {
		if err := e.sessions.AddCost(opts.SessionID, out.TotalCostUSD); err != nil {
			e.logger.Error("attribute cost", "session_id", opts.SessionID, "error", err)
		}
		if err := e.sessions.IncrementMessages(opts.SessionID); err != nil {
			e.logger.Error("increment messages", "session_id", opts.SessionID, "error", err)
		}
	}

	sessionID := out.SessionID
	if sessionID == "" {
		sessionID = opts.SessionID
	}
	return &Result{
		Success:    true,
		Result:     out.Result,
		DurationMS: time.Since(started).Milliseconds(),
		CostUSD:    out.TotalCostUSD,
		SessionID:  sessionID,
		Usage:      out.Usage,
	}
}

// preBudgetCheck returns a budget_exceeded result when the session is already
// at or past its budget. No child is spawned and no statistics advance.
func (e *Executor) preBudgetCheck(opts Options) *Result {
	if opts.SessionID == "" || opts.MaxBudgetUSD == nil {
		return nil
	}
	sess, err := e.sessions.Get(opts.SessionID)
	if err != nil {
		return nil
	}
	if sess.TotalCostUSD >= *opts.MaxBudgetUSD {
		return &Result{
			Success:        false,
			BudgetExceeded: true,
			Error: fmt.Sprintf("session %s has spent %.4f USD of its %.4f USD budget",
				opts.SessionID, sess.TotalCostUSD, *opts.MaxBudgetUSD),
			SessionID: opts.SessionID,
		}
	}
	return nil
}

func (e *Executor) spawn(ctx context.Context, snap config.Config, opts Options, started time.Time) (*cliOutput, *Result) {
	fail := func(format string, args ...any) *Result {
		return &Result{
			Success:    false,
			Error:      fmt.Sprintf(format, args...),
			DurationMS: time.Since(started).Milliseconds(),
			SessionID:  opts.SessionID,
		}
	}

	if snap.AgentPath == "" {
		return nil, fail("agent CLI path is not configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, snap.AgentPath, buildArgs(opts)...)
	cmd.Dir = opts.ProjectPath
	cmd.Env = buildEnv(snap)
	// Polite termination first, SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("spawning agent CLI",
		"agent_path", snap.AgentPath,
		"project_path", opts.ProjectPath,
		"model", opts.Model,
		"session_id", opts.SessionID,
		"task_id", shared.TaskID(ctx),
		"trace_id", shared.TraceID(ctx))

	if err := cmd.Start(); err != nil {
		return nil, fail("spawn agent CLI: %v", err)
	}
	err := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fail("agent CLI timed out after %s", executeTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fail("agent CLI exited with code %d: %s",
				exitErr.ExitCode(), firstNonEmpty(strings.TrimSpace(stderr.String()), "no stderr output"))
		}
		return nil, fail("wait for agent CLI: %v", err)
	}

	raw := strings.TrimSpace(stdout.String())
	if raw == "" {
		// stderr is considered only when stdout is empty.
		return nil, fail("agent CLI produced no output: %s",
			firstNonEmpty(strings.TrimSpace(stderr.String()), "no stderr output"))
	}

	var out cliOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fail("parse agent CLI output: %v", err)
	}
	if out.IsError {
		return nil, fail("agent CLI reported an error: %s", firstNonEmpty(out.Result, "no details"))
	}
	return &out, nil
}

// buildArgs constructs the agent CLI argv. The prompt is passed as a single
// argv slot, never shell-interpolated.
func buildArgs(opts Options) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.MaxBudgetUSD != nil {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%g", *opts.MaxBudgetUSD))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.Agent != "" {
		args = append(args, "--agent", opts.Agent)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	args = append(args, "--allow-dangerously-skip-permissions")
	return args
}

// buildEnv starts from the process environment, prepends toolchainBin to
// PATH, and sets IS_SANDBOX=1 when root compatibility is enabled and the
// process runs as root.
func buildEnv(snap config.Config) []string {
	env := os.Environ()
	if snap.ToolchainBin != "" {
		for i, kv := range env {
			if strings.HasPrefix(kv, "PATH=") {
				env[i] = "PATH=" + snap.ToolchainBin + string(os.PathListSeparator) + strings.TrimPrefix(kv, "PATH=")
				break
			}
		}
	}
	if snap.EnableRootCompatibility && os.Geteuid() == 0 {
		env = append(env, "IS_SANDBOX=1")
	}
	return env
}

func (e *Executor) recordAttempt(success bool, model string, costUSD float64, usage *Usage) {
	rec := store.RequestRecord{
		Success: success,
		Model:   model,
		CostUSD: costUSD,
	}
	if usage != nil {
		rec.InputTokens = usage.InputTokens
		rec.OutputTokens = usage.OutputTokens
	}
	if err := e.stats.RecordRequest(rec); err != nil {
		e.logger.Error("record request statistics", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
