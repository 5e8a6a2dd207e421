package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentd/internal/config"
	"github.com/basket/agentd/internal/store"
)

// writeAgentScript installs a shell script standing in for the agent CLI.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	return path
}

type fixture struct {
	exec     *Executor
	sessions *store.SessionStore
	stats    *store.StatsStore
	manager  *config.Manager
}

func newFixture(t *testing.T, agentPath string) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	sessions, err := store.NewSessionStore(dataDir)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	statistics, err := store.NewStatsStore(dataDir)
	if err != nil {
		t.Fatalf("NewStatsStore: %v", err)
	}
	manager := config.NewManager("", config.Config{AgentPath: agentPath})
	return &fixture{
		exec:     New(manager, sessions, statistics, nil),
		sessions: sessions,
		stats:    statistics,
		manager:  manager,
	}
}

func (f *fixture) requestTotals(t *testing.T) (total, successful, failed int64) {
	t.Helper()
	summary, err := f.stats.GetSummary()
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	return summary.Requests.Total, summary.Requests.Successful, summary.Requests.Failed
}

func TestExecuteSuccess(t *testing.T) {
	script := writeAgentScript(t,
		`echo '{"result":"hello","total_cost_usd":0.01,"session_id":"cli-session","usage":{"input_tokens":5,"output_tokens":3}}'`)
	f := newFixture(t, script)

	sess, err := f.sessions.Create(store.CreateSessionInput{ProjectPath: "/tmp"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	res := f.exec.Execute(context.Background(), Options{
		Prompt:      "hi",
		ProjectPath: t.TempDir(),
		Model:       "sonnet",
		SessionID:   sess.ID,
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Error)
	}
	if res.Result != "hello" {
		t.Fatalf("result = %q, want hello", res.Result)
	}
	if res.CostUSD != 0.01 {
		t.Fatalf("cost_usd = %v, want 0.01", res.CostUSD)
	}
	if res.Usage == nil || res.Usage.InputTokens != 5 || res.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", res.Usage)
	}

	got, _ := f.sessions.Get(sess.ID)
	if got.TotalCostUSD != 0.01 {
		t.Fatalf("session cost = %v, want 0.01", got.TotalCostUSD)
	}
	if got.MessagesCount != 1 {
		t.Fatalf("messages_count = %d, want 1", got.MessagesCount)
	}

	total, successful, _ := f.requestTotals(t)
	if total != 1 || successful != 1 {
		t.Fatalf("stats = %d/%d, want 1/1", total, successful)
	}
	summary, _ := f.stats.GetSummary()
	if summary.Tokens.TotalInput != 5 {
		t.Fatalf("total_input = %d, want 5", summary.Tokens.TotalInput)
	}
}

func TestExecutePreBudgetCheckBlocksSpawn(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	script := writeAgentScript(t, "touch "+marker+`; echo '{"result":"ran"}'`)
	f := newFixture(t, script)

	sess, _ := f.sessions.Create(store.CreateSessionInput{ProjectPath: "/tmp"})
	if err := f.sessions.AddCost(sess.ID, 0.95); err != nil {
		t.Fatalf("AddCost: %v", err)
	}

	// Push the session clearly past its budget.
	if err := f.sessions.AddCost(sess.ID, 0.10); err != nil {
		t.Fatalf("AddCost: %v", err)
	}
	budget := 1.00

	res := f.exec.Execute(context.Background(), Options{
		Prompt:       "hi",
		ProjectPath:  t.TempDir(),
		SessionID:    sess.ID,
		MaxBudgetUSD: &budget,
	})
	if res.Success || !res.BudgetExceeded {
		t.Fatalf("res = %+v, want budget_exceeded", res)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("agent CLI was spawned despite budget stop")
	}

	// Statistics counters do not advance on the pre-budget stop.
	total, _, _ := f.requestTotals(t)
	if total != 0 {
		t.Fatalf("stats total = %d, want 0", total)
	}
}

func TestExecutePostBudgetCheckBurnsCost(t *testing.T) {
	script := writeAgentScript(t,
		`echo '{"result":"expensive","total_cost_usd":0.20,"usage":{"input_tokens":1,"output_tokens":1}}'`)
	f := newFixture(t, script)

	sess, _ := f.sessions.Create(store.CreateSessionInput{ProjectPath: "/tmp"})
	if err := f.sessions.AddCost(sess.ID, 0.90); err != nil {
		t.Fatalf("AddCost: %v", err)
	}

	budget := 1.00
	res := f.exec.Execute(context.Background(), Options{
		Prompt:       "hi",
		ProjectPath:  t.TempDir(),
		SessionID:    sess.ID,
		MaxBudgetUSD: &budget,
	})
	if res.Success || !res.BudgetExceeded {
		t.Fatalf("res = %+v, want budget_exceeded", res)
	}

	// The cost is burned, not attributed.
	got, _ := f.sessions.Get(sess.ID)
	if got.TotalCostUSD != 0.90 {
		t.Fatalf("session cost = %v, want unchanged 0.90", got.TotalCostUSD)
	}

	// The attempt ran, so statistics record it as successful.
	total, successful, _ := f.requestTotals(t)
	if total != 1 || successful != 1 {
		t.Fatalf("stats = %d/%d, want 1/1", total, successful)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	script := writeAgentScript(t, `echo "something broke" >&2; exit 3`)
	f := newFixture(t, script)

	res := f.exec.Execute(context.Background(), Options{Prompt: "hi", ProjectPath: t.TempDir()})
	if res.Success {
		t.Fatal("non-zero exit reported as success")
	}
	if !strings.Contains(res.Error, "code 3") || !strings.Contains(res.Error, "something broke") {
		t.Fatalf("error = %q", res.Error)
	}

	total, _, failed := f.requestTotals(t)
	if total != 1 || failed != 1 {
		t.Fatalf("stats = %d total / %d failed, want 1/1", total, failed)
	}
}

func TestExecuteEmptyOutput(t *testing.T) {
	script := writeAgentScript(t, `echo "ran out of tokens" >&2; exit 0`)
	f := newFixture(t, script)

	res := f.exec.Execute(context.Background(), Options{Prompt: "hi", ProjectPath: t.TempDir()})
	if res.Success {
		t.Fatal("empty output reported as success")
	}
	if !strings.Contains(res.Error, "no output") || !strings.Contains(res.Error, "ran out of tokens") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestExecuteParseFailure(t *testing.T) {
	script := writeAgentScript(t, `echo "this is not json"`)
	f := newFixture(t, script)

	res := f.exec.Execute(context.Background(), Options{Prompt: "hi", ProjectPath: t.TempDir()})
	if res.Success {
		t.Fatal("unparseable output reported as success")
	}
	if !strings.Contains(res.Error, "parse") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "missing-binary"))

	res := f.exec.Execute(context.Background(), Options{Prompt: "hi", ProjectPath: t.TempDir()})
	if res.Success {
		t.Fatal("missing binary reported as success")
	}
	total, _, failed := f.requestTotals(t)
	if total != 1 || failed != 1 {
		t.Fatalf("stats = %d total / %d failed, want 1/1", total, failed)
	}
}

func TestBuildArgs(t *testing.T) {
	budget := 2.5
	opts := Options{
		Prompt:          "do the thing",
		Model:           "sonnet",
		SessionID:       "sess-1",
		SystemPrompt:    "be brief",
		MaxBudgetUSD:    &budget,
		AllowedTools:    []string{"Read", "Grep"},
		DisallowedTools: []string{"Bash"},
		Agent:           "reviewer",
		MCPConfig:       "/tmp/mcp.json",
	}
	args := buildArgs(opts)

	want := []string{
		"-p", "do the thing", "--output-format", "json",
		"--model", "sonnet",
		"--session-id", "sess-1",
		"--system-prompt", "be brief",
		"--max-budget-usd", "2.5",
		"--allowed-tools", "Read,Grep",
		"--disallowed-tools", "Bash",
		"--agent", "reviewer",
		"--mcp-config", "/tmp/mcp.json",
		"--allow-dangerously-skip-permissions",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v\nwant %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestBuildArgsMinimal(t *testing.T) {
	args := buildArgs(Options{Prompt: "hi"})
	want := []string{"-p", "hi", "--output-format", "json", "--allow-dangerously-skip-permissions"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}

func TestBuildEnvPathPrepend(t *testing.T) {
	env := buildEnv(config.Config{ToolchainBin: "/opt/toolchain/bin"})
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			if !strings.HasPrefix(kv, "PATH=/opt/toolchain/bin"+string(os.PathListSeparator)) {
				t.Fatalf("PATH not prepended: %q", kv)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("PATH missing from environment")
	}
}

func TestBuildEnvRootCompatibility(t *testing.T) {
	hasSandbox := func(env []string) bool {
		for _, kv := range env {
			if kv == "IS_SANDBOX=1" {
				return true
			}
		}
		return false
	}

	if hasSandbox(buildEnv(config.Config{})) {
		t.Fatal("IS_SANDBOX set without root compatibility")
	}

	env := buildEnv(config.Config{EnableRootCompatibility: true})
	if os.Geteuid() == 0 && !hasSandbox(env) {
		t.Fatal("IS_SANDBOX not set for root with compatibility enabled")
	}
	if os.Geteuid() != 0 && hasSandbox(env) {
		t.Fatal("IS_SANDBOX set for non-root process")
	}
}
