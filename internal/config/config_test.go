package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 3000 || cfg.Host != "127.0.0.1" {
		t.Fatalf("bind defaults = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.TaskQueue.Concurrency != 3 {
		t.Fatalf("concurrency = %d, want 3", cfg.TaskQueue.Concurrency)
	}
	if cfg.TaskQueue.DefaultTimeout != 300000 {
		t.Fatalf("defaultTimeout = %d, want 300000", cfg.TaskQueue.DefaultTimeout)
	}
	if cfg.SessionRetentionDays != 30 {
		t.Fatalf("sessionRetentionDays = %d, want 30", cfg.SessionRetentionDays)
	}
	if cfg.EnableRootCompatibility {
		t.Fatal("root compatibility on by default")
	}

	if _, err := os.Stat(Path(home)); err != nil {
		t.Fatalf("defaults not persisted: %v", err)
	}
}

func TestLoadRoundtrip(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.TaskQueue.Concurrency = 7
	cfg.Webhook.DefaultURL = "http://cb.internal/hook"
	if err := Save(Path(home), cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.TaskQueue.Concurrency != 7 {
		t.Fatalf("concurrency = %d, want 7", got.TaskQueue.Concurrency)
	}
	if got.Webhook.DefaultURL != "http://cb.internal/hook" {
		t.Fatalf("defaultUrl = %q", got.Webhook.DefaultURL)
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"port type", `{"port": "eighty"}`},
		{"port range", `{"port": 700000}`},
		{"unknown field", `{"portt": 8080}`},
		{"bad log level", `{"logLevel": "loud"}`},
		{"zero concurrency", `{"taskQueue": {"concurrency": 0}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			if err := os.WriteFile(Path(home), []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(home); err == nil {
				t.Fatalf("invalid config accepted: %s", tc.body)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("HOST", "0.0.0.0")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 || cfg.Host != "0.0.0.0" {
		t.Fatalf("bind = %s:%d, want 0.0.0.0:9000", cfg.Host, cfg.Port)
	}
}

func TestDiffConfigs(t *testing.T) {
	home := t.TempDir()
	old, _ := Load(home)

	next := old
	next.TaskQueue.Concurrency = 8
	next.LogLevel = "debug"

	diff := DiffConfigs(old, next)
	if !diff.Concurrency || !diff.LogLevel {
		t.Fatalf("diff = %+v", diff)
	}
	if diff.DefaultTimeout || diff.Webhook || diff.RateLimit || diff.Retention {
		t.Fatalf("spurious diff = %+v", diff)
	}

	if d := DiffConfigs(old, old); !d.Empty() {
		t.Fatalf("self-diff not empty: %+v", d)
	}
}

func TestManagerSnapshotAndReplace(t *testing.T) {
	m := NewManager("/tmp/config.json", Config{LogLevel: "info"})
	if m.Snapshot().LogLevel != "info" {
		t.Fatal("snapshot mismatch")
	}
	m.Replace(Config{LogLevel: "debug"})
	if m.Snapshot().LogLevel != "debug" {
		t.Fatal("replace not visible")
	}
}

func TestApplyDetection(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write stub binary: %v", err)
	}

	cfg := Config{}
	changed := ApplyDetection(&cfg, stubDetector{updates: map[string]string{
		"agentPath":    bin,
		"toolchainBin": filepath.Dir(bin),
	}})
	if !changed {
		t.Fatal("detection reported no change")
	}
	if cfg.AgentPath != bin || cfg.ToolchainBin != filepath.Dir(bin) {
		t.Fatalf("cfg = %+v", cfg)
	}

	// Re-applying the same proposals is a no-op.
	if ApplyDetection(&cfg, stubDetector{updates: map[string]string{"agentPath": bin}}) {
		t.Fatal("unchanged proposal reported as change")
	}
}

type stubDetector struct {
	updates map[string]string
}

func (d stubDetector) Detect(Config) map[string]string { return d.updates }

func TestDefaultDetectorFindsBinaryOnPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write stub binary: %v", err)
	}
	t.Setenv("PATH", dir)
	t.Setenv("NVM_DIR", "")

	updates := DefaultDetector{}.Detect(Config{})
	if updates["agentPath"] != bin {
		t.Fatalf("agentPath = %q, want %q", updates["agentPath"], bin)
	}
	if updates["toolchainBin"] != dir {
		t.Fatalf("toolchainBin = %q, want %q", updates["toolchainBin"], dir)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	home := t.TempDir()
	path := Path(home)
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	w := NewWatcher(path, nil)
	w.debounce = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A burst of writes within the debounce window coalesces to one reload.
	for i := 0; i < 5; i++ {
		body, _ := json.Marshal(map[string]any{"port": 3000 + i})
		if err := os.WriteFile(path, body, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-w.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event after burst")
	}

	select {
	case <-w.Events():
		t.Fatal("burst produced a second reload event")
	case <-time.After(300 * time.Millisecond):
	}
}
