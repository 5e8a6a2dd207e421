package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// PathDetector proposes configuration updates that locate external binaries.
// The server runs the detector at startup and after each reload, merging any
// proposals into the persisted file.
type PathDetector interface {
	// Detect returns field updates keyed by config field name
	// ("agentPath", "toolchainBin"). An empty map means nothing to change.
	Detect(cfg Config) map[string]string
}

// agentBinary is the executable name of the agent CLI.
const agentBinary = "claude"

// DefaultDetector locates the agent CLI on PATH, falling back to the node
// version directory under NVM_DIR whose name sorts last. Version names are
// compared as plain strings, not numerically (v9.0.0 sorts after v18.0.0).
type DefaultDetector struct{}

// Detect implements PathDetector.
func (DefaultDetector) Detect(cfg Config) map[string]string {
	updates := make(map[string]string)

	if !isExecutable(cfg.AgentPath) {
		if found := findAgent(); found != "" {
			updates["agentPath"] = found
			if cfg.ToolchainBin == "" {
				updates["toolchainBin"] = filepath.Dir(found)
			}
		}
	}
	return updates
}

func findAgent() string {
	if p, err := exec.LookPath(agentBinary); err == nil {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return p
	}

	nvmDir := os.Getenv("NVM_DIR")
	if nvmDir == "" {
		return ""
	}
	versions, err := filepath.Glob(filepath.Join(nvmDir, "versions", "node", "*", "bin", agentBinary))
	if err != nil || len(versions) == 0 {
		return ""
	}
	// Take the version directory that sorts last as a string.
	sort.Strings(versions)
	candidate := versions[len(versions)-1]
	if isExecutable(candidate) {
		return candidate
	}
	return ""
}

func isExecutable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// ApplyDetection merges detector proposals into cfg and reports whether
// anything changed.
func ApplyDetection(cfg *Config, det PathDetector) bool {
	if det == nil {
		return false
	}
	updates := det.Detect(*cfg)
	changed := false
	if v, ok := updates["agentPath"]; ok && v != cfg.AgentPath {
		cfg.AgentPath = v
		changed = true
	}
	if v, ok := updates["toolchainBin"]; ok && v != cfg.ToolchainBin {
		cfg.ToolchainBin = v
		changed = true
	}
	return changed
}
