package config

import (
	"os"
	"path/filepath"
	"strings"
)

// State-dir environment overrides, in precedence order. The CLAWDBOT name is
// the legacy spelling still honored for existing installs.
const (
	StateDirEnv       = "OPENCLAW_STATE_DIR"
	StateDirLegacyEnv = "CLAWDBOT_STATE_DIR"

	defaultStateDirName = ".clawdis"
)

// StateDir resolves the directory holding sessions.json, pairing.json,
// transcripts and the gateway lock.
func StateDir() string {
	if dir := strings.TrimSpace(os.Getenv(StateDirEnv)); dir != "" {
		return dir
	}
	if dir := strings.TrimSpace(os.Getenv(StateDirLegacyEnv)); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultStateDirName
	}
	return filepath.Join(home, defaultStateDirName)
}

// DefaultPath is the config file location under the state dir.
func DefaultPath() string {
	return filepath.Join(StateDir(), "clawdis.yaml")
}
