// Package paths resolves the hivemind base directory and the well-known
// locations derived from it. Resolution order: ELF_BASE_PATH
// environment override, then repo-root discovery walking up from a
// start directory looking for .git, .coordination or go.mod markers.
package paths

import (
	"os"
	"path/filepath"

	"hivemind/internal/hiveerr"
)

// Environment variables observed by the core.
const (
	EnvBasePath       = "ELF_BASE_PATH"
	EnvSessionID      = "CLAUDE_SESSION_ID"
	EnvAgentID        = "CLAUDE_AGENT_ID"
)

var repoMarkers = []string{".git", ".coordination", "go.mod", "pyproject.toml"}

// Base resolves the base path. start may be empty, in which case the
// current working directory is used.
func Base(start string) (string, error) {
	if env := os.Getenv(EnvBasePath); env != "" {
		abs, err := filepath.Abs(env)
		if err != nil {
			return "", hiveerr.Configf("invalid %s: %v", EnvBasePath, err)
		}
		return abs, nil
	}

	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", hiveerr.Configf("cannot determine working directory: %v", err)
		}
		start = cwd
	}
	if fi, err := os.Stat(start); err == nil && !fi.IsDir() {
		start = filepath.Dir(start)
	}
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", hiveerr.Configf("cannot resolve start path %q: %v", start, err)
	}

	dir := abs
	for {
		for _, marker := range repoMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", hiveerr.Configf(
		"%s was not provided and repo root could not be found; run from the repo root or set %s",
		EnvBasePath, EnvBasePath)
}

// Layout holds the well-known directories under a base path.
type Layout struct {
	Base         string
	Memory       string
	Logs         string
	Coordination string
	Custom       string
	CEOInbox     string
	SessionLogs  string
	Proposals    string
}

// NewLayout derives the directory layout from a base path. It does not
// create anything on disk.
func NewLayout(base string) Layout {
	return Layout{
		Base:         base,
		Memory:       filepath.Join(base, "memory"),
		Logs:         filepath.Join(base, "logs"),
		Coordination: filepath.Join(base, ".coordination"),
		Custom:       filepath.Join(base, "custom"),
		CEOInbox:     filepath.Join(base, "ceo-inbox"),
		SessionLogs:  filepath.Join(base, "sessions", "logs"),
		Proposals:    filepath.Join(base, "proposals", "pending"),
	}
}

// EnsureDirs creates the memory, logs, coordination and ceo-inbox
// directories if missing.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.Memory, l.Logs, l.Coordination, l.CEOInbox} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return hiveerr.Configf("cannot create %s: %v", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the knowledge store location.
func (l Layout) DatabasePath() string {
	return filepath.Join(l.Memory, "index.db")
}

// GoldenRulesPath returns the Tier-1 golden rules source.
func (l Layout) GoldenRulesPath() string {
	return filepath.Join(l.Memory, "golden-rules.md")
}

// CustomGoldenRulesPath returns the optional user-authored rules file.
func (l Layout) CustomGoldenRulesPath() string {
	return filepath.Join(l.Custom, "golden-rules.md")
}

// SessionID returns the ambient session identifier, if any.
func SessionID() string { return os.Getenv(EnvSessionID) }

// AgentID returns the ambient agent identifier, if any.
func AgentID() string { return os.Getenv(EnvAgentID) }
