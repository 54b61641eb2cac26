// Package watcher monitors swarm coordination health. Each pass gathers
// the blackboard state and coordination files, classifies overall
// status, and appends a line to watcher-log.md. Watch drives passes
// from filesystem events until a stop file appears.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"hivemind/internal/blackboard"
	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
	"hivemind/internal/paths"
	"hivemind/internal/types"
)

// Status classifies one monitoring pass.
type Status string

const (
	StatusNominal  Status = "nominal"
	StatusStale    Status = "stale"
	StatusError    Status = "error"
	StatusComplete Status = "complete"
	StatusStopped  Status = "stopped"
)

const (
	stopFileName = "watcher-stop"
	logFileName  = "watcher-log.md"
	// An active agent with no heartbeat for this long counts as stale.
	staleAfter = 120 * time.Second
)

// AgentHealth is one agent's heartbeat view.
type AgentHealth struct {
	AgentID    string
	Status     types.AgentStatus
	AgeSeconds int
	Stale      bool
}

// FileInfo describes a coordination artifact on disk.
type FileInfo struct {
	Name       string
	AgeSeconds int
	SizeBytes  int64
}

// State is the gathered input for one pass.
type State struct {
	Timestamp     string
	StopRequested bool
	Agents        []AgentHealth
	AgentFiles    []FileInfo
}

// Monitor performs single monitoring passes over a project's
// coordination state.
type Monitor struct {
	layout paths.Layout
	board  *blackboard.Board
	log    *logging.Logger
	now    func() time.Time
}

// New builds a monitor over the layout's coordination directory.
func New(layout paths.Layout, board *blackboard.Board) *Monitor {
	return &Monitor{
		layout: layout,
		board:  board,
		log:    logging.Get(logging.CategoryWatcher),
		now:    time.Now,
	}
}

func (m *Monitor) stopPath() string { return filepath.Join(m.layout.Coordination, stopFileName) }

// LogPath returns the watcher-log.md location.
func (m *Monitor) LogPath() string { return filepath.Join(m.layout.Coordination, logFileName) }

// StopRequested reports whether the stop file exists.
func (m *Monitor) StopRequested() bool {
	_, err := os.Stat(m.stopPath())
	return err == nil
}

// Stop writes the stop file so no further passes run.
func (m *Monitor) Stop() error {
	if err := os.MkdirAll(m.layout.Coordination, 0o755); err != nil {
		return hiveerr.Configf("cannot create coordination dir: %v", err)
	}
	body := fmt.Sprintf("Stop requested at %s\n", m.now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(m.stopPath(), []byte(body), 0o644); err != nil {
		return hiveerr.Configf("cannot write stop file: %v", err)
	}
	return nil
}

// ClearStop removes the stop file so monitoring can resume.
func (m *Monitor) ClearStop() error {
	err := os.Remove(m.stopPath())
	if err != nil && !os.IsNotExist(err) {
		return hiveerr.Configf("cannot clear stop file: %v", err)
	}
	return nil
}

// GatherState collects agent heartbeats and coordination files.
func (m *Monitor) GatherState() (*State, error) {
	now := m.now()
	state := &State{
		Timestamp:     now.UTC().Format(time.RFC3339),
		StopRequested: m.StopRequested(),
	}

	if m.board != nil {
		agents, err := m.board.AllAgents()
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			health := AgentHealth{AgentID: a.AgentID, Status: a.Status}
			if t, err := time.Parse(time.RFC3339, a.LastSeen); err == nil {
				age := now.Sub(t)
				health.AgeSeconds = int(age.Seconds())
				health.Stale = a.Status == types.AgentActive && age > staleAfter
			}
			state.Agents = append(state.Agents, health)
		}
		sort.Slice(state.Agents, func(i, j int) bool {
			return state.Agents[i].AgentID < state.Agents[j].AgentID
		})
	}

	entries, err := os.ReadDir(m.layout.Coordination)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), "agent_") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			state.AgentFiles = append(state.AgentFiles, FileInfo{
				Name:       e.Name(),
				AgeSeconds: int(now.Sub(info.ModTime()).Seconds()),
				SizeBytes:  info.Size(),
			})
		}
	}
	return state, nil
}

// Assess classifies a gathered state. Stop beats everything; a swarm
// whose agents are all terminal is complete; blocked agents are an
// error; a silent active agent is stale.
func (m *Monitor) Assess(state *State) Status {
	if state.StopRequested {
		return StatusStopped
	}
	if len(state.Agents) > 0 {
		terminal := 0
		for _, a := range state.Agents {
			if a.Status == types.AgentCompleted || a.Status == types.AgentFailed {
				terminal++
			}
		}
		if terminal == len(state.Agents) {
			return StatusComplete
		}
		for _, a := range state.Agents {
			if a.Status == types.AgentBlocked {
				return StatusError
			}
		}
		for _, a := range state.Agents {
			if a.Stale {
				return StatusStale
			}
		}
	}
	return StatusNominal
}

// AppendLog adds one line to watcher-log.md.
func (m *Monitor) AppendLog(status Status, notes string) error {
	if err := os.MkdirAll(m.layout.Coordination, 0o755); err != nil {
		return hiveerr.Configf("cannot create coordination dir: %v", err)
	}
	f, err := os.OpenFile(m.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return hiveerr.Configf("cannot open watcher log: %v", err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s | STATUS: %s | NOTES: %s\n",
		m.now().UTC().Format(time.RFC3339), status, notes)
	_, err = f.WriteString(line)
	return err
}

// Pass runs one gather/assess/log cycle.
func (m *Monitor) Pass() (*State, Status, error) {
	state, err := m.GatherState()
	if err != nil {
		return nil, "", err
	}
	status := m.Assess(state)

	var stale []string
	for _, a := range state.Agents {
		if a.Stale {
			stale = append(stale, a.AgentID)
		}
	}
	notes := fmt.Sprintf("%d agents, %d files", len(state.Agents), len(state.AgentFiles))
	if len(stale) > 0 {
		notes += ", stale: " + strings.Join(stale, " ")
	}
	if err := m.AppendLog(status, notes); err != nil {
		m.log.Warn("log append failed: %v", err)
	}
	return state, status, nil
}

// Watch runs passes on coordination filesystem activity until the
// context is cancelled or the stop file appears. Events on the
// watcher's own log and on dot-files are ignored to avoid feedback.
func (m *Monitor) Watch(ctx context.Context, onPass func(*State, Status)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return hiveerr.Configf("cannot create watcher: %v", err)
	}
	defer w.Close()

	for _, dir := range []string{m.layout.Coordination, m.layout.SessionLogs, m.layout.Proposals} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			m.log.Warn("cannot watch %s: %v", dir, err)
		}
	}

	m.log.Info("watching coordination state under %s", m.layout.Base)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(ev.Name)
			if base == logFileName || strings.HasPrefix(base, ".") {
				continue
			}
			state, status, err := m.Pass()
			if err != nil {
				m.log.Warn("pass failed: %v", err)
				continue
			}
			if onPass != nil {
				onPass(state, status)
			}
			if status == StatusStopped {
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("watch error: %v", err)
		}
	}
}

// StatusReport renders a human-readable status block for the CLI.
func (m *Monitor) StatusReport() string {
	var b strings.Builder
	b.WriteString("WATCHER STATUS\n")

	if m.StopRequested() {
		b.WriteString("Stop requested: YES\n")
	} else {
		b.WriteString("Stop requested: NO (monitoring active)\n")
	}

	if data, err := os.ReadFile(m.LogPath()); err == nil {
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		fmt.Fprintf(&b, "Log entries: %d\n", len(lines))
		start := len(lines) - 3
		if start < 0 {
			start = 0
		}
		for _, line := range lines[start:] {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	} else {
		b.WriteString("Log: no entries yet\n")
	}

	state, err := m.GatherState()
	if err != nil {
		fmt.Fprintf(&b, "State unavailable: %v\n", err)
		return b.String()
	}
	fmt.Fprintf(&b, "Agents: %d\n", len(state.Agents))
	for _, a := range state.Agents {
		if a.Stale {
			fmt.Fprintf(&b, "  [!] %s: STALE (%ds since last update)\n", a.AgentID, a.AgeSeconds)
		}
	}
	fmt.Fprintf(&b, "Overall: %s\n", m.Assess(state))
	return b.String()
}
