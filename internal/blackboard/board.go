// Package blackboard implements the shared coordination document:
// a single JSON snapshot guarded by a cross-process exclusive file
// lock, written atomically via temp-file + rename. Every public
// operation acquires the lock, loads the current state (default state
// when missing or corrupt), mutates, and saves.
//
// Mutations covered by the event-log dispatch set are mirrored into
// the sibling event stream best-effort, so replaying the log from
// seq=0 reproduces the snapshot.
package blackboard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hivemind/internal/eventlog"
	"hivemind/internal/hiveerr"
	"hivemind/internal/lockfile"
	"hivemind/internal/logging"
	"hivemind/internal/types"
)

const (
	lockTimeout   = 30 * time.Second
	lockRetryMin  = 100 * time.Millisecond
	lockRetryMax  = 200 * time.Millisecond
	snapshotName  = "blackboard.json"
	lockName      = ".blackboard.lock"
)

// Board is a handle on one project's coordination state.
type Board struct {
	dir      string
	path     string
	lockPath string
	events   *eventlog.Log // nil disables event mirroring
	log      *logging.Logger
}

// New opens (or initializes) the blackboard under coordinationDir and
// wires the sibling event log for mirroring.
func New(coordinationDir string) (*Board, error) {
	if err := os.MkdirAll(coordinationDir, 0o755); err != nil {
		return nil, hiveerr.Configf("cannot create coordination dir %s: %v", coordinationDir, err)
	}
	events, err := eventlog.New(coordinationDir)
	if err != nil {
		return nil, err
	}
	return &Board{
		dir:      coordinationDir,
		path:     filepath.Join(coordinationDir, snapshotName),
		lockPath: filepath.Join(coordinationDir, lockName),
		events:   events,
		log:      logging.Get(logging.CategoryBlackboard),
	}, nil
}

// EventLog exposes the mirrored stream (for replay-equivalence checks).
func (b *Board) EventLog() *eventlog.Log { return b.events }

// Path returns the snapshot location.
func (b *Board) Path() string { return b.path }

// withLock runs fn with the exclusive lock held, loading the state
// before and saving it after when fn reports dirty=true.
func (b *Board) withLock(fn func(s *types.Snapshot) (dirty bool, err error)) error {
	fl, err := lockfile.Acquire(b.lockPath, lockTimeout, lockRetryMin, lockRetryMax)
	if err != nil {
		return err
	}
	defer lockfile.Release(fl)

	state := b.load()
	b.expireStaleChains(state)
	dirty, err := fn(state)
	if err != nil {
		return err
	}
	if dirty {
		state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := b.save(state); err != nil {
			return err
		}
	}
	return nil
}

// load reads the snapshot, resetting to the default state when the
// file is missing, empty, or corrupt.
func (b *Board) load() *types.Snapshot {
	data, err := os.ReadFile(b.path)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return types.NewSnapshot()
	}
	var s types.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		b.log.Warn("corrupt blackboard at %s, resetting to default state: %v", b.path, err)
		return types.NewSnapshot()
	}
	if s.Agents == nil {
		s.Agents = make(map[string]*types.Agent)
	}
	if s.Context == nil {
		s.Context = make(map[string]*types.ContextValue)
	}
	return &s
}

// save writes the snapshot atomically: temp file in the same
// directory, fsync, then rename. Readers never observe a truncated
// file.
func (b *Board) save(s *types.Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return hiveerr.Database("marshal blackboard", err)
	}
	tmp, err := os.CreateTemp(b.dir, ".blackboard-*.tmp")
	if err != nil {
		return hiveerr.Database("create temp blackboard", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return hiveerr.Database("write temp blackboard", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return hiveerr.Database("fsync temp blackboard", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return hiveerr.Database("close temp blackboard", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return hiveerr.Database("rename blackboard", err)
	}
	return nil
}

// emit mirrors a mutation into the event log. Mirroring is best-effort
// and never fails the primary operation.
func (b *Board) emit(eventType string, data map[string]interface{}) {
	if b.events == nil {
		return
	}
	if _, err := b.events.Append(eventType, data); err != nil {
		b.log.Warn("event mirror failed for %s: %v", eventType, err)
	}
}

// Snapshot returns a copy of the current state without mutating it.
func (b *Board) Snapshot() (*types.Snapshot, error) {
	var out *types.Snapshot
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		out = s
		return false, nil
	})
	return out, err
}

// Reset replaces the state with the documented default.
func (b *Board) Reset() error {
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		*s = *types.NewSnapshot()
		return true, nil
	})
}

// Summary renders a short human-readable status block.
func (b *Board) Summary() (string, error) {
	s, err := b.Snapshot()
	if err != nil {
		return "", err
	}
	active := 0
	for _, a := range s.Agents {
		if a.Status == types.AgentActive {
			active++
		}
	}
	pending := 0
	for _, t := range s.TaskQueue {
		if t.Status == types.TaskPending {
			pending++
		}
	}
	open := 0
	for _, q := range s.Questions {
		if q.Status == "open" {
			open++
		}
	}
	activeChains := 0
	for _, c := range s.ClaimChains {
		if c.Status == types.ChainActive {
			activeChains++
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Blackboard @ %s\n", s.UpdatedAt)
	fmt.Fprintf(&sb, "  Agents: %d (%d active)\n", len(s.Agents), active)
	fmt.Fprintf(&sb, "  Findings: %d\n", len(s.Findings))
	fmt.Fprintf(&sb, "  Messages: %d\n", len(s.Messages))
	fmt.Fprintf(&sb, "  Tasks: %d (%d pending)\n", len(s.TaskQueue), pending)
	fmt.Fprintf(&sb, "  Questions: %d (%d open)\n", len(s.Questions), open)
	fmt.Fprintf(&sb, "  Claim chains: %d active\n", activeChains)
	return sb.String(), nil
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }
