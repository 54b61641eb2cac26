// Package replay re-runs workflows from specific points. It never
// executes nodes itself: it prepares replay runs over the conductor's
// tables (pending executions, rebuilt context) and leaves the firing
// to the conductor.
package replay

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hivemind/internal/conductor"
	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
	"hivemind/internal/store"
)

// Manager prepares replay and retry runs.
type Manager struct {
	store *store.Store
	cond  *conductor.Conductor
	log   *logging.Logger
	now   func() time.Time
}

// New builds a replay manager over the shared store.
func New(s *store.Store) *Manager {
	return &Manager{
		store: s,
		cond:  conductor.New(s, nil, nil),
		log:   logging.Get(logging.CategoryReplay),
		now:   time.Now,
	}
}

// PlanNode is one node in a replay plan.
type PlanNode struct {
	NodeID         string
	NodeName       string
	OriginalStatus string
	DurationMS     int64
}

// Plan previews a replay without executing anything.
type Plan struct {
	OriginalRunID  int64
	FromNode       string
	TotalNodes     int
	NodesToSkip    []PlanNode
	NodesToReplay  []PlanNode
	ContextAtStart map[string]interface{}
}

// GetReplayPlan walks the original run's executions in order. Nodes
// before fromNode are skipped, with completed results folded into the
// starting context; fromNode and everything after it are replayed. An
// empty fromNode replays from the beginning.
func (m *Manager) GetReplayPlan(runID int64, fromNode string) (*Plan, error) {
	run, executions, err := m.loadRun(runID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		OriginalRunID:  runID,
		FromNode:       fromNode,
		TotalNodes:     len(executions),
		ContextAtStart: map[string]interface{}{},
	}

	runContext := copyMap(run.Input)
	foundStart := fromNode == ""
	if foundStart {
		plan.ContextAtStart = copyMap(runContext)
	}

	for _, e := range executions {
		node := PlanNode{
			NodeID:         e.NodeID,
			NodeName:       e.NodeName,
			OriginalStatus: e.Status,
			DurationMS:     e.DurationMS,
		}
		if !foundStart {
			if e.NodeID == fromNode {
				foundStart = true
				plan.ContextAtStart = copyMap(runContext)
				plan.NodesToReplay = append(plan.NodesToReplay, node)
				continue
			}
			if e.Status == "completed" {
				for k, v := range e.Result {
					runContext[k] = v
				}
			}
			plan.NodesToSkip = append(plan.NodesToSkip, node)
			continue
		}
		plan.NodesToReplay = append(plan.NodesToReplay, node)
	}
	return plan, nil
}

// CreateReplayRun duplicates a run as a pending run in the replay
// phase, linked to its parent. With includeContext the input is the
// original input plus every completed result before fromNode.
func (m *Manager) CreateReplayRun(originalRunID int64, fromNode string, includeContext bool) (int64, error) {
	run, executions, err := m.loadRun(originalRunID)
	if err != nil {
		return 0, err
	}

	replayContext := copyMap(run.Input)
	if includeContext && fromNode != "" {
		for _, e := range executions {
			if e.NodeID == fromNode {
				break
			}
			if e.Status == "completed" {
				for k, v := range e.Result {
					replayContext[k] = v
				}
			}
		}
	}

	from := fromNode
	if from == "" {
		from = "start"
	}
	name := fmt.Sprintf("replay-%s-from-%s", orUnknown(run.WorkflowName), from)
	inputJSON, _ := json.Marshal(replayContext)

	var newRunID int64
	err = m.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO workflow_runs
			(workflow_id, workflow_name, status, phase, parent_run_id, input_json, started_at)
			VALUES (?, ?, 'pending', 'replay', ?, ?, ?)`,
			run.WorkflowID, name, originalRunID, string(inputJSON), m.nowISO())
		if err != nil {
			return hiveerr.Database("insert replay run", err)
		}
		newRunID, _ = res.LastInsertId()

		data, _ := json.Marshal(map[string]interface{}{
			"original_run_id": originalRunID,
			"from_node":       fromNode,
			"include_context": includeContext,
		})
		reason := fmt.Sprintf("replay of run %d from %s", originalRunID, from)
		if _, err := tx.Exec(`
			INSERT INTO conductor_decisions (run_id, decision_type, decision_data, reason, created_at)
			VALUES (?, 'replay', ?, ?, ?)`,
			newRunID, string(data), reason, m.nowISO()); err != nil {
			return hiveerr.Database("log replay decision", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.log.Info("created replay run %d from run %d (from_node=%s)", newRunID, originalRunID, from)
	return newRunID, nil
}

// RetryNode describes one failed node scheduled for retry.
type RetryNode struct {
	NodeID       string
	NodeName     string
	ErrorMessage string
}

// RetryResult reports what a retry pass did (or would do).
type RetryResult struct {
	OriginalRunID int64
	NewRunID      int64
	DryRun        bool
	Nodes         []RetryNode
}

// RetryFailedNodes creates a replay run carrying the original context
// and pre-inserts a pending execution for every failed node. With
// dryRun it only reports what would be retried.
func (m *Manager) RetryFailedNodes(runID int64, dryRun bool) (*RetryResult, error) {
	_, executions, err := m.loadRun(runID)
	if err != nil {
		return nil, err
	}

	var failed []conductor.Execution
	for _, e := range executions {
		if e.Status == "failed" {
			failed = append(failed, e)
		}
	}

	result := &RetryResult{OriginalRunID: runID, DryRun: dryRun}
	for _, e := range failed {
		result.Nodes = append(result.Nodes, RetryNode{
			NodeID:       e.NodeID,
			NodeName:     e.NodeName,
			ErrorMessage: e.ErrorMessage,
		})
	}
	if len(failed) == 0 || dryRun {
		return result, nil
	}

	newRunID, err := m.CreateReplayRun(runID, "", true)
	if err != nil {
		return nil, err
	}
	result.NewRunID = newRunID

	err = m.store.WithTx(func(tx *sql.Tx) error {
		for _, e := range failed {
			nodeType := e.NodeType
			if nodeType == "" {
				nodeType = "single"
			}
			if _, err := tx.Exec(`
				INSERT INTO node_executions (run_id, node_id, node_name, node_type, prompt, status, created_at)
				VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
				newRunID, e.NodeID, e.NodeName, nodeType, e.Prompt, m.nowISO()); err != nil {
				return hiveerr.Database("insert pending retry", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloneRun duplicates a run as a fresh pending run, with optional
// input overrides layered over the original input.
func (m *Manager) CloneRun(runID int64, inputOverrides map[string]interface{}) (int64, error) {
	run, _, err := m.loadRun(runID)
	if err != nil {
		return 0, err
	}

	newInput := copyMap(run.Input)
	for k, v := range inputOverrides {
		newInput[k] = v
	}
	inputJSON, _ := json.Marshal(newInput)
	name := "clone-" + orUnknown(run.WorkflowName)

	var newRunID int64
	err = m.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO workflow_runs
			(workflow_id, workflow_name, status, phase, parent_run_id, input_json, started_at)
			VALUES (?, ?, 'pending', 'init', ?, ?, ?)`,
			run.WorkflowID, name, runID, string(inputJSON), m.nowISO())
		if err != nil {
			return hiveerr.Database("insert clone run", err)
		}
		newRunID, _ = res.LastInsertId()

		data, _ := json.Marshal(map[string]interface{}{
			"original_run_id": runID,
			"overrides":       inputOverrides,
		})
		if _, err := tx.Exec(`
			INSERT INTO conductor_decisions (run_id, decision_type, decision_data, reason, created_at)
			VALUES (?, 'clone', ?, ?, ?)`,
			newRunID, string(data), fmt.Sprintf("clone of run %d", runID), m.nowISO()); err != nil {
			return hiveerr.Database("log clone decision", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newRunID, nil
}

// ResetNode puts every execution of a node back to pending, clears its
// results, and bumps retry_count. Returns false when the node has no
// execution in the run.
func (m *Manager) ResetNode(runID int64, nodeID string) (bool, error) {
	var reset bool
	err := m.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE node_executions SET
				status = 'pending', result_json = '{}', result_text = NULL,
				error_message = NULL, error_type = NULL, completed_at = NULL,
				retry_count = retry_count + 1
			WHERE run_id = ? AND node_id = ?`, runID, nodeID)
		if err != nil {
			return hiveerr.Database("reset node", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		reset = true

		data, _ := json.Marshal(map[string]interface{}{"node_id": nodeID})
		if _, err := tx.Exec(`
			INSERT INTO conductor_decisions (run_id, decision_type, decision_data, reason, created_at)
			VALUES (?, 'reset_node', ?, ?, ?)`,
			runID, string(data), fmt.Sprintf("reset node %s for re-execution", nodeID), m.nowISO()); err != nil {
			return hiveerr.Database("log reset decision", err)
		}
		return nil
	})
	return reset, err
}

// FormatPlan renders a replay plan for terminal display.
func FormatPlan(plan *Plan) string {
	from := plan.FromNode
	if from == "" {
		from = "beginning"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Replay Plan for Run #%d\n", plan.OriginalRunID)
	fmt.Fprintf(&b, "From Node: %s\n", from)
	fmt.Fprintf(&b, "Total Nodes: %d\n\n", plan.TotalNodes)

	if len(plan.NodesToSkip) > 0 {
		b.WriteString("Nodes to SKIP (already executed):\n")
		for _, n := range plan.NodesToSkip {
			icon := "x"
			if n.OriginalStatus == "completed" {
				icon = "+"
			}
			fmt.Fprintf(&b, "  %s %s (%s)\n", icon, n.NodeName, n.NodeID)
		}
		b.WriteString("\n")
	}
	if len(plan.NodesToReplay) > 0 {
		b.WriteString("Nodes to REPLAY:\n")
		for _, n := range plan.NodesToReplay {
			fmt.Fprintf(&b, "  > %s (%s)\n", n.NodeName, n.NodeID)
		}
	}
	return b.String()
}

func (m *Manager) loadRun(runID int64) (*conductor.Run, []conductor.Execution, error) {
	run, err := m.cond.GetRun(runID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, hiveerr.Validationf("run %d not found", runID)
	}
	executions, err := m.cond.NodeExecutions(runID)
	if err != nil {
		return nil, nil, err
	}
	return run, executions, nil
}

func (m *Manager) nowISO() string {
	return m.now().UTC().Format(time.RFC3339)
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
