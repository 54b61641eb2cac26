// Package conductor executes workflow node-graphs over the knowledge
// store. Workflows are stored as nodes_json plus an edge table; runs,
// node executions and routing decisions are all persisted so any run
// can be inspected or replayed later. Real agent work happens behind
// the Executor interface.
package conductor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hivemind/internal/blackboard"
	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
	"hivemind/internal/store"
)

// Reserved node IDs.
const (
	StartNode = "__start__"
	EndNode   = "__end__"
)

// NodeType selects how a node's work is dispatched.
type NodeType string

const (
	NodeSingle   NodeType = "single"
	NodeParallel NodeType = "parallel"
	NodeSwarm    NodeType = "swarm"
)

// Node is one unit of work in a workflow graph.
type Node struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Type           NodeType               `json:"node_type"`
	PromptTemplate string                 `json:"prompt_template"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// Edge connects two nodes, optionally gated by a condition.
type Edge struct {
	FromNode  string `json:"from_node"`
	ToNode    string `json:"to_node"`
	Condition string `json:"condition"`
	Priority  int    `json:"priority"`
}

// Workflow is a stored graph definition.
type Workflow struct {
	ID          int64
	Name        string
	Description string
	Nodes       []Node
	Edges       []Edge
	Config      map[string]interface{}
}

// Run is one execution of a workflow.
type Run struct {
	ID             int64
	WorkflowID     int64
	WorkflowName   string
	Status         string
	Phase          string
	ParentRunID    int64
	Input          map[string]interface{}
	Output         map[string]interface{}
	Context        map[string]interface{}
	TotalNodes     int
	CompletedNodes int
	FailedNodes    int
	ErrorMessage   string
	StartedAt      string
	CompletedAt    string
}

// Execution is one recorded node firing.
type Execution struct {
	ID            int64
	RunID         int64
	NodeID        string
	NodeName      string
	NodeType      string
	AgentID       string
	Prompt        string
	PromptHash    string
	Status        string
	ResultText    string
	Result        map[string]interface{}
	Findings      []map[string]interface{}
	FilesModified []string
	DurationMS    int64
	TokenCount    int
	RetryCount    int
	ErrorMessage  string
	ErrorType     string
	StartedAt     string
	CompletedAt   string
}

// Decision is one routing or lifecycle choice made during a run.
type Decision struct {
	ID        int64
	RunID     int64
	Type      string
	Data      map[string]interface{}
	Reason    string
	CreatedAt string
}

// NodeResult is what an Executor returns for a completed node.
type NodeResult struct {
	Text          string
	Data          map[string]interface{}
	Findings      []map[string]interface{}
	FilesModified []string
	TokenCount    int
}

// Executor performs the actual agent work for a node. The conductor
// records the execution either way; only the work itself is external.
type Executor interface {
	Execute(ctx context.Context, node Node, runContext map[string]interface{}) (*NodeResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, node Node, runContext map[string]interface{}) (*NodeResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, node Node, runContext map[string]interface{}) (*NodeResult, error) {
	return f(ctx, node, runContext)
}

// Conductor orchestrates workflow runs.
type Conductor struct {
	store *store.Store
	board *blackboard.Board // nil when running without coordination
	exec  Executor
	log   *logging.Logger
	now   func() time.Time
}

// New builds a conductor. The board may be nil; bridge operations
// become no-ops in that case.
func New(s *store.Store, board *blackboard.Board, exec Executor) *Conductor {
	return &Conductor{
		store: s,
		board: board,
		exec:  exec,
		log:   logging.Get(logging.CategoryConductor),
		now:   time.Now,
	}
}

// CreateWorkflow stores a graph definition. Node IDs must be unique
// and must not use the reserved __start__/__end__ names.
func (c *Conductor) CreateWorkflow(name, description string, nodes []Node, edges []Edge, config map[string]interface{}) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, hiveerr.Validationf("workflow name is required")
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == StartNode || n.ID == EndNode {
			return 0, hiveerr.Validationf("node id %q is reserved", n.ID)
		}
		if seen[n.ID] {
			return 0, hiveerr.Validationf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}

	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return 0, hiveerr.Validationf("nodes not serializable: %v", err)
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	configJSON, _ := json.Marshal(config)

	var workflowID int64
	err = c.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO workflows (name, description, nodes_json, config_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			name, description, string(nodesJSON), string(configJSON), c.nowISO())
		if err != nil {
			return hiveerr.Database("insert workflow", err)
		}
		workflowID, _ = res.LastInsertId()
		for _, e := range edges {
			from := e.FromNode
			if from == "" {
				from = StartNode
			}
			to := e.ToNode
			if to == "" {
				to = EndNode
			}
			priority := e.Priority
			if priority == 0 {
				priority = 100
			}
			if _, err := tx.Exec(`
				INSERT INTO workflow_edges (workflow_id, from_node, to_node, condition, priority)
				VALUES (?, ?, ?, ?, ?)`,
				workflowID, from, to, e.Condition, priority); err != nil {
				return hiveerr.Database("insert edge", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return workflowID, nil
}

// GetWorkflow loads a workflow and its edges by name. Returns nil when
// the name is unknown.
func (c *Conductor) GetWorkflow(name string) (*Workflow, error) {
	w := &Workflow{}
	var nodesJSON, configJSON string
	var description sql.NullString
	err := c.store.DB().QueryRow(`
		SELECT id, name, COALESCE(description,''), nodes_json, config_json
		FROM workflows WHERE name = ?`, name).
		Scan(&w.ID, &w.Name, &description, &nodesJSON, &configJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, hiveerr.Database("load workflow", err)
	}
	w.Description = description.String
	if err := json.Unmarshal([]byte(nodesJSON), &w.Nodes); err != nil {
		return nil, hiveerr.Database("decode workflow nodes", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &w.Config); err != nil {
		w.Config = map[string]interface{}{}
	}

	rows, err := c.store.DB().Query(`
		SELECT from_node, to_node, condition, priority
		FROM workflow_edges WHERE workflow_id = ? ORDER BY priority, id`, w.ID)
	if err != nil {
		return nil, hiveerr.Database("load edges", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.FromNode, &e.ToNode, &e.Condition, &e.Priority); err != nil {
			return nil, hiveerr.Database("scan edge", err)
		}
		w.Edges = append(w.Edges, e)
	}
	return w, rows.Err()
}

// ListWorkflows returns name and description for every workflow.
func (c *Conductor) ListWorkflows() ([]Workflow, error) {
	rows, err := c.store.DB().Query(`
		SELECT id, name, COALESCE(description,'') FROM workflows ORDER BY name`)
	if err != nil {
		return nil, hiveerr.Database("list workflows", err)
	}
	defer rows.Close()
	var out []Workflow
	for rows.Next() {
		var w Workflow
		if err := rows.Scan(&w.ID, &w.Name, &w.Description); err != nil {
			return nil, hiveerr.Database("scan workflow", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// StartRun creates a running workflow_runs row and logs the start
// decision.
func (c *Conductor) StartRun(workflowID int64, workflowName, phase string, input map[string]interface{}) (int64, error) {
	if phase == "" {
		phase = "init"
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	inputJSON, _ := json.Marshal(input)

	var runID int64
	err := c.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO workflow_runs (workflow_id, workflow_name, status, phase, input_json, started_at)
			VALUES (?, ?, 'running', ?, ?, ?)`,
			workflowID, workflowName, phase, string(inputJSON), c.nowISO())
		if err != nil {
			return hiveerr.Database("insert run", err)
		}
		runID, _ = res.LastInsertId()
		return c.logDecision(tx, runID, "start_run", map[string]interface{}{
			"workflow_name": workflowName,
			"phase":         phase,
		}, "workflow run started")
	})
	if err != nil {
		return 0, err
	}
	return runID, nil
}

// GetRun loads a run by ID. Returns nil when unknown.
func (c *Conductor) GetRun(runID int64) (*Run, error) {
	r := &Run{}
	var workflowID, parentRunID sql.NullInt64
	var workflowName, errorMessage, completedAt sql.NullString
	var inputJSON, outputJSON, contextJSON string
	err := c.store.DB().QueryRow(`
		SELECT id, workflow_id, workflow_name, status, phase, parent_run_id,
		       input_json, output_json, context_json,
		       total_nodes, completed_nodes, failed_nodes,
		       error_message, started_at, completed_at
		FROM workflow_runs WHERE id = ?`, runID).
		Scan(&r.ID, &workflowID, &workflowName, &r.Status, &r.Phase, &parentRunID,
			&inputJSON, &outputJSON, &contextJSON,
			&r.TotalNodes, &r.CompletedNodes, &r.FailedNodes,
			&errorMessage, &r.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, hiveerr.Database("load run", err)
	}
	r.WorkflowID = workflowID.Int64
	r.WorkflowName = workflowName.String
	r.ParentRunID = parentRunID.Int64
	r.ErrorMessage = errorMessage.String
	r.CompletedAt = completedAt.String
	_ = json.Unmarshal([]byte(inputJSON), &r.Input)
	_ = json.Unmarshal([]byte(outputJSON), &r.Output)
	_ = json.Unmarshal([]byte(contextJSON), &r.Context)
	return r, nil
}

// UpdateRunStatus moves a run to a terminal or intermediate status.
func (c *Conductor) UpdateRunStatus(runID int64, status, errorMessage string, output map[string]interface{}) error {
	sets := []string{"status = ?"}
	args := []interface{}{status}
	switch status {
	case "completed", "failed", "cancelled":
		sets = append(sets, "completed_at = ?")
		args = append(args, c.nowISO())
	}
	if errorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, errorMessage)
	}
	if output != nil {
		outputJSON, _ := json.Marshal(output)
		sets = append(sets, "output_json = ?")
		args = append(args, string(outputJSON))
	}
	args = append(args, runID)
	_, err := c.store.DB().Exec(
		"UPDATE workflow_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return hiveerr.Database("update run status", err)
	}
	return nil
}

// UpdateRunPhase transitions the run's phase and logs the change.
func (c *Conductor) UpdateRunPhase(runID int64, phase string) error {
	return c.store.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE workflow_runs SET phase = ? WHERE id = ?`, phase, runID); err != nil {
			return hiveerr.Database("update run phase", err)
		}
		return c.logDecision(tx, runID, "phase_change",
			map[string]interface{}{"new_phase": phase},
			fmt.Sprintf("transitioned to %s phase", phase))
	})
}

// UpdateRunContext persists the shared run context.
func (c *Conductor) UpdateRunContext(runID int64, runContext map[string]interface{}) error {
	contextJSON, _ := json.Marshal(runContext)
	_, err := c.store.DB().Exec(
		`UPDATE workflow_runs SET context_json = ? WHERE id = ?`, string(contextJSON), runID)
	if err != nil {
		return hiveerr.Database("update run context", err)
	}
	return nil
}

// RecordNodeStart inserts a running node_executions row, bumps the
// run's node counter and logs the fire decision. Returns the
// execution ID.
func (c *Conductor) RecordNodeStart(runID int64, node Node, prompt, agentID string) (int64, error) {
	hash := PromptHash(prompt)
	var execID int64
	err := c.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO node_executions
			(run_id, node_id, node_name, node_type, agent_id, prompt, prompt_hash, status, started_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'running', ?, ?)`,
			runID, node.ID, node.Name, string(node.Type), nullable(agentID),
			prompt, hash, c.nowISO(), c.nowISO())
		if err != nil {
			return hiveerr.Database("insert execution", err)
		}
		execID, _ = res.LastInsertId()
		if _, err := tx.Exec(`
			UPDATE workflow_runs SET total_nodes = total_nodes + 1 WHERE id = ?`, runID); err != nil {
			return hiveerr.Database("bump node count", err)
		}
		return c.logDecision(tx, runID, "fire_node", map[string]interface{}{
			"node_id":      node.ID,
			"node_name":    node.Name,
			"node_type":    string(node.Type),
			"execution_id": execID,
		}, "started node: "+node.Name)
	})
	if err != nil {
		return 0, err
	}
	return execID, nil
}

// RecordNodeCompletion marks an execution completed with its results.
func (c *Conductor) RecordNodeCompletion(execID int64, result *NodeResult, durationMS int64) error {
	if result == nil {
		result = &NodeResult{}
	}
	dataJSON, _ := json.Marshal(orEmptyMap(result.Data))
	findingsJSON, _ := json.Marshal(orEmptySlice(result.Findings))
	filesJSON, _ := json.Marshal(orEmptyStrings(result.FilesModified))

	return c.store.WithTx(func(tx *sql.Tx) error {
		var runID int64
		err := tx.QueryRow(`SELECT run_id FROM node_executions WHERE id = ?`, execID).Scan(&runID)
		if err == sql.ErrNoRows {
			return hiveerr.Validationf("execution %d not found", execID)
		}
		if err != nil {
			return hiveerr.Database("load execution", err)
		}
		if _, err := tx.Exec(`
			UPDATE node_executions SET
				status = 'completed', result_text = ?, result_json = ?,
				findings_json = ?, files_modified = ?, duration_ms = ?,
				token_count = ?, completed_at = ?
			WHERE id = ?`,
			result.Text, string(dataJSON), string(findingsJSON), string(filesJSON),
			durationMS, result.TokenCount, c.nowISO(), execID); err != nil {
			return hiveerr.Database("complete execution", err)
		}
		if _, err := tx.Exec(`
			UPDATE workflow_runs SET completed_nodes = completed_nodes + 1 WHERE id = ?`, runID); err != nil {
			return hiveerr.Database("bump completed count", err)
		}
		return nil
	})
}

// RecordNodeFailure marks an execution failed and logs the failure.
func (c *Conductor) RecordNodeFailure(execID int64, errorMessage, errorType string, durationMS int64) error {
	return c.store.WithTx(func(tx *sql.Tx) error {
		var runID int64
		var nodeID string
		err := tx.QueryRow(`SELECT run_id, node_id FROM node_executions WHERE id = ?`, execID).
			Scan(&runID, &nodeID)
		if err == sql.ErrNoRows {
			return hiveerr.Validationf("execution %d not found", execID)
		}
		if err != nil {
			return hiveerr.Database("load execution", err)
		}
		if _, err := tx.Exec(`
			UPDATE node_executions SET
				status = 'failed', error_message = ?, error_type = ?,
				duration_ms = ?, completed_at = ?
			WHERE id = ?`,
			errorMessage, errorType, durationMS, c.nowISO(), execID); err != nil {
			return hiveerr.Database("fail execution", err)
		}
		if _, err := tx.Exec(`
			UPDATE workflow_runs SET failed_nodes = failed_nodes + 1 WHERE id = ?`, runID); err != nil {
			return hiveerr.Database("bump failed count", err)
		}
		return c.logDecision(tx, runID, "node_failed", map[string]interface{}{
			"node_id":       nodeID,
			"execution_id":  execID,
			"error_type":    errorType,
			"error_message": truncate(errorMessage, 200),
		}, "node failed: "+truncate(errorMessage, 100))
	})
}

// NodeExecutions lists a run's executions in creation order.
func (c *Conductor) NodeExecutions(runID int64) ([]Execution, error) {
	rows, err := c.store.DB().Query(`
		SELECT id, run_id, node_id, COALESCE(node_name,''), COALESCE(node_type,''),
		       COALESCE(agent_id,''), COALESCE(prompt,''), COALESCE(prompt_hash,''),
		       status, COALESCE(result_text,''), result_json, findings_json,
		       files_modified, COALESCE(duration_ms,0), COALESCE(token_count,0),
		       retry_count, COALESCE(error_message,''), COALESCE(error_type,''),
		       COALESCE(started_at,''), COALESCE(completed_at,'')
		FROM node_executions WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, hiveerr.Database("list executions", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var resultJSON, findingsJSON, filesJSON string
		if err := rows.Scan(&e.ID, &e.RunID, &e.NodeID, &e.NodeName, &e.NodeType,
			&e.AgentID, &e.Prompt, &e.PromptHash, &e.Status, &e.ResultText,
			&resultJSON, &findingsJSON, &filesJSON, &e.DurationMS, &e.TokenCount,
			&e.RetryCount, &e.ErrorMessage, &e.ErrorType, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, hiveerr.Database("scan execution", err)
		}
		_ = json.Unmarshal([]byte(resultJSON), &e.Result)
		_ = json.Unmarshal([]byte(findingsJSON), &e.Findings)
		_ = json.Unmarshal([]byte(filesJSON), &e.FilesModified)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Decisions lists a run's decision log in order.
func (c *Conductor) Decisions(runID int64) ([]Decision, error) {
	rows, err := c.store.DB().Query(`
		SELECT id, run_id, decision_type, decision_data, COALESCE(reason,''), created_at
		FROM conductor_decisions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, hiveerr.Database("list decisions", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var dataJSON string
		if err := rows.Scan(&d.ID, &d.RunID, &d.Type, &dataJSON, &d.Reason, &d.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan decision", err)
		}
		_ = json.Unmarshal([]byte(dataJSON), &d.Data)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RunWorkflow executes a workflow from __start__ until the frontier
// empties. Each frontier batch runs in parallel; successful results
// merge into the shared context only after the whole batch finishes,
// so edge conditions always see a consistent post-batch context. A
// failed node does not abort the run, it just stops contributing
// successors.
func (c *Conductor) RunWorkflow(ctx context.Context, name string, input map[string]interface{}) (int64, error) {
	wf, err := c.GetWorkflow(name)
	if err != nil {
		return 0, err
	}
	if wf == nil {
		return 0, hiveerr.Validationf("workflow not found: %s", name)
	}

	runID, err := c.StartRun(wf.ID, wf.Name, "init", input)
	if err != nil {
		return 0, err
	}

	runContext := make(map[string]interface{}, len(input))
	for k, v := range input {
		runContext[k] = v
	}

	nodesByID := make(map[string]Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodesByID[n.ID] = n
	}
	edgesFrom := make(map[string][]Edge)
	for _, e := range wf.Edges {
		edgesFrom[e.FromNode] = append(edgesFrom[e.FromNode], e)
	}

	var frontier []string
	for _, e := range edgesFrom[StartNode] {
		frontier = append(frontier, e.ToNode)
	}
	completed := make(map[string]bool)

	for len(frontier) > 0 {
		var batch []string
		for _, id := range frontier {
			if id == EndNode || completed[id] {
				continue
			}
			if _, known := nodesByID[id]; !known {
				c.log.Warn("run %d references unknown node %q", runID, id)
				continue
			}
			batch = append(batch, id)
		}
		if len(batch) == 0 {
			break
		}

		type nodeOutcome struct {
			nodeID string
			ok     bool
			data   map[string]interface{}
		}
		outcomes := make([]nodeOutcome, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, nodeID := range batch {
			i, node := i, nodesByID[nodeID]
			snapshot := copyContext(runContext)
			g.Go(func() error {
				ok, data := c.executeNode(gctx, runID, node, snapshot)
				outcomes[i] = nodeOutcome{nodeID: node.ID, ok: ok, data: data}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return runID, err
		}

		for _, o := range outcomes {
			if o.ok {
				for k, v := range o.data {
					runContext[k] = v
				}
			}
			completed[o.nodeID] = true
		}

		next := make(map[string]bool)
		for _, o := range outcomes {
			if !o.ok {
				continue
			}
			for _, e := range edgesFrom[o.nodeID] {
				if EvalCondition(e.Condition, runContext) {
					next[e.ToNode] = true
				}
			}
		}
		frontier = frontier[:0]
		for id := range next {
			frontier = append(frontier, id)
		}
		sort.Strings(frontier)
	}

	if err := c.UpdateRunContext(runID, runContext); err != nil {
		return runID, err
	}
	if err := c.UpdateRunStatus(runID, "completed", "", runContext); err != nil {
		return runID, err
	}
	return runID, nil
}

// executeNode fires one node and records the outcome. Returns whether
// the node succeeded and the result data to merge into context.
func (c *Conductor) executeNode(ctx context.Context, runID int64, node Node, runContext map[string]interface{}) (bool, map[string]interface{}) {
	prompt, err := renderPrompt(node.PromptTemplate, runContext)
	if err != nil {
		execID, startErr := c.RecordNodeStart(runID, node, node.PromptTemplate, "")
		if startErr == nil {
			_ = c.RecordNodeFailure(execID, err.Error(), "template", 0)
		}
		return false, nil
	}

	execID, err := c.RecordNodeStart(runID, node, prompt, "")
	if err != nil {
		c.log.Error("run %d: cannot record node %s: %v", runID, node.ID, err)
		return false, nil
	}

	start := c.now()
	var result *NodeResult
	if c.exec != nil {
		result, err = c.exec.Execute(ctx, node, runContext)
	} else {
		result = &NodeResult{
			Text: "[no executor configured: " + node.Name + "]",
			Data: map[string]interface{}{"placeholder": true},
		}
	}
	durationMS := c.now().Sub(start).Milliseconds()

	if err != nil {
		_ = c.RecordNodeFailure(execID, err.Error(), "exception", durationMS)
		return false, nil
	}
	if recErr := c.RecordNodeCompletion(execID, result, durationMS); recErr != nil {
		c.log.Error("run %d: cannot record completion of node %s: %v", runID, node.ID, recErr)
	}
	if result == nil {
		return true, nil
	}
	return true, result.Data
}

// PromptHash is the stable 16-hex identifier of a rendered prompt.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// renderPrompt substitutes {key} placeholders from the run context.
// {{ and }} are literal braces. An unresolvable key is an error, so a
// node never runs with a half-rendered prompt.
func renderPrompt(template string, runContext map[string]interface{}) (string, error) {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		switch template[i] {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", hiveerr.Validationf("unterminated placeholder in prompt template")
			}
			key := template[i+1 : i+end]
			value, ok := runContext[key]
			if !ok {
				return "", hiveerr.Validationf("prompt template references missing context key %q", key)
			}
			fmt.Fprintf(&b, "%v", value)
			i += end
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			b.WriteByte('}')
		default:
			b.WriteByte(template[i])
		}
	}
	return b.String(), nil
}

func (c *Conductor) logDecision(tx *sql.Tx, runID int64, decisionType string, data map[string]interface{}, reason string) error {
	dataJSON, _ := json.Marshal(data)
	if _, err := tx.Exec(`
		INSERT INTO conductor_decisions (run_id, decision_type, decision_data, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, decisionType, string(dataJSON), reason, c.nowISO()); err != nil {
		return hiveerr.Database("log decision", err)
	}
	return nil
}

func (c *Conductor) nowISO() string {
	return c.now().UTC().Format(time.RFC3339)
}

func copyContext(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func orEmptySlice(s []map[string]interface{}) []map[string]interface{} {
	if s == nil {
		return []map[string]interface{}{}
	}
	return s
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
