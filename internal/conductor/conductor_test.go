package conductor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/blackboard"
	"hivemind/internal/store"
	"hivemind/internal/types"
)

func newTestConductor(t *testing.T, exec Executor) (*Conductor, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := New(s, nil, exec)
	c.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return c, s
}

type recordingExecutor struct {
	mu      sync.Mutex
	fired   []string
	results map[string]*NodeResult
	fail    map[string]error
}

func (r *recordingExecutor) Execute(_ context.Context, node Node, _ map[string]interface{}) (*NodeResult, error) {
	r.mu.Lock()
	r.fired = append(r.fired, node.ID)
	r.mu.Unlock()
	if err, ok := r.fail[node.ID]; ok {
		return nil, err
	}
	if res, ok := r.results[node.ID]; ok {
		return res, nil
	}
	return &NodeResult{Text: "done: " + node.ID}, nil
}

func (r *recordingExecutor) firedNodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...)
}

func TestConditionMiniLanguage(t *testing.T) {
	ctx := map[string]interface{}{
		"route":  "fast",
		"count":  float64(5),
		"ready":  true,
		"absent": nil,
	}
	cases := []struct {
		condition string
		want      bool
	}{
		{"", true},
		{"   ", true},
		{"true", true},
		{"False", false},
		{"'route' in context", true},
		{"'missing' in context", false},
		{"'missing' not in context", true},
		{"'route' not in context", false},
		{"context.get('route') == 'fast'", true},
		{"context.get('route') != 'fast'", false},
		{"context['count'] > 3", true},
		{"context['count'] >= 5", true},
		{"context.get('count') < 5", false},
		{"context.get('ready') == true", true},
		{"context.get('absent') == none", true},
		{"context.get('missing') == none", true},
		{"context.get('missing') == 'x'", false},
		// Not part of the grammar: always false.
		{"__import__('os').system('rm -rf /')", false},
		{"context.get('route') == 'fast' or true", false},
		{"len(context) > 0", false},
		{"context.get('count') + 1 > 3", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EvalCondition(tc.condition, ctx), "condition %q", tc.condition)
	}
}

func TestCreateWorkflowRejectsBadGraphs(t *testing.T) {
	c, _ := newTestConductor(t, nil)

	_, err := c.CreateWorkflow("", "", nil, nil, nil)
	assert.Error(t, err)

	_, err = c.CreateWorkflow("bad", "", []Node{{ID: "__start__", Name: "x", Type: NodeSingle}}, nil, nil)
	assert.Error(t, err)

	_, err = c.CreateWorkflow("dup", "", []Node{
		{ID: "a", Name: "a", Type: NodeSingle},
		{ID: "a", Name: "again", Type: NodeSingle},
	}, nil, nil)
	assert.Error(t, err)
}

func TestRunWorkflowLinear(t *testing.T) {
	exec := &recordingExecutor{
		results: map[string]*NodeResult{
			"analyze": {Text: "analysis", Data: map[string]interface{}{"verdict": "clean"}},
			"report":  {Text: "report", Data: map[string]interface{}{"reported": true}},
		},
	}
	c, _ := newTestConductor(t, exec)

	_, err := c.CreateWorkflow("review", "two-step review", []Node{
		{ID: "analyze", Name: "Analyze", Type: NodeSingle, PromptTemplate: "Analyze {target}"},
		{ID: "report", Name: "Report", Type: NodeSingle, PromptTemplate: "Report on {verdict}"},
	}, []Edge{
		{FromNode: "__start__", ToNode: "analyze"},
		{FromNode: "analyze", ToNode: "report"},
		{FromNode: "report", ToNode: "__end__"},
	}, nil)
	require.NoError(t, err)

	runID, err := c.RunWorkflow(context.Background(), "review", map[string]interface{}{"target": "pkg/parser"})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze", "report"}, exec.firedNodes())

	run, err := c.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 2, run.TotalNodes)
	assert.Equal(t, 2, run.CompletedNodes)
	assert.Equal(t, 0, run.FailedNodes)
	assert.Equal(t, "clean", run.Context["verdict"])
	assert.Equal(t, true, run.Context["reported"])
	assert.NotEmpty(t, run.CompletedAt)

	execs, err := c.NodeExecutions(runID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "Analyze pkg/parser", execs[0].Prompt)
	assert.Equal(t, "Report on clean", execs[1].Prompt)
	assert.Len(t, execs[0].PromptHash, 16)
	assert.Equal(t, PromptHash("Analyze pkg/parser"), execs[0].PromptHash)

	decisions, err := c.Decisions(runID)
	require.NoError(t, err)
	var kinds []string
	for _, d := range decisions {
		kinds = append(kinds, d.Type)
	}
	assert.Equal(t, []string{"start_run", "fire_node", "fire_node"}, kinds)
}

func TestRunWorkflowConditionalBranch(t *testing.T) {
	exec := &recordingExecutor{
		results: map[string]*NodeResult{
			"triage": {Data: map[string]interface{}{"route": "fast"}},
		},
	}
	c, _ := newTestConductor(t, exec)

	_, err := c.CreateWorkflow("triage", "", []Node{
		{ID: "triage", Name: "Triage", Type: NodeSingle, PromptTemplate: "triage"},
		{ID: "fastpath", Name: "Fast", Type: NodeSingle, PromptTemplate: "fast"},
		{ID: "slowpath", Name: "Slow", Type: NodeSingle, PromptTemplate: "slow"},
	}, []Edge{
		{FromNode: "__start__", ToNode: "triage"},
		{FromNode: "triage", ToNode: "fastpath", Condition: "context.get('route') == 'fast'"},
		{FromNode: "triage", ToNode: "slowpath", Condition: "context.get('route') == 'slow'"},
	}, nil)
	require.NoError(t, err)

	_, err = c.RunWorkflow(context.Background(), "triage", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"triage", "fastpath"}, exec.firedNodes())
}

func TestRunWorkflowNodeFailureDoesNotAbortRun(t *testing.T) {
	exec := &recordingExecutor{
		fail: map[string]error{"flaky": errors.New("agent crashed")},
	}
	c, _ := newTestConductor(t, exec)

	_, err := c.CreateWorkflow("flaky-flow", "", []Node{
		{ID: "flaky", Name: "Flaky", Type: NodeSingle, PromptTemplate: "work"},
		{ID: "after", Name: "After", Type: NodeSingle, PromptTemplate: "after"},
	}, []Edge{
		{FromNode: "__start__", ToNode: "flaky"},
		{FromNode: "flaky", ToNode: "after"},
	}, nil)
	require.NoError(t, err)

	runID, err := c.RunWorkflow(context.Background(), "flaky-flow", nil)
	require.NoError(t, err)

	run, err := c.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 1, run.FailedNodes)

	// A failed node contributes no successors: its downstream node
	// never fires, but the run itself still completes.
	assert.Equal(t, []string{"flaky"}, exec.firedNodes())

	execs, err := c.NodeExecutions(runID)
	require.NoError(t, err)
	assert.Equal(t, "failed", execs[0].Status)
	assert.Equal(t, "exception", execs[0].ErrorType)
	assert.Equal(t, "agent crashed", execs[0].ErrorMessage)

	decisions, err := c.Decisions(runID)
	require.NoError(t, err)
	var sawFailure bool
	for _, d := range decisions {
		if d.Type == "node_failed" {
			sawFailure = true
			assert.Equal(t, "flaky", d.Data["node_id"])
		}
	}
	assert.True(t, sawFailure)
}

func TestFailedBranchDoesNotAdvanceWhileHealthyBranchDoes(t *testing.T) {
	exec := &recordingExecutor{
		fail: map[string]error{"broken": errors.New("agent crashed")},
		results: map[string]*NodeResult{
			"healthy": {Data: map[string]interface{}{"ok": true}},
		},
	}
	c, _ := newTestConductor(t, exec)

	_, err := c.CreateWorkflow("split", "", []Node{
		{ID: "broken", Name: "Broken", Type: NodeParallel, PromptTemplate: "b"},
		{ID: "healthy", Name: "Healthy", Type: NodeParallel, PromptTemplate: "h"},
		{ID: "after-broken", Name: "AfterBroken", Type: NodeSingle, PromptTemplate: "ab"},
		{ID: "after-healthy", Name: "AfterHealthy", Type: NodeSingle, PromptTemplate: "ah"},
	}, []Edge{
		{FromNode: "__start__", ToNode: "broken"},
		{FromNode: "__start__", ToNode: "healthy"},
		{FromNode: "broken", ToNode: "after-broken"},
		{FromNode: "healthy", ToNode: "after-healthy"},
	}, nil)
	require.NoError(t, err)

	_, err = c.RunWorkflow(context.Background(), "split", nil)
	require.NoError(t, err)

	fired := exec.firedNodes()
	assert.Contains(t, fired, "after-healthy")
	assert.NotContains(t, fired, "after-broken")
}

func TestParallelFrontierMergesAfterBatch(t *testing.T) {
	exec := &recordingExecutor{
		results: map[string]*NodeResult{
			"left":  {Data: map[string]interface{}{"left_done": true}},
			"right": {Data: map[string]interface{}{"right_done": true}},
			"join":  {Data: map[string]interface{}{"joined": true}},
		},
	}
	c, _ := newTestConductor(t, exec)

	_, err := c.CreateWorkflow("fanout", "", []Node{
		{ID: "left", Name: "Left", Type: NodeParallel, PromptTemplate: "l"},
		{ID: "right", Name: "Right", Type: NodeParallel, PromptTemplate: "r"},
		{ID: "join", Name: "Join", Type: NodeSingle, PromptTemplate: "j"},
	}, []Edge{
		{FromNode: "__start__", ToNode: "left"},
		{FromNode: "__start__", ToNode: "right"},
		{FromNode: "left", ToNode: "join", Condition: "'left_done' in context"},
		{FromNode: "right", ToNode: "join", Condition: "'right_done' in context"},
	}, nil)
	require.NoError(t, err)

	runID, err := c.RunWorkflow(context.Background(), "fanout", nil)
	require.NoError(t, err)

	fired := exec.firedNodes()
	assert.Len(t, fired, 3)
	assert.Equal(t, "join", fired[2])

	run, err := c.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, true, run.Context["left_done"])
	assert.Equal(t, true, run.Context["right_done"])
	assert.Equal(t, true, run.Context["joined"])
}

func TestMissingTemplateKeyFailsTheNode(t *testing.T) {
	exec := &recordingExecutor{}
	c, _ := newTestConductor(t, exec)

	_, err := c.CreateWorkflow("bad-template", "", []Node{
		{ID: "holey", Name: "Holey", Type: NodeSingle, PromptTemplate: "use {nonexistent}"},
	}, []Edge{
		{FromNode: "__start__", ToNode: "holey"},
	}, nil)
	require.NoError(t, err)

	runID, err := c.RunWorkflow(context.Background(), "bad-template", nil)
	require.NoError(t, err)
	assert.Empty(t, exec.firedNodes())

	execs, err := c.NodeExecutions(runID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "failed", execs[0].Status)
	assert.Equal(t, "template", execs[0].ErrorType)
}

func TestRunUnknownWorkflow(t *testing.T) {
	c, _ := newTestConductor(t, nil)
	_, err := c.RunWorkflow(context.Background(), "nope", nil)
	assert.Error(t, err)
}

func TestTrailsDecayAndPrune(t *testing.T) {
	c, _ := newTestConductor(t, nil)

	require.NoError(t, c.LayTrail(0, "src/auth.go", "warning", 1.0, "agent-a", "", "tricky locking", nil, 24))
	require.NoError(t, c.LayTrail(0, "src/auth.go", "discovery", 0.5, "agent-b", "", "", nil, 24))
	require.NoError(t, c.LayTrail(0, "docs/plan.md", "cold", 0.015, "", "", "", nil, 24))

	require.NoError(t, c.DecayTrails(0.5))

	trails, err := c.Trails(TrailFilter{})
	require.NoError(t, err)
	// The cold trail decayed below 0.01 and was pruned.
	require.Len(t, trails, 2)
	assert.InDelta(t, 0.5, trails[0].Strength, 1e-9)
	assert.InDelta(t, 0.25, trails[1].Strength, 1e-9)

	assert.Error(t, c.DecayTrails(0))
	assert.Error(t, c.DecayTrails(1.5))
}

func TestHotSpotsRankByTotalStrength(t *testing.T) {
	c, _ := newTestConductor(t, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.LayTrail(7, "internal/store/store.go", "hot", 0.9, "agent-a", "n1", "", []string{"db"}, 24))
	}
	require.NoError(t, c.LayTrail(7, "cmd/main.go", "discovery", 1.0, "agent-b", "n2", "", nil, 24))

	spots, err := c.HotSpots(7, 10)
	require.NoError(t, err)
	require.Len(t, spots, 2)
	assert.Equal(t, "internal/store/store.go", spots[0].Location)
	assert.InDelta(t, 3.6, spots[0].TotalStrength, 1e-9)
	assert.Equal(t, 4, spots[0].TrailCount)
}

func TestSyncTrailsToBlackboard(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	board, err := blackboard.New(filepath.Join(t.TempDir(), ".coordination"))
	require.NoError(t, err)

	c := New(s, board, nil)
	c.now = time.Now

	for i := 0; i < 4; i++ {
		require.NoError(t, c.LayTrail(3, "internal/auth/session.go", "hot", 1.0, "agent-a", "", "", nil, 24))
	}
	require.NoError(t, c.LayTrail(3, "concept:retry-budget", "discovery", 0.4, "agent-b", "", "", nil, 24))

	require.NoError(t, c.SyncTrailsToBlackboard(3))

	snap, err := board.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Findings, 2)

	byContent := map[string]*types.Finding{}
	for _, f := range snap.Findings {
		byContent[f.Content] = f
	}
	hot, ok := byContent["Hot spot: internal/auth/session.go (4 trails, scents: hot)"]
	require.True(t, ok)
	assert.Equal(t, types.ImportanceHigh, hot.Importance)
	assert.Equal(t, []string{"internal/auth/session.go"}, hot.Files)

	concept, ok := byContent["Hot spot: concept:retry-budget (1 trails, scents: discovery)"]
	require.True(t, ok)
	assert.Equal(t, types.ImportanceNormal, concept.Importance)
	assert.Empty(t, concept.Files)
}
