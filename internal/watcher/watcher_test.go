package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hivemind/internal/blackboard"
	"hivemind/internal/paths"
	"hivemind/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestMonitor(t *testing.T) (*Monitor, *blackboard.Board) {
	t.Helper()
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	board, err := blackboard.New(layout.Coordination)
	require.NoError(t, err)
	return New(layout, board), board
}

func TestStopFileLifecycle(t *testing.T) {
	m, _ := newTestMonitor(t)

	assert.False(t, m.StopRequested())
	require.NoError(t, m.Stop())
	assert.True(t, m.StopRequested())

	state, err := m.GatherState()
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, m.Assess(state))

	require.NoError(t, m.ClearStop())
	assert.False(t, m.StopRequested())
	require.NoError(t, m.ClearStop()) // idempotent
}

func TestAssessHealthyAndStaleAgents(t *testing.T) {
	m, board := newTestMonitor(t)
	require.NoError(t, board.RegisterAgent("worker-1", "index files", nil, nil))

	state, err := m.GatherState()
	require.NoError(t, err)
	assert.Equal(t, StatusNominal, m.Assess(state))

	// Shift the monitor clock past the heartbeat threshold.
	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	state, err = m.GatherState()
	require.NoError(t, err)
	require.Len(t, state.Agents, 1)
	assert.True(t, state.Agents[0].Stale)
	assert.Equal(t, StatusStale, m.Assess(state))
}

func TestAssessCompleteWhenAllAgentsTerminal(t *testing.T) {
	m, board := newTestMonitor(t)
	require.NoError(t, board.RegisterAgent("worker-1", "a", nil, nil))
	require.NoError(t, board.RegisterAgent("worker-2", "b", nil, nil))
	require.NoError(t, board.UpdateAgentStatus("worker-1", types.AgentCompleted, "done"))
	require.NoError(t, board.UpdateAgentStatus("worker-2", types.AgentFailed, "crashed"))

	state, err := m.GatherState()
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, m.Assess(state))
}

func TestAssessBlockedAgentIsError(t *testing.T) {
	m, board := newTestMonitor(t)
	require.NoError(t, board.RegisterAgent("worker-1", "a", nil, nil))
	require.NoError(t, board.UpdateAgentStatus("worker-1", types.AgentBlocked, ""))

	state, err := m.GatherState()
	require.NoError(t, err)
	assert.Equal(t, StatusError, m.Assess(state))
}

func TestGatherStateListsAgentFiles(t *testing.T) {
	m, _ := newTestMonitor(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(m.layout.Coordination, "agent_worker-1.md"), []byte("progress"), 0o644))

	state, err := m.GatherState()
	require.NoError(t, err)
	require.Len(t, state.AgentFiles, 1)
	assert.Equal(t, "agent_worker-1.md", state.AgentFiles[0].Name)
}

func TestPassAppendsLogLine(t *testing.T) {
	m, _ := newTestMonitor(t)

	_, status, err := m.Pass()
	require.NoError(t, err)
	assert.Equal(t, StatusNominal, status)

	data, err := os.ReadFile(m.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "STATUS: nominal")
}

func TestWatchReactsToEventsAndStopFile(t *testing.T) {
	m, _ := newTestMonitor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	passes := make(chan Status, 16)
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, func(_ *State, s Status) {
			passes <- s
		})
	}()

	// Give the watcher time to register the directories.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(
		filepath.Join(m.layout.Coordination, "agent_w.md"), []byte("x"), 0o644))

	select {
	case s := <-passes:
		assert.Equal(t, StatusNominal, s)
	case <-time.After(5 * time.Second):
		t.Fatal("no pass after coordination activity")
	}

	// The stop file ends the watch loop.
	require.NoError(t, m.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not exit after stop")
	}
}

func TestStatusReportMentionsStopAndAgents(t *testing.T) {
	m, board := newTestMonitor(t)
	require.NoError(t, board.RegisterAgent("worker-1", "a", nil, nil))
	require.NoError(t, m.AppendLog(StatusNominal, "steady"))

	report := m.StatusReport()
	assert.Contains(t, report, "Stop requested: NO")
	assert.Contains(t, report, "Agents: 1")
	assert.Contains(t, report, "STATUS: nominal")
}
