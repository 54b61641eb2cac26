package blackboard

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/types"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	b, err := New(filepath.Join(t.TempDir(), ".coordination"))
	require.NoError(t, err)
	return b
}

func TestClaimConflictBetweenAgents(t *testing.T) {
	b := newTestBoard(t)

	chainA, err := b.ClaimChain("agent-a", []string{"src/x.go", "src/y.go"}, "refactor", 30)
	require.NoError(t, err)
	require.Equal(t, types.ChainActive, chainA.Status)

	_, err = b.ClaimChain("agent-b", []string{"src/y.go", "src/z.go"}, "fix", 30)
	require.Error(t, err)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, []string{"src/y.go"}, blocked.Conflicts)
	require.Len(t, blocked.BlockingChains, 1)
	assert.Equal(t, chainA.ChainID, blocked.BlockingChains[0].ChainID)

	released, err := b.ReleaseChain(chainA.ChainID, "agent-a")
	require.NoError(t, err)
	assert.True(t, released)

	chainB, err := b.ClaimChain("agent-b", []string{"src/y.go", "src/z.go"}, "fix", 30)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/y.go", "src/z.go"}, chainB.Files)
}

func TestSameAgentOverlapAllowed(t *testing.T) {
	b := newTestBoard(t)

	_, err := b.ClaimChain("agent-a", []string{"pkg/a.go"}, "first", 30)
	require.NoError(t, err)
	second, err := b.ClaimChain("agent-a", []string{"pkg/a.go", "pkg/b.go"}, "second", 30)
	require.NoError(t, err)
	assert.Equal(t, types.ChainActive, second.Status)

	chains, err := b.AgentChains("agent-a")
	require.NoError(t, err)
	assert.Len(t, chains, 2)
}

func TestChainOwnershipEnforced(t *testing.T) {
	b := newTestBoard(t)

	chain, err := b.ClaimChain("agent-a", []string{"main.go"}, "edit", 30)
	require.NoError(t, err)

	done, err := b.CompleteChain(chain.ChainID, "agent-b")
	require.NoError(t, err)
	assert.False(t, done, "non-owner must not complete the chain")

	holder, err := b.ClaimForFile("./main.go")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "agent-a", holder.AgentID)

	done, err = b.CompleteChain(chain.ChainID, "agent-a")
	require.NoError(t, err)
	assert.True(t, done)

	holder, err = b.ClaimForFile("main.go")
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestStaleChainsExpireLazily(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".coordination")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	state := types.NewSnapshot()
	state.ClaimChains = append(state.ClaimChains, &types.ClaimChain{
		ChainID:   "chain-dead1234",
		AgentID:   "agent-a",
		Files:     []string{"src/x.go"},
		ClaimedAt: past,
		ExpiresAt: past,
		Status:    types.ChainActive,
	})
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotName), data, 0o644))

	b, err := New(dir)
	require.NoError(t, err)

	// The stale chain no longer blocks a new claim.
	chain, err := b.ClaimChain("agent-b", []string{"src/x.go"}, "takeover", 30)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", chain.AgentID)

	old, err := b.AgentChains("agent-a")
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, types.ChainExpired, old[0].Status)
}

func TestTaskClaimHonorsPriorityAndDependencies(t *testing.T) {
	b := newTestBoard(t)

	lowID, err := b.AddTask("low priority work", 2, nil)
	require.NoError(t, err)
	highID, err := b.AddTask("high priority work", 9, nil)
	require.NoError(t, err)
	blockedID, err := b.AddTask("depends on high", 10, []string{highID})
	require.NoError(t, err)

	first, err := b.ClaimTask("agent-a")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, highID, first.ID, "dependency-blocked task must be skipped despite higher priority")

	require.NoError(t, b.CompleteTask(highID))

	second, err := b.ClaimTask("agent-a")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, blockedID, second.ID)

	third, err := b.ClaimTask("agent-b")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, lowID, third.ID)

	none, err := b.ClaimTask("agent-b")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCompleteTaskRequiresInProgress(t *testing.T) {
	b := newTestBoard(t)

	id, err := b.AddTask("work", 5, nil)
	require.NoError(t, err)
	err = b.CompleteTask(id)
	require.Error(t, err, "pending task cannot be completed directly")

	_, err = b.ClaimTask("agent-a")
	require.NoError(t, err)
	require.NoError(t, b.CompleteTask(id))
}

func TestCorruptSnapshotResetsToDefault(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.RegisterAgent("agent-a", "explore", nil, nil))

	require.NoError(t, os.WriteFile(b.Path(), []byte("{not json"), 0o644))

	s, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, s.Agents)
	assert.Equal(t, 1, s.Version)

	// The board stays usable after the reset.
	require.NoError(t, b.RegisterAgent("agent-b", "rebuild", nil, nil))
	s, err = b.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, s.Agents, "agent-b")
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	b := newTestBoard(t)
	for i := 0; i < 5; i++ {
		_, err := b.AddFinding("agent-a", types.FindingNote, "note", nil, "", nil)
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(filepath.Dir(b.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestCursorClampAndDelta(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.RegisterAgent("agent-a", "watch", nil, nil))

	for i := 0; i < 3; i++ {
		_, err := b.AddFinding("agent-b", types.FindingDiscovery, "found something", nil, "", nil)
		require.NoError(t, err)
	}

	require.NoError(t, b.UpdateAgentCursor("agent-a", 99))
	cursor, err := b.AgentCursor("agent-a")
	require.NoError(t, err)
	assert.Equal(t, 3, cursor, "cursor clamps to the findings count")

	require.NoError(t, b.UpdateAgentCursor("agent-a", 1))
	delta, next, err := b.FindingsSinceCursor(1)
	require.NoError(t, err)
	assert.Len(t, delta, 2)
	assert.Equal(t, 3, next)
}

func TestMessagesBroadcastAndUnread(t *testing.T) {
	b := newTestBoard(t)

	direct, err := b.SendMessage("agent-a", "agent-b", types.MessageInfo, "for b only")
	require.NoError(t, err)
	_, err = b.SendMessage("agent-a", "*", types.MessageWarning, "everyone")
	require.NoError(t, err)

	msgs, err := b.MessagesFor("agent-b", false)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = b.MessagesFor("agent-c", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "everyone", msgs[0].Content)

	require.NoError(t, b.MarkMessageRead(direct))
	unread, err := b.MessagesFor("agent-b", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "everyone", unread[0].Content)
}

func TestSearchFindingsAllTermsNewestFirst(t *testing.T) {
	b := newTestBoard(t)

	_, err := b.AddFinding("agent-a", types.FindingFact, "the parser rejects empty input", nil, "", []string{"parser"})
	require.NoError(t, err)
	_, err = b.AddFinding("agent-a", types.FindingFact, "parser handles unicode input", []string{"internal/parser/parse.go"}, "", nil)
	require.NoError(t, err)
	_, err = b.AddFinding("agent-a", types.FindingFact, "unrelated cache note", nil, "", nil)
	require.NoError(t, err)

	out, err := b.SearchFindings("parser input", 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "finding-2", out[0].ID, "results are newest first")

	out, err = b.SearchFindings("parser cache", 0)
	require.NoError(t, err)
	assert.Empty(t, out, "every term must match")
}

func TestReplayReproducesSnapshot(t *testing.T) {
	b := newTestBoard(t)

	require.NoError(t, b.RegisterAgent("agent-a", "build feature", []string{"src/"}, []string{"auth"}))
	_, err := b.AddFinding("agent-a", types.FindingDiscovery, "auth middleware exists", []string{"src/auth.go"}, types.ImportanceHigh, []string{"auth"})
	require.NoError(t, err)
	msgID, err := b.SendMessage("agent-a", "*", types.MessageInfo, "starting work")
	require.NoError(t, err)
	require.NoError(t, b.MarkMessageRead(msgID))
	taskID, err := b.AddTask("wire sessions", 7, nil)
	require.NoError(t, err)
	_, err = b.ClaimTask("agent-a")
	require.NoError(t, err)
	require.NoError(t, b.CompleteTask(taskID))
	qID, err := b.AskQuestion("agent-a", "which hash algorithm?", []string{"argon2", "bcrypt"}, true)
	require.NoError(t, err)
	require.NoError(t, b.AnswerQuestion(qID, "argon2", "agent-lead"))
	require.NoError(t, b.SetContext("build_target", "linux"))
	require.NoError(t, b.UpdateAgentStatus("agent-a", types.AgentCompleted, "done"))

	snap, err := b.Snapshot()
	require.NoError(t, err)
	replayed, err := b.EventLog().CurrentState(false)
	require.NoError(t, err)

	diff := cmp.Diff(snap, replayed,
		cmpopts.IgnoreFields(types.Snapshot{}, "Version", "CreatedAt", "UpdatedAt", "ClaimChains"),
		cmpopts.IgnoreFields(types.Agent{}, "StartedAt", "LastSeen"),
		cmpopts.IgnoreFields(types.Finding{}, "Seq", "Timestamp"),
		cmpopts.IgnoreFields(types.Message{}, "Timestamp"),
		cmpopts.IgnoreFields(types.Task{}, "CreatedAt", "ClaimedAt", "CompletedAt"),
		cmpopts.IgnoreFields(types.Question{}, "AskedAt", "AnsweredAt"),
		cmpopts.IgnoreFields(types.ContextValue{}, "UpdatedAt"),
	)
	assert.Empty(t, diff, "event replay must reproduce the snapshot")
}

func TestResetRestoresDefaultState(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.RegisterAgent("agent-a", "x", nil, nil))
	require.NoError(t, b.Reset())

	s, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, s.Agents)
	assert.Empty(t, s.Findings)
	assert.Empty(t, s.TaskQueue)
}
