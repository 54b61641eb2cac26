package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/types"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), ".coordination"))
	require.NoError(t, err)
	return l
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	l := newTestLog(t)

	for i := 0; i < 5; i++ {
		seq, err := l.Append(EvAgentHeartbeat, map[string]interface{}{"agent_id": "a1"})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	events, err := l.Read(0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestConcurrentAppendsNoDuplicates(t *testing.T) {
	l := newTestLog(t)

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(EvAgentHeartbeat, map[string]interface{}{
					"agent_id": fmt.Sprintf("agent-%d", id),
				})
				if err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	events, err := l.Read(0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)

	seen := make(map[int64]bool)
	for _, ev := range events {
		assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
	}
	// Gap-free in nominal operation.
	for s := int64(1); s <= int64(writers*perWriter); s++ {
		assert.True(t, seen[s], "missing seq %d", s)
	}
}

func TestReadSkipsCorruptLines(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append(EvContextSet, map[string]interface{}{"key": "k", "value": "v"})
	require.NoError(t, err)

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{broken json|deadbeef\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.Append(EvContextSet, map[string]interface{}{"key": "k2", "value": "v2"})
	require.NoError(t, err)

	events, err := l.Read(0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, 1, l.SkippedLines())
}

func TestLegacyLinesWithoutChecksum(t *testing.T) {
	l := newTestLog(t)
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":1,"type":"agent.heartbeat","ts":"2026-01-01T00:00:00Z","data":{"agent_id":"a1"}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.Read(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EvAgentHeartbeat, events[0].Type)
}

func TestChecksumMismatchDropped(t *testing.T) {
	l := newTestLog(t)
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":1,"type":"agent.heartbeat","ts":"t","data":{}}|00000000` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := l.Read(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadSince(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 4; i++ {
		_, err := l.Append(EvAgentHeartbeat, map[string]interface{}{"agent_id": "a"})
		require.NoError(t, err)
	}
	events, err := l.Read(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
}

func TestCurrentStateFold(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append(EvAgentRegistered, map[string]interface{}{
		"agent_id": "scout", "task": "survey", "interests": []interface{}{"auth"},
	})
	require.NoError(t, err)
	_, err = l.Append(EvFindingAdded, map[string]interface{}{
		"agent_id": "scout", "type": "discovery", "content": "token cache is stale",
		"importance": "high",
	})
	require.NoError(t, err)
	_, err = l.Append(EvTaskAdded, map[string]interface{}{"task": "fix cache"})
	require.NoError(t, err)
	_, err = l.Append(EvTaskClaimed, map[string]interface{}{"id": "task-3", "agent_id": "scout"})
	require.NoError(t, err)
	_, err = l.Append(EvQuestionAsked, map[string]interface{}{
		"agent_id": "scout", "question": "invalidate on write?",
	})
	require.NoError(t, err)
	_, err = l.Append(EvContextSet, map[string]interface{}{"key": "phase", "value": "triage"})
	require.NoError(t, err)

	snap, err := l.CurrentState(true)
	require.NoError(t, err)

	require.Contains(t, snap.Agents, "scout")
	assert.Equal(t, types.AgentActive, snap.Agents["scout"].Status)

	require.Len(t, snap.Findings, 1)
	assert.Equal(t, "finding-2", snap.Findings[0].ID)
	assert.Equal(t, int64(2), snap.Findings[0].Seq)

	require.Len(t, snap.TaskQueue, 1)
	assert.Equal(t, types.TaskInProgress, snap.TaskQueue[0].Status)
	assert.Equal(t, 5, snap.TaskQueue[0].Priority)

	require.Len(t, snap.Questions, 1)
	assert.True(t, snap.Questions[0].Blocking)

	require.Contains(t, snap.Context, "phase")
	assert.Equal(t, "triage", snap.Context["phase"].Value)
}

func TestCurrentStateCacheInvalidation(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append(EvContextSet, map[string]interface{}{"key": "a", "value": 1})
	require.NoError(t, err)

	first, err := l.CurrentState(true)
	require.NoError(t, err)
	again, err := l.CurrentState(true)
	require.NoError(t, err)
	assert.Same(t, first, again, "cache should be reused while seq is unchanged")

	_, err = l.Append(EvContextSet, map[string]interface{}{"key": "b", "value": 2})
	require.NoError(t, err)
	after, err := l.CurrentState(true)
	require.NoError(t, err)
	assert.NotSame(t, first, after)
	assert.Contains(t, after.Context, "b")
}

func TestUnknownEventTypeSkipped(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append("galaxy.exploded", map[string]interface{}{})
	require.NoError(t, err)
	_, err = l.Append(EvContextSet, map[string]interface{}{"key": "k", "value": "v"})
	require.NoError(t, err)

	snap, err := l.CurrentState(false)
	require.NoError(t, err)
	assert.Contains(t, snap.Context, "k")
}
