package stepflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkflow(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "research")
	stepsDir := filepath.Join(dir, "steps")
	require.NoError(t, os.MkdirAll(stepsDir, 0o755))

	cfg := "name: research\ndescription: literature pass\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow.yaml"), []byte(cfg), 0o644))

	steps := map[string]string{
		"step-01-gather.md": "---\nestimated_minutes: 30\n---\nCollect the source material.\n",
		"step-02-draft.md":  "Draft the summary document.\n",
		"step-03-review.md": "Review and finalize.\n",
		"notes.md":          "not a step\n",
		"step-xx-bad.md":    "unnumbered, skipped\n",
	}
	for name, body := range steps {
		require.NoError(t, os.WriteFile(filepath.Join(stepsDir, name), []byte(body), 0o644))
	}
	return dir
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(dir)
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC) }
	return e
}

func TestOpenIndexesNumberedSteps(t *testing.T) {
	e := openTestEngine(t, writeWorkflow(t))

	assert.Equal(t, "research", e.Name())
	assert.Equal(t, 3, e.TotalSteps())
	require.NotNil(t, e.GetStep(2))
	assert.Nil(t, e.GetStep(4))
}

func TestStartWritesStateAndFirstInstructions(t *testing.T) {
	e := openTestEngine(t, writeWorkflow(t))

	res, err := e.Start()
	require.NoError(t, err)
	assert.Equal(t, "started", res.Status)
	assert.Equal(t, 1, res.Step)
	assert.Equal(t, 3, res.TotalSteps)
	assert.Contains(t, res.Instructions, "Collect the source material.")
	assert.NotContains(t, res.Instructions, "estimated_minutes")

	st := e.State()
	assert.Equal(t, StatusInProgress, st.WorkflowStatus)
	assert.Equal(t, "2026-07-01T08:00:00", st.Started)
}

func TestCompleteStepAdvancesAndCheckpoints(t *testing.T) {
	e := openTestEngine(t, writeWorkflow(t))
	_, err := e.Start()
	require.NoError(t, err)

	res, err := e.CompleteStep(1, "## Gathered\nTen papers.\n")
	require.NoError(t, err)
	assert.Equal(t, "step_completed", res.Status)
	assert.Equal(t, 2, res.NextStep)
	assert.Equal(t, []int{1}, res.Completed)
	assert.Contains(t, res.Instructions, "Draft the summary document.")

	st := e.State()
	assert.Equal(t, 2, st.CurrentStep)
	require.Len(t, st.Checkpoints, 1)
	assert.Equal(t, 1, st.Checkpoints[0].Step)

	data, err := os.ReadFile(e.OutputPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "## Gathered")
}

func TestLastStepCompletesWorkflow(t *testing.T) {
	e := openTestEngine(t, writeWorkflow(t))
	_, err := e.Start()
	require.NoError(t, err)

	for _, n := range []int{1, 2} {
		_, err := e.CompleteStep(n, "")
		require.NoError(t, err)
	}
	res, err := e.CompleteStep(3, "done\n")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	assert.Equal(t, StatusCompleted, e.State().WorkflowStatus)
	assert.False(t, e.CanResume())
}

func TestPauseAndResume(t *testing.T) {
	e := openTestEngine(t, writeWorkflow(t))
	_, err := e.Start()
	require.NoError(t, err)
	_, err = e.CompleteStep(1, "")
	require.NoError(t, err)

	res, err := e.Pause("waiting on dataset access")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, res.Status)
	assert.Equal(t, "waiting on dataset access", e.State().PauseReason)
	assert.True(t, e.CanResume())

	resumed, err := e.Resume(0)
	require.NoError(t, err)
	assert.Equal(t, "resumed", resumed.Status)
	assert.Equal(t, 2, resumed.Step)
	assert.Contains(t, resumed.Instructions, "Draft the summary document.")
}

func TestResumeOnFreshWorkflowStarts(t *testing.T) {
	e := openTestEngine(t, writeWorkflow(t))
	res, err := e.Resume(0)
	require.NoError(t, err)
	assert.Equal(t, "started", res.Status)
}

func TestResumePastEndReportsCompleted(t *testing.T) {
	e := openTestEngine(t, writeWorkflow(t))
	res, err := e.Resume(9)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestUnknownStepIsValidationError(t *testing.T) {
	e := openTestEngine(t, writeWorkflow(t))
	_, err := e.Start()
	require.NoError(t, err)
	_, err = e.CompleteStep(9, "")
	assert.Error(t, err)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := writeWorkflow(t)
	e := openTestEngine(t, dir)
	_, err := e.Start()
	require.NoError(t, err)
	_, err = e.CompleteStep(1, "partial output\n")
	require.NoError(t, err)

	reopened := openTestEngine(t, dir)
	assert.True(t, reopened.CanResume())
	sum := reopened.StatusSummary()
	assert.Equal(t, StatusInProgress, sum.Status)
	assert.Equal(t, 1, sum.CompletedSteps)
	assert.Equal(t, 2, sum.NextStep)
}

func TestListWorkflows(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"alpha", "beta"} {
		dir := filepath.Join(base, name)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "steps"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow.yaml"),
			[]byte("name: "+name+"\n"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(base, "not-a-workflow"), 0o755))

	summaries := ListWorkflows(base)
	require.Len(t, summaries, 2)
}
