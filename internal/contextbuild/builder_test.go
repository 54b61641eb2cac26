package contextbuild

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/config"
	"hivemind/internal/hiveerr"
	"hivemind/internal/paths"
	"hivemind/internal/store"
	"hivemind/internal/types"
)

func newTestBuilder(t *testing.T) (*Builder, *store.Store, paths.Layout) {
	t.Helper()
	layout := paths.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())

	s, err := store.New(layout.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := New(s, config.Default(), layout, nil)
	b.now = func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }
	return b, s, layout
}

func TestBuildRequiresTask(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	_, err := b.Build(Request{Task: "   "})
	assert.Error(t, err)
}

func TestMinimalDepthFiltersGoldenRulesAndReturnsEarly(t *testing.T) {
	b, s, layout := newTestBuilder(t)

	rules := "## core\n- never force-push shared branches\n## style\n- wrap at 100 cols\n"
	require.NoError(t, os.WriteFile(layout.GoldenRulesPath(), []byte(rules), 0o644))

	_, err := s.AddHeuristic("storage", "prefer batch writes", "", false, "")
	require.NoError(t, err)

	out, err := b.Build(Request{Task: "quick lookup", Depth: DepthMinimal})
	require.NoError(t, err)

	assert.Contains(t, out, "# Hive Context (minimal depth)")
	assert.Contains(t, out, "never force-push shared branches")
	assert.NotContains(t, out, "wrap at 100 cols")
	assert.NotContains(t, out, "## Relevant Heuristics")
}

func TestStandardBuildAssemblesTiers(t *testing.T) {
	b, s, layout := newTestBuilder(t)

	// Tier 0 project metadata fills the missing domain.
	project := "name: payments\ndomains: [storage]\n"
	require.NoError(t, os.WriteFile(filepath.Join(layout.Base, "project.yaml"), []byte(project), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.Base, "context.md"), []byte("Payments service notes."), 0o644))

	_, err := s.AddHeuristic("storage", "always use prepared statements", "", true, "")
	require.NoError(t, err)
	h, err := s.AddHeuristic("storage", "batch cache invalidations", "", false, "")
	require.NoError(t, err)
	h.TimesValidated = 8
	require.NoError(t, s.SaveHeuristic(h))

	_, err = s.AddLearning(&types.Learning{
		Type: types.LearningFailure, Title: "Cache eviction deadlock",
		Summary: "Eviction under write load deadlocked the cache shard.",
		Domain:  "storage", Severity: 4,
	})
	require.NoError(t, err)

	_, err = s.AddDecision(&types.Decision{
		Title: "Use write-through caching", Decision: "Write-through over write-back for payments.",
		Domain: "storage",
	})
	require.NoError(t, err)

	invID, err := s.AddInvariant(&types.Invariant{
		Statement: "ledger totals never go negative", Domain: "storage",
	})
	require.NoError(t, err)
	require.NoError(t, s.RecordInvariantViolation(invID))

	_, err = s.AddAssumption(&types.Assumption{
		Assumption: "cache TTL of 5m is acceptable", Confidence: 0.8, Source: "load test",
	})
	require.NoError(t, err)

	_, err = s.AddSpikeReport(&types.SpikeReport{
		Title: "Redis vs in-process cache", Topic: "caching",
		Findings: "In-process wins below 50k keys.", Domain: "storage", UsefulnessScore: 4.0,
	})
	require.NoError(t, err)

	out, err := b.Build(Request{Task: "fix cache eviction bug"})
	require.NoError(t, err)

	assert.Contains(t, out, "## Project: payments")
	assert.Contains(t, out, "Payments service notes.")
	assert.Contains(t, out, "## Golden Rules")
	assert.Contains(t, out, "always use prepared statements")
	assert.Contains(t, out, "## Similar Past Failures")
	assert.Contains(t, out, "Cache eviction deadlock")
	assert.Contains(t, out, "## Relevant Heuristics")
	assert.Contains(t, out, "batch cache invalidations")
	assert.Contains(t, out, "## Decisions (accepted)")
	assert.Contains(t, out, "[VIOLATED 1x] ledger totals never go negative")
	assert.Contains(t, out, "## Assumptions")
	assert.Contains(t, out, "[0.80] cache TTL of 5m is acceptable")
	assert.Contains(t, out, "## Spike Reports")
	assert.Contains(t, out, "## Recent Activity")
}

func TestSummariesTruncateByDepth(t *testing.T) {
	b, s, _ := newTestBuilder(t)

	long := strings.Repeat("a", 300)
	_, err := s.AddLearning(&types.Learning{
		Type: types.LearningObservation, Title: "Long note", Summary: long, Domain: "storage",
	})
	require.NoError(t, err)

	standard, err := b.Build(Request{Task: "inspect storage", Domain: "storage", Depth: DepthStandard})
	require.NoError(t, err)
	assert.Contains(t, standard, strings.Repeat("a", 100)+"...")
	assert.NotContains(t, standard, strings.Repeat("a", 150))

	deep, err := b.Build(Request{Task: "inspect storage", Domain: "storage", Depth: DepthDeep})
	require.NoError(t, err)
	assert.Contains(t, deep, strings.Repeat("a", 200)+"...")
}

func TestTagMatchedLearningsIncluded(t *testing.T) {
	b, s, _ := newTestBuilder(t)

	_, err := s.AddLearning(&types.Learning{
		Type: types.LearningSuccess, Title: "Retry with jitter fixed the stampede",
		Tags: "retry,backoff",
	})
	require.NoError(t, err)

	out, err := b.Build(Request{Task: "harden the client", Tags: []string{"backoff"}})
	require.NoError(t, err)
	assert.Contains(t, out, "Retry with jitter fixed the stampede")
}

func TestTightBudgetSkipsLaterTiers(t *testing.T) {
	b, s, _ := newTestBuilder(t)

	for i := 0; i < 10; i++ {
		_, err := s.AddLearning(&types.Learning{
			Type:    types.LearningObservation,
			Title:   "observation",
			Summary: strings.Repeat("detail ", 50),
			Domain:  "storage",
		})
		require.NoError(t, err)
	}

	out, err := b.Build(Request{Task: "small ask", Domain: "storage", MaxTokens: 120})
	require.NoError(t, err)
	assert.NotContains(t, out, "## Recent Activity")
}

func TestPendingReviewsListed(t *testing.T) {
	b, _, layout := newTestBuilder(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(layout.CEOInbox, "proposal-widen-cache.md"), []byte("x"), 0o644))

	out, err := b.Build(Request{Task: "review queue"})
	require.NoError(t, err)
	assert.Contains(t, out, "## Pending Reviews (1)")
	assert.Contains(t, out, "proposal-widen-cache.md")
}

func TestBuildRecordsAuditAndMetrics(t *testing.T) {
	b, s, _ := newTestBuilder(t)

	_, err := b.Build(Request{Task: "record the side effects please"})
	require.NoError(t, err)

	var audits int
	require.NoError(t, s.DB().QueryRow(
		`SELECT COUNT(*) FROM building_queries WHERE query_type = 'build_context'`).Scan(&audits))
	assert.Equal(t, 1, audits)

	var status string
	require.NoError(t, s.DB().QueryRow(
		`SELECT status FROM building_queries WHERE query_type = 'build_context'`).Scan(&status))
	assert.Equal(t, store.AuditSuccess, status)

	rows, err := s.DB().Query(`SELECT DISTINCT metric_name FROM metric_observations`)
	require.NoError(t, err)
	defer rows.Close()
	names := map[string]bool{}
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names[n] = true
	}
	require.NoError(t, rows.Err())
	for _, want := range []string{"avg_confidence", "validation_velocity", "contradiction_rate", "query_count"} {
		assert.True(t, names[want], want)
	}
}

func TestBuildTimesOutAndAuditsIt(t *testing.T) {
	b, s, _ := newTestBuilder(t)

	// The clock jumps past the 30s budget after validation.
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	b.now = func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(31 * time.Second)
	}

	_, err := b.Build(Request{Task: "slow knowledge assembly"})
	require.Error(t, err)
	assert.True(t, hiveerr.IsTimeout(err))

	var status string
	require.NoError(t, s.DB().QueryRow(
		`SELECT status FROM building_queries WHERE query_type = 'build_context'`).Scan(&status))
	assert.Equal(t, store.AuditTimeout, status)
}
