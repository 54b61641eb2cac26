package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchemaAndReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.db")

	s, err := New(path)
	require.NoError(t, err)
	h, err := s.AddHeuristic("go-testing", "prefer table tests", "", false, "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetHeuristic(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "prefer table tests", got.Rule)
}

func TestAddHeuristicDefaults(t *testing.T) {
	s := newTestStore(t)
	h, err := s.AddHeuristic("go-errors", "wrap errors with context", "callers need the chain", false, "")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, h.Confidence, 1e-9)
	assert.InDelta(t, 0.5, h.ConfidenceEMA, 1e-9)
	assert.InDelta(t, 0.30, h.EMAAlpha, 1e-9)
	assert.Equal(t, 5, h.EMAWarmupRemaining)
	assert.Equal(t, types.HeuristicActive, h.Status)
	assert.False(t, h.IsGolden)
}

func TestDomainValidation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddHeuristic("", "rule", "", false, "")
	require.Error(t, err)
	assert.True(t, hiveerr.IsValidation(err))

	_, err = s.AddHeuristic("bad domain!", "rule", "", false, "")
	require.Error(t, err)
	assert.True(t, hiveerr.IsValidation(err))

	_, err = s.AddHeuristic("ok-domain_v1.2", "rule", "", false, "")
	assert.NoError(t, err)
}

func TestQueryHeuristicsFiltersAndEscapesLike(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddHeuristic("sql", "use 100% parameterized queries", "", false, "")
	require.NoError(t, err)
	_, err = s.AddHeuristic("sql", "avoid string concatenation", "", false, "")
	require.NoError(t, err)
	_, err = s.AddHeuristic("http", "set timeouts on clients", "", false, "")
	require.NoError(t, err)

	out, err := s.QueryHeuristics(HeuristicQuery{Domain: "sql"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	// A literal % must not act as a wildcard.
	out, err = s.QueryHeuristics(HeuristicQuery{Search: "100%"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Rule, "parameterized")

	out, err = s.QueryHeuristics(HeuristicQuery{Search: "100%x"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGoldenRulesScopedByDomain(t *testing.T) {
	s := newTestStore(t)
	g, err := s.AddHeuristic("safety", "never force-push shared branches", "", true, "")
	require.NoError(t, err)
	_, err = s.AddHeuristic("safety", "plain rule", "", false, "")
	require.NoError(t, err)

	out, err := s.GoldenRules("safety")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, g.ID, out[0].ID)

	require.NoError(t, s.SetGolden(g.ID, false))
	out, err = s.GoldenRules("")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCountActiveExcludesGolden(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddHeuristic("d1", "rule a", "", false, "")
	require.NoError(t, err)
	_, err = s.AddHeuristic("d1", "rule b", "", true, "")
	require.NoError(t, err)

	n, err := s.CountActive("d1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConfidenceUpdateTrail(t *testing.T) {
	s := newTestStore(t)
	h, err := s.AddHeuristic("d1", "rule", "", false, "")
	require.NoError(t, err)

	require.NoError(t, s.RecordConfidenceUpdate(&ConfidenceUpdate{
		HeuristicID: h.ID, UpdateType: types.UpdateSuccess,
		OldConfidence: 0.5, NewConfidence: 0.515, RawConfidence: 0.55, AlphaUsed: 0.30,
	}))
	require.NoError(t, s.RecordConfidenceUpdate(&ConfidenceUpdate{
		HeuristicID: h.ID, UpdateType: types.UpdateFailure,
		OldConfidence: 0.515, NewConfidence: 0.50,
	}))

	updates, err := s.ConfidenceUpdates(h.ID, "")
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, types.UpdateSuccess, updates[0].UpdateType)
	assert.Equal(t, types.UpdateFailure, updates[1].UpdateType)
}

func TestDomainLimitsDefaultAndOverride(t *testing.T) {
	s := newTestStore(t)
	soft, hard, err := s.DomainLimits("d1", 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, soft)
	assert.Equal(t, 10, hard)

	require.NoError(t, s.SetDomainLimits("d1", 8, 16))
	soft, hard, err = s.DomainLimits("d1", 5, 10)
	require.NoError(t, err)
	assert.Equal(t, 8, soft)
	assert.Equal(t, 16, hard)

	err = s.SetDomainLimits("d1", 10, 5)
	require.Error(t, err)
	assert.True(t, hiveerr.IsValidation(err))
}

func TestRevivalTriggers(t *testing.T) {
	s := newTestStore(t)
	h, err := s.AddHeuristic("d1", "dormant rule", "", false, "")
	require.NoError(t, err)
	h.Status = types.HeuristicDormant
	h.DormantSince = "2026-03-01T12:00:00Z"
	require.NoError(t, s.SaveHeuristic(h))
	require.NoError(t, s.SetRevivalTriggers(h.ID, []string{"cache", "eviction"}, 90))

	// Keyword triggers match as substrings of the lowered context.
	ids, err := s.RevivalCandidates("the eviction policy misfired", "2026-03-02T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, []int64{h.ID}, ids)

	ids, err = s.RevivalCandidates("cached responses went stale", "2026-03-02T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, []int64{h.ID}, ids, "keyword matches inside larger words")

	ids, err = s.RevivalCandidates("nothing relevant here", "2026-03-02T12:00:00Z")
	require.NoError(t, err)
	assert.Empty(t, ids)

	// The time-period trigger fires once enough dormancy has elapsed,
	// regardless of the context text.
	ids, err = s.RevivalCandidates("nothing relevant here", "2026-06-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, []int64{h.ID}, ids)
}

func TestAlertIdempotencyAndLifecycle(t *testing.T) {
	s := newTestStore(t)
	id, created, err := s.RaiseAlert("anomaly", "confidence_rate", "high", "z-score 4.2")
	require.NoError(t, err)
	assert.True(t, created)

	id2, created2, err := s.RaiseAlert("anomaly", "confidence_rate", "high", "dup")
	require.NoError(t, err)
	assert.False(t, created2, "same (type, metric) must not duplicate while open")
	assert.Equal(t, id, id2)

	require.NoError(t, s.AdvanceAlert(id, "active"))
	require.NoError(t, s.AdvanceAlert(id, "acknowledged"))
	require.NoError(t, s.AdvanceAlert(id, "resolved"))

	// Once resolved, a fresh alert may be raised.
	_, created3, err := s.RaiseAlert("anomaly", "confidence_rate", "high", "again")
	require.NoError(t, err)
	assert.True(t, created3)

	err = s.AdvanceAlert(id, "active")
	assert.Error(t, err, "resolved alerts cannot reopen")
}

func TestRaiseAlertRefreshesOpenDuplicate(t *testing.T) {
	s := newTestStore(t)
	id, created, err := s.RaiseAlert("anomaly", "avg_confidence", "warning", "first sighting")
	require.NoError(t, err)
	require.True(t, created)

	id2, created2, err := s.RaiseAlert("anomaly", "avg_confidence", "critical", "still happening")
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, id, id2)

	open, err := s.OpenAlerts()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "still happening", open[0].Message)
	assert.Equal(t, "critical", open[0].Severity)
	assert.NotEmpty(t, open[0].LastSeen)
}

func TestRecordAlertOutcomeCountsPerMetric(t *testing.T) {
	s := newTestStore(t)
	id, _, err := s.RaiseAlert("anomaly", "contradiction_rate", "warning", "spike")
	require.NoError(t, err)

	require.NoError(t, s.RecordAlertOutcome(id, true))
	require.NoError(t, s.RecordAlertOutcome(id, true))
	require.NoError(t, s.RecordAlertOutcome(id, false))

	tp, fp, err := s.AlertOutcomeCounts("contradiction_rate")
	require.NoError(t, err)
	assert.Equal(t, 2, tp)
	assert.Equal(t, 1, fp)

	tp, fp, err = s.AlertOutcomeCounts("validation_velocity")
	require.NoError(t, err)
	assert.Zero(t, tp)
	assert.Zero(t, fp)

	err = s.RecordAlertOutcome(9999, true)
	require.Error(t, err)
	assert.True(t, hiveerr.IsValidation(err))
}

func TestAuditQueryRecordsStatus(t *testing.T) {
	s := newTestStore(t)
	s.AuditQuery("build_context", "d1", "refactor the parser", 4, 12, AuditSuccess)
	s.AuditQuery("build_context", "d1", "slow build", 1, 31000, AuditTimeout)

	rows, err := s.DB().Query(`SELECT status FROM building_queries ORDER BY id ASC`)
	require.NoError(t, err)
	defer rows.Close()
	var statuses []string
	for rows.Next() {
		var st string
		require.NoError(t, rows.Scan(&st))
		statuses = append(statuses, st)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{AuditSuccess, AuditTimeout}, statuses)
}

func TestDomainElasticityRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.DomainElasticity("d1", 5, 10, 14)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.SoftLimit)
	assert.Equal(t, 10, rec.HardLimit)
	assert.Equal(t, "normal", rec.State)
	assert.Equal(t, 10, rec.EffectiveLimit())

	rec.CEOOverrideLimit = 15
	rec.State = "overflow"
	rec.OverflowEnteredAt = "2026-03-01T12:00:00Z"
	require.NoError(t, s.SaveDomainElasticity(rec))

	got, err := s.DomainElasticity("d1", 5, 10, 14)
	require.NoError(t, err)
	assert.Equal(t, 15, got.EffectiveLimit())
	assert.Equal(t, "overflow", got.State)
	assert.Equal(t, "2026-03-01T12:00:00Z", got.OverflowEnteredAt)
}

func TestAssumptionInvalidatedAfterThreeChallenges(t *testing.T) {
	s := newTestStore(t)
	id, err := s.AddAssumption(&types.Assumption{Assumption: "the API is idempotent"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.VerifyAssumption(id, false))
	}
	var status string
	require.NoError(t, s.DB().QueryRow(`SELECT status FROM assumptions WHERE id = ?`, id).Scan(&status))
	assert.Equal(t, "invalidated", status)
}

func TestSearchLearningsAllTermsMustMatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddLearning(&types.Learning{
		Type: types.LearningFailure, Title: "retry storm on deploy",
		Summary: "exponential backoff missing", Tags: "deploy,retry",
	})
	require.NoError(t, err)
	_, err = s.AddLearning(&types.Learning{
		Type: types.LearningSuccess, Title: "deploy pipeline green",
	})
	require.NoError(t, err)

	out, err := s.SearchLearnings("deploy retry", "", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "retry storm on deploy", out[0].Title)
}

func TestClampLimitAndTokenBounds(t *testing.T) {
	assert.Equal(t, 20, ClampLimit(0, 20))
	assert.Equal(t, 1, ClampLimit(-5, 20))
	assert.Equal(t, 1000, ClampLimit(5000, 20))

	assert.NoError(t, ValidateMaxTokens(50000))
	assert.Error(t, ValidateMaxTokens(50001))
}
