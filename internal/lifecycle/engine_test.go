package lifecycle

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/config"
	"hivemind/internal/store"
	"hivemind/internal/types"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time        { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeClock) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(s, config.Default(), nil)
	e.now = clock.now
	return e, s, clock
}

func addHeuristic(t *testing.T, s *store.Store, domain string) *types.Heuristic {
	t.Helper()
	h, err := s.AddHeuristic(domain, "prefer small interfaces over large ones", "", false, "")
	require.NoError(t, err)
	return h
}

func TestRawTargets(t *testing.T) {
	cases := []struct {
		update types.UpdateType
		conf   float64
		want   float64
	}{
		{types.UpdateSuccess, 0.50, 0.55},
		{types.UpdateSuccess, 0.95, 0.95},
		{types.UpdateFailure, 0.50, 0.45},
		{types.UpdateFailure, 0.05, 0.05},
		{types.UpdateContradiction, 0.50, 0.425},
		{types.UpdateDecay, 0.50, 0.46},
		{types.UpdateDecay, 0.05, 0.05},
		{types.UpdateRevival, 0.10, 0.35},
		{types.UpdateRevival, 0.60, 0.60},
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, rawTarget(c.conf, c.update), 1e-9,
			"%s from %.2f", c.update, c.conf)
	}
}

func TestSuccessSmoothedThroughWarmupAlpha(t *testing.T) {
	e, s, _ := newTestEngine(t)
	h := addHeuristic(t, s, "go-api")

	res, err := e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{Reason: "worked"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	// raw = 0.55, alpha = 0.30 during warmup: 0.3*0.55 + 0.7*0.5
	assert.InDelta(t, 0.30, res.Alpha, 1e-9)
	assert.InDelta(t, 0.515, res.NewConfidence, 1e-9)

	got, err := s.GetHeuristic(h.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesValidated)
	assert.Equal(t, 4, got.EMAWarmupRemaining)
}

func TestDecayBypassesSmoothing(t *testing.T) {
	e, s, _ := newTestEngine(t)
	h := addHeuristic(t, s, "go-api")

	res, err := e.ApplyOutcome(h.ID, types.UpdateDecay, Outcome{Reason: "maintenance"})
	require.NoError(t, err)
	assert.InDelta(t, 0.46, res.NewConfidence, 1e-9)
	assert.Zero(t, res.Alpha)
}

func TestDailyRateLimitAndCooldown(t *testing.T) {
	e, s, clock := newTestEngine(t)
	h := addHeuristic(t, s, "go-api")

	res, err := e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// Within the cooldown window the update is swallowed, not errored.
	res, err = e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
	require.NoError(t, err)
	assert.True(t, res.RateLimited)
	assert.Equal(t, res.OldConfidence, res.NewConfidence)

	for i := 0; i < 4; i++ {
		clock.advance(61 * time.Minute)
		res, err = e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
		require.NoError(t, err)
		assert.True(t, res.Applied, "update %d within daily budget", i+2)
	}

	// Sixth update of the day is over budget even after the cooldown.
	clock.advance(61 * time.Minute)
	res, err = e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
	require.NoError(t, err)
	assert.True(t, res.RateLimited)

	// A new day resets the budget.
	clock.advance(24 * time.Hour)
	res, err = e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestMaintenanceMovesAreNeverRateLimited(t *testing.T) {
	e, s, _ := newTestEngine(t)
	h := addHeuristic(t, s, "go-api")

	for i := 0; i < 10; i++ {
		res, err := e.ApplyOutcome(h.ID, types.UpdateDecay, Outcome{})
		require.NoError(t, err)
		assert.True(t, res.Applied)
	}
}

func TestDeprecationByContradictionRate(t *testing.T) {
	e, s, clock := newTestEngine(t)
	h := addHeuristic(t, s, "go-api")

	// 6 validations then 4 contradictions: at the 4th contradiction the
	// rate is 4/10 > 0.30 with 10 applications.
	var res *UpdateResult
	var err error
	for i := 0; i < 6; i++ {
		clock.advance(25 * time.Hour)
		res, err = e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
		require.NoError(t, err)
		require.True(t, res.Applied)
	}
	for i := 0; i < 4; i++ {
		clock.advance(25 * time.Hour)
		res, err = e.ApplyOutcome(h.ID, types.UpdateContradiction, Outcome{})
		require.NoError(t, err)
		require.True(t, res.Applied)
	}
	assert.True(t, res.Deprecated)

	got, err := s.GetHeuristic(h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HeuristicDeprecated, got.Status)

	_, err = e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
	assert.Error(t, err, "deprecated heuristics reject further updates")
}

func TestGoldenImmuneToDeprecation(t *testing.T) {
	e, s, clock := newTestEngine(t)
	h, err := s.AddHeuristic("safety", "never delete user data without backup", "", true, "")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		clock.advance(25 * time.Hour)
		res, err := e.ApplyOutcome(h.ID, types.UpdateContradiction, Outcome{})
		require.NoError(t, err)
		require.True(t, res.Applied)
		assert.False(t, res.Deprecated)
	}
	got, err := s.GetHeuristic(h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HeuristicActive, got.Status)
}

func TestConfidenceNeverLeavesBounds(t *testing.T) {
	e, s, clock := newTestEngine(t)
	h := addHeuristic(t, s, "go-api")

	for i := 0; i < 40; i++ {
		clock.advance(25 * time.Hour)
		res, err := e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
		require.NoError(t, err)
		assert.LessOrEqual(t, res.NewConfidence, 0.95)
	}
	for i := 0; i < 60; i++ {
		res, err := e.ApplyOutcome(h.ID, types.UpdateDecay, Outcome{})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.NewConfidence, 0.05)
	}
}

func TestRevivalRestoresFloorAndStatus(t *testing.T) {
	e, s, _ := newTestEngine(t)
	h := addHeuristic(t, s, "go-api")

	// Crush confidence, then park it.
	for i := 0; i < 30; i++ {
		_, err := e.ApplyOutcome(h.ID, types.UpdateDecay, Outcome{})
		require.NoError(t, err)
	}
	require.NoError(t, e.MarkDormant(h.ID, "unused"))

	revived, err := e.ScanForRevival("debugging small interfaces again today")
	require.NoError(t, err)
	require.Equal(t, []int64{h.ID}, revived)

	got, err := s.GetHeuristic(h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HeuristicActive, got.Status)
	assert.Equal(t, 1, got.TimesRevived)
	assert.GreaterOrEqual(t, got.Confidence, 0.35)
	assert.Empty(t, got.DormantSince)
}

func TestExtractKeywords(t *testing.T) {
	kws := extractKeywords("always use the context package for cancellation, context deadlines matter")
	assert.Contains(t, kws, "context")
	assert.NotContains(t, kws, "the")
	assert.NotContains(t, kws, "use")
	assert.LessOrEqual(t, len(kws), 5)
}

func TestJaccardSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, jaccard("prefer small interfaces", "prefer small interfaces"), 1e-9)
	assert.InDelta(t, 0.0, jaccard("alpha beta", "gamma delta"), 1e-9)
	assert.InDelta(t, 0.5, jaccard("alpha beta gamma", "alpha beta delta"), 1e-9)
}

func TestMergeKeepsMoreValidatedSide(t *testing.T) {
	e, s, _ := newTestEngine(t)
	a, err := s.AddHeuristic("go-api", "validate input at the boundary", "boundary checks", false, "")
	require.NoError(t, err)
	b, err := s.AddHeuristic("go-api", "validate input at the edge boundary", "edge checks", false, "")
	require.NoError(t, err)

	b.TimesValidated = 5
	b.Confidence = 0.8
	require.NoError(t, s.SaveHeuristic(b))
	a.TimesValidated = 1
	a.Confidence = 0.4
	require.NoError(t, s.SaveHeuristic(a))

	ga, _ := s.GetHeuristic(a.ID)
	gb, _ := s.GetHeuristic(b.ID)
	kept, err := e.Merge(MergeCandidate{A: ga, B: gb, Similarity: 0.7})
	require.NoError(t, err)
	assert.Equal(t, b.ID, kept.ID)
	// Validation-weighted mean: (0.8*6 + 0.4*2) / 8
	assert.InDelta(t, 0.70, kept.Confidence, 1e-9)
	assert.Equal(t, 6, kept.TimesValidated)
	assert.Contains(t, kept.Explanation, "|")

	archived, err := s.GetHeuristic(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HeuristicArchived, archived.Status)
}

func TestAdmissionBelowSoftLimitIsUnconditional(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for i := 0; i < 5; i++ {
		h, adm, err := e.AdmitHeuristic("d1", "rule variant "+string(rune('a'+i)), "")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.True(t, adm.Allowed)
	}
}

func TestAdmissionAboveSoftRequiresNovelty(t *testing.T) {
	e, _, _ := newTestEngine(t)
	rules := []string{
		"cache invalidation needs explicit versioning",
		"database migrations must be reversible",
		"http handlers should set deadlines",
		"metrics need stable label sets",
		"queues require dead letter handling",
	}
	for _, r := range rules {
		_, adm, err := e.AdmitHeuristic("d1", r, "")
		require.NoError(t, err)
		require.True(t, adm.Allowed)
	}

	// Sixth rule that near-duplicates an incumbent is refused.
	h, adm, err := e.AdmitHeuristic("d1", "cache invalidation needs explicit careful versioning", "")
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.False(t, adm.Allowed)
	assert.Less(t, adm.Novelty, 0.60)

	// A genuinely novel rule is admitted above the soft limit.
	h, adm, err = e.AdmitHeuristic("d1", "config parsing should reject unknown keys", "")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, adm.Allowed)
}

func TestHardLimitEvictsLowestValueIncumbent(t *testing.T) {
	e, s, _ := newTestEngine(t)
	require.NoError(t, s.SetDomainLimits("d1", 1, 2))

	first, adm, err := e.AdmitHeuristic("d1", "keep transactions short", "")
	require.NoError(t, err)
	require.True(t, adm.Allowed)
	_, adm, err = e.AdmitHeuristic("d1", "index foreign key columns", "")
	require.NoError(t, err)
	require.True(t, adm.Allowed)

	// At the hard limit: admission evicts the weakest incumbent.
	h, adm, err := e.AdmitHeuristic("d1", "batch writes under contention", "")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, adm.Allowed)
	assert.NotZero(t, adm.EvictedID)

	evicted, err := s.GetHeuristic(adm.EvictedID)
	require.NoError(t, err)
	assert.Equal(t, types.HeuristicDormant, evicted.Status)
	_ = first
}

func TestForceBypassesRateChecksButStillAudits(t *testing.T) {
	e, s, clock := newTestEngine(t)
	h := addHeuristic(t, s, "go-api")

	for i := 0; i < 5; i++ {
		res, err := e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
		require.NoError(t, err)
		require.True(t, res.Applied)
		clock.advance(61 * time.Minute)
	}

	// Sixth update of the day: swallowed normally, applied when forced.
	res, err := e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{})
	require.NoError(t, err)
	require.True(t, res.RateLimited)

	res, err = e.ApplyOutcome(h.ID, types.UpdateSuccess, Outcome{
		Reason: "manual correction", SessionID: "s-42", AgentID: "reviewer", Force: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.RateLimited)

	updates, err := s.ConfidenceUpdates(h.ID, "")
	require.NoError(t, err)
	require.Len(t, updates, 6, "forced update still lands in the audit trail")
	last := updates[len(updates)-1]
	assert.Equal(t, "manual correction", last.Reason)
	assert.Equal(t, "s-42", last.SessionID)
	assert.Equal(t, "reviewer", last.AgentID)
}

func TestDecayBelowFloorGoesDormant(t *testing.T) {
	e, s, clock := newTestEngine(t)
	h := addHeuristic(t, s, "d1")
	h.Confidence = 0.21
	h.LastUsedAt = clock.now().Add(-20 * 24 * time.Hour).Format(time.RFC3339)
	require.NoError(t, s.SaveHeuristic(h))

	report, err := e.RunMaintenance()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Decayed)
	assert.Equal(t, 1, report.Dormant)

	got, err := s.GetHeuristic(h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HeuristicDormant, got.Status)
	assert.NotEmpty(t, got.DormantSince)
	assert.Less(t, got.Confidence, 0.20)
}

func TestMaintenanceDemotesOverLimitDomains(t *testing.T) {
	e, s, clock := newTestEngine(t)
	require.NoError(t, s.SetDomainLimits("d9", 1, 2))

	rules := []string{
		"keep transactions short",
		"index foreign key columns",
		"batch writes under contention",
	}
	for _, r := range rules {
		h, err := s.AddHeuristic("d9", r, "", false, "")
		require.NoError(t, err)
		h.LastUsedAt = clock.now().Format(time.RFC3339)
		require.NoError(t, s.SaveHeuristic(h))
	}

	report, err := e.RunMaintenance()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Demoted)

	count, err := s.CountActive("d9")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	dormant, err := s.QueryHeuristics(store.HeuristicQuery{
		Domain: "d9", Status: types.HeuristicDormant, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, dormant, 1, "over-limit heuristics are demoted, never deleted")
}

func TestRevivalMatchesKeywordAsSubstring(t *testing.T) {
	e, s, _ := newTestEngine(t)
	h, err := s.AddHeuristic("d1", "cache invalidation requires explicit version tags", "", false, "")
	require.NoError(t, err)
	require.NoError(t, e.MarkDormant(h.ID, "unused"))

	// "cache" is a substring of "cached"; no exact token match needed.
	revived, err := e.ScanForRevival("the cached value was stale after deploy")
	require.NoError(t, err)
	require.Equal(t, []int64{h.ID}, revived)
}

func TestRevivalFiresAfterTimePeriodElapses(t *testing.T) {
	e, s, clock := newTestEngine(t)
	h, err := s.AddHeuristic("d1", "queue depth spikes need backpressure", "", false, "")
	require.NoError(t, err)
	require.NoError(t, e.MarkDormant(h.ID, "unused"))

	revived, err := e.ScanForRevival("totally unrelated text")
	require.NoError(t, err)
	assert.Empty(t, revived)

	clock.advance(91 * 24 * time.Hour)
	revived, err = e.ScanForRevival("totally unrelated text")
	require.NoError(t, err)
	require.Equal(t, []int64{h.ID}, revived)

	got, err := s.GetHeuristic(h.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HeuristicActive, got.Status)
}

func TestCEOOverrideRaisesEnforcedLimit(t *testing.T) {
	e, s, _ := newTestEngine(t)
	require.NoError(t, s.SetDomainLimits("d1", 2, 4))
	require.NoError(t, e.SetCEOOverride("d1", 3))

	rules := []string{
		"cache invalidation needs explicit versioning",
		"database migrations must be reversible",
		"http handlers should set deadlines",
		"metrics need stable label sets",
		"queues require dead letter handling",
	}
	for _, r := range rules {
		_, err := s.AddHeuristic("d1", r, "", false, "")
		require.NoError(t, err)
	}

	demoted, err := e.EnforceDomainLimit("d1")
	require.NoError(t, err)
	assert.Equal(t, 2, demoted, "override limit of 3 wins over the hard limit of 4")

	count, err := s.CountActive("d1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestContractionRefusedInsideGracePeriod(t *testing.T) {
	e, s, clock := newTestEngine(t)
	require.NoError(t, s.SaveDomainElasticity(&store.DomainElasticity{
		Domain: "d1", SoftLimit: 2, HardLimit: 10,
		State:             DomainOverflow,
		OverflowEnteredAt: clock.now().Add(-10 * 24 * time.Hour).Format(time.RFC3339),
		GracePeriodDays:   14,
	}))

	_, err := e.TriggerContraction("d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grace period")
}

func TestContractionTargetGrowsPerWeekPastGrace(t *testing.T) {
	e, s, clock := newTestEngine(t)
	require.NoError(t, s.SaveDomainElasticity(&store.DomainElasticity{
		Domain: "d1", SoftLimit: 2, HardLimit: 10,
		State:             DomainOverflow,
		OverflowEnteredAt: clock.now().Add(-30 * 24 * time.Hour).Format(time.RFC3339),
		GracePeriodDays:   14,
	}))
	rules := []string{
		"cache invalidation needs explicit versioning",
		"database migrations must be reversible",
		"http handlers should set deadlines",
		"metrics need stable label sets",
	}
	for _, r := range rules {
		_, err := s.AddHeuristic("d1", r, "", false, "")
		require.NoError(t, err)
	}

	// 16 days past grace is two whole weeks: target is four removals.
	removed, err := e.TriggerContraction("d1")
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	count, err := s.CountActive("d1")
	require.NoError(t, err)
	assert.Zero(t, count)

	rec, err := s.DomainElasticity("d1", 2, 10, 14)
	require.NoError(t, err)
	assert.Equal(t, DomainNormal, rec.State, "back under the soft limit clears overflow")
}

func TestMaintenanceDecaysDormantsAndArchives(t *testing.T) {
	e, s, clock := newTestEngine(t)

	stale := addHeuristic(t, s, "d1")
	stale.LastUsedAt = clock.now().Add(-20 * 24 * time.Hour).Format(time.RFC3339)
	require.NoError(t, s.SaveHeuristic(stale))

	ancient, err := s.AddHeuristic("d1", "ancient rule about sockets", "", false, "")
	require.NoError(t, err)
	ancient.LastUsedAt = clock.now().Add(-100 * 24 * time.Hour).Format(time.RFC3339)
	require.NoError(t, s.SaveHeuristic(ancient))

	golden, err := s.AddHeuristic("d1", "golden untouched", "", true, "")
	require.NoError(t, err)
	golden.LastUsedAt = clock.now().Add(-200 * 24 * time.Hour).Format(time.RFC3339)
	require.NoError(t, s.SaveHeuristic(golden))

	report, err := e.RunMaintenance()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Decayed)
	assert.Equal(t, 1, report.Dormant)

	g, err := s.GetHeuristic(golden.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HeuristicActive, g.Status)

	// Long-dormant heuristics are archived on a later pass.
	clock.advance(91 * 24 * time.Hour)
	report, err = e.RunMaintenance()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)
}
