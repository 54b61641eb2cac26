package observer

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivemind/internal/config"
	"hivemind/internal/store"
)

func newTestObserver(t *testing.T) (*Observer, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	o := New(s, config.Default())
	o.now = func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) }
	return o, s
}

func insertMetric(t *testing.T, s *store.Store, name string, value float64, at time.Time) {
	t.Helper()
	_, err := s.DB().Exec(`
		INSERT INTO metric_observations (metric_type, metric_name, value, created_at)
		VALUES ('health', ?, ?, ?)`, name, value, at.Format(time.RFC3339))
	require.NoError(t, err)
}

func TestLinregressPerfectLine(t *testing.T) {
	y := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	fit := linregress(y)
	assert.InDelta(t, 1.0, fit.Slope, 1e-9)
	assert.InDelta(t, 1.0, fit.RSquared, 1e-9)
	assert.Less(t, fit.PValue, 0.001)
}

func TestLinregressFlatNoise(t *testing.T) {
	y := []float64{5.0, 5.1, 4.9, 5.05, 4.95, 5.02, 4.98, 5.01, 4.99, 5.0, 5.03, 4.97}
	fit := linregress(y)
	assert.InDelta(t, 0.0, fit.Slope, 0.01)
	assert.Greater(t, fit.PValue, 0.10)
}

func TestTTestPValueBounds(t *testing.T) {
	assert.InDelta(t, 1.0, tTestPValue(0, 10), 1e-6)
	assert.Less(t, tTestPValue(10, 10), 0.001)
	// Symmetric reference point: t=2.228 at df=10 is the 5% two-sided
	// critical value.
	assert.InDelta(t, 0.05, tTestPValue(2.228, 10), 0.005)
}

func TestTrendRequiresSamplesAndSpread(t *testing.T) {
	o, s := newTestObserver(t)
	base := o.now().Add(-100 * time.Hour)

	for i := 0; i < 5; i++ {
		insertMetric(t, s, "avg_confidence", 0.5, base.Add(time.Duration(i)*time.Hour))
	}
	trend, err := o.CalculateTrend("avg_confidence", 168)
	require.NoError(t, err)
	assert.Equal(t, "low", trend.Confidence)
	assert.Equal(t, "insufficient_data", trend.Reason)

	// Enough samples but all inside one hour: spread gate trips.
	for i := 0; i < 10; i++ {
		insertMetric(t, s, "burst_metric", 0.5, base.Add(time.Duration(i)*time.Minute))
	}
	trend, err = o.CalculateTrend("burst_metric", 168)
	require.NoError(t, err)
	assert.Equal(t, "insufficient_time_spread", trend.Reason)
}

func TestTrendDetectsDecline(t *testing.T) {
	o, s := newTestObserver(t)
	base := o.now().Add(-160 * time.Hour)

	for i := 0; i < 40; i++ {
		insertMetric(t, s, "avg_confidence", 0.8-float64(i)*0.005, base.Add(time.Duration(i*4)*time.Hour))
	}
	trend, err := o.CalculateTrend("avg_confidence", 168)
	require.NoError(t, err)
	assert.Equal(t, "decreasing", trend.Direction)
	assert.Equal(t, "high", trend.Confidence)
	assert.InDelta(t, -0.005, trend.Slope, 1e-6)
}

func TestDetectAnomalyRobustToBaseline(t *testing.T) {
	o, s := newTestObserver(t)
	base := o.now().Add(-600 * time.Hour)

	// Stable baseline around 10 with mild jitter.
	for i := 0; i < 40; i++ {
		v := 10.0 + float64(i%5)*0.1
		insertMetric(t, s, "contradiction_rate", v, base.Add(time.Duration(i)*time.Hour))
	}
	// Current hour spikes hard.
	insertMetric(t, s, "contradiction_rate", 25.0, o.now().Add(-30*time.Minute))

	a, err := o.DetectAnomaly("contradiction_rate", 720, 1)
	require.NoError(t, err)
	assert.True(t, a.IsAnomaly)
	assert.Equal(t, "critical", a.Severity)
	assert.Greater(t, a.ZScore, 4.0)
	assert.InDelta(t, 10.2, a.BaselineMedian, 0.2)
}

func TestDetectAnomalyNeedsBaseline(t *testing.T) {
	o, s := newTestObserver(t)
	for i := 0; i < 10; i++ {
		insertMetric(t, s, "sparse_metric", 1.0, o.now().Add(-time.Duration(i+2)*time.Hour))
	}
	a, err := o.DetectAnomaly("sparse_metric", 720, 1)
	require.NoError(t, err)
	assert.False(t, a.IsAnomaly)
	assert.Equal(t, "insufficient_baseline", a.Reason)
}

func TestCheckAlertsBootstrapReportsItself(t *testing.T) {
	o, s := newTestObserver(t)
	for i := 0; i < 5; i++ {
		insertMetric(t, s, "avg_confidence", 0.5, o.now().Add(-time.Duration(i)*time.Hour))
	}
	results, err := o.CheckAlerts()
	require.NoError(t, err)
	require.Len(t, results, 1, "bootstrap is reported, not silent")
	assert.Equal(t, "bootstrap", results[0].Type)
	assert.Zero(t, results[0].AlertID)
	assert.False(t, results[0].Created)

	open, err := s.OpenAlerts()
	require.NoError(t, err)
	assert.Empty(t, open, "bootstrap never raises a stored alert")
}

func TestCheckAlertsRaisesDeclineIdempotently(t *testing.T) {
	o, s := newTestObserver(t)
	base := o.now().Add(-160 * time.Hour)

	for i := 0; i < 40; i++ {
		insertMetric(t, s, "avg_confidence", 0.8-float64(i)*0.005, base.Add(time.Duration(i*4)*time.Hour))
	}

	results, err := o.CheckAlerts()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "confidence_decline", results[0].Type)
	assert.True(t, results[0].Created)

	// Second pass finds the open alert and does not duplicate it.
	results, err = o.CheckAlerts()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Created)

	open, err := s.OpenAlerts()
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRecordAlertOutcomeTracksAccuracy(t *testing.T) {
	o, s := newTestObserver(t)
	id, _, err := s.RaiseAlert("confidence_decline", "avg_confidence", "warning", "declining")
	require.NoError(t, err)

	require.NoError(t, o.RecordAlertOutcome(id, true))
	require.NoError(t, o.RecordAlertOutcome(id, false))

	tp, fp, err := s.AlertOutcomeCounts("avg_confidence")
	require.NoError(t, err)
	assert.Equal(t, 1, tp)
	assert.Equal(t, 1, fp)
}

func TestMedianHandlesEvenOddAndEmpty(t *testing.T) {
	assert.InDelta(t, 3.0, median([]float64{1, 3, 5}), 1e-9)
	assert.InDelta(t, 2.5, median([]float64{1, 2, 3, 4}), 1e-9)
	assert.Equal(t, 0.0, median(nil))
	assert.False(t, math.IsNaN(stddevPop(nil)))
}
