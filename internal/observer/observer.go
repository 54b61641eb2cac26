// Package observer watches system-health metrics for trends and
// anomalies and raises lifecycle-managed alerts. Statistics are
// deliberately robust: median and MAD for baselines, a slope t-test
// for trends. Thresholds are fixed; the observer never adjusts its
// own sensitivity.
package observer

import (
	"fmt"
	"math"
	"time"

	"hivemind/internal/config"
	"hivemind/internal/logging"
	"hivemind/internal/store"
)

// Observer analyzes the metric_observations time series.
type Observer struct {
	store *store.Store
	cfg   *config.Config
	log   *logging.Logger
	now   func() time.Time
}

// New builds an observer over the shared store.
func New(s *store.Store, cfg *config.Config) *Observer {
	return &Observer{
		store: s,
		cfg:   cfg,
		log:   logging.Get(logging.CategoryObserver),
		now:   time.Now,
	}
}

// Trend is the result of a linear trend analysis.
type Trend struct {
	Slope           float64
	Direction       string // increasing | stable | decreasing
	RSquared        float64
	PValue          float64
	Confidence      string // high | medium | low
	SampleCount     int
	TimeSpreadHours float64
	Reason          string // set when confidence is low for a data reason
}

// CalculateTrend fits a least-squares line over the metric's window.
// At least 10 observations spread across a meaningful fraction of the
// window are required; a burst of samples in one hour is not a 7-day
// trend. Direction is stable when the slope is within two standard
// errors of zero.
func (o *Observer) CalculateTrend(metricName string, windowHours int) (*Trend, error) {
	since := o.now().UTC().Add(-time.Duration(windowHours) * time.Hour).Format(time.RFC3339)
	obs, err := o.store.MetricsSince(metricName, since)
	if err != nil {
		return nil, err
	}
	if len(obs) < o.cfg.Observer.MinObservations {
		return &Trend{Confidence: "low", Reason: "insufficient_data", SampleCount: len(obs)}, nil
	}

	first, errF := time.Parse(time.RFC3339, obs[0].CreatedAt)
	last, errL := time.Parse(time.RFC3339, obs[len(obs)-1].CreatedAt)
	spread := 0.0
	if errF == nil && errL == nil {
		spread = last.Sub(first).Hours()
	}
	minSpread := math.Max(float64(windowHours)*0.1, 1.0)
	if spread < minSpread {
		return &Trend{
			Confidence: "low", Reason: "insufficient_time_spread",
			SampleCount: len(obs), TimeSpreadHours: spread,
		}, nil
	}

	values := make([]float64, len(obs))
	for i, m := range obs {
		values[i] = m.Value
	}
	fit := linregress(values)

	direction := "stable"
	if math.Abs(fit.Slope) >= 2*fit.StdErr {
		if fit.Slope > 0 {
			direction = "increasing"
		} else {
			direction = "decreasing"
		}
	}
	confidence := "low"
	if fit.PValue < 0.05 {
		confidence = "high"
	} else if fit.PValue < 0.10 {
		confidence = "medium"
	}

	return &Trend{
		Slope:           fit.Slope,
		Direction:       direction,
		RSquared:        fit.RSquared,
		PValue:          fit.PValue,
		Confidence:      confidence,
		SampleCount:     len(obs),
		TimeSpreadHours: spread,
	}, nil
}

// Anomaly is the result of comparing a current window to its baseline.
type Anomaly struct {
	CurrentValue    float64
	BaselineMedian  float64
	BaselineStd     float64
	ZScore          float64
	IsAnomaly       bool
	Severity        string // normal | warning | critical
	BaselineSamples int
	Reason          string
}

// DetectAnomaly compares the current window's mean against the robust
// baseline (median, MAD scaled to a std equivalent). A baseline under
// 30 samples reports no anomaly rather than guessing.
func (o *Observer) DetectAnomaly(metricName string, baselineHours, currentHours int) (*Anomaly, error) {
	now := o.now().UTC()
	baselineStart := now.Add(-time.Duration(baselineHours) * time.Hour).Format(time.RFC3339)
	currentStart := now.Add(-time.Duration(currentHours) * time.Hour).Format(time.RFC3339)

	all, err := o.store.MetricsSince(metricName, baselineStart)
	if err != nil {
		return nil, err
	}
	var baseline, current []float64
	for _, m := range all {
		if m.CreatedAt >= currentStart {
			current = append(current, m.Value)
		} else {
			baseline = append(baseline, m.Value)
		}
	}

	if len(baseline) < o.cfg.Observer.BootstrapThreshold {
		return &Anomaly{Reason: "insufficient_baseline", BaselineSamples: len(baseline)}, nil
	}
	if len(current) == 0 {
		return &Anomaly{Reason: "no_current_data", BaselineSamples: len(baseline)}, nil
	}

	med := median(baseline)
	devs := make([]float64, len(baseline))
	for i, v := range baseline {
		devs[i] = math.Abs(v - med)
	}
	mad := median(devs)
	std := mad * 1.4826
	if std == 0 {
		std = stddevPop(baseline)
	}

	cur := mean(current)
	z := 0.0
	if std > 0 {
		z = (cur - med) / std
	}

	threshold := o.cfg.Observer.AnomalyZThreshold
	severity := "normal"
	if math.Abs(z) > 4.0 {
		severity = "critical"
	} else if math.Abs(z) > threshold {
		severity = "warning"
	}

	return &Anomaly{
		CurrentValue:    cur,
		BaselineMedian:  med,
		BaselineStd:     std,
		ZScore:          z,
		IsAnomaly:       math.Abs(z) > threshold,
		Severity:        severity,
		BaselineSamples: len(baseline),
	}, nil
}

// CheckResult is one alert raised (or suppressed) by CheckAlerts.
type CheckResult struct {
	AlertID int64
	Type    string
	Created bool
}

// CheckAlerts runs the standard health checks. During bootstrap (too
// little history) no checks fire; a single informational bootstrap
// result reports the progress instead. Alerts are idempotent per
// (type, metric) while open.
func (o *Observer) CheckAlerts() ([]CheckResult, error) {
	since := o.now().UTC().Add(-720 * time.Hour).Format(time.RFC3339)
	history, err := o.store.MetricsSince("avg_confidence", since)
	if err != nil {
		return nil, err
	}
	if len(history) < o.cfg.Observer.BootstrapThreshold {
		o.log.Info("observer in bootstrap mode: %d/%d samples", len(history), o.cfg.Observer.BootstrapThreshold)
		return []CheckResult{{Type: "bootstrap"}}, nil
	}

	var results []CheckResult

	// Declining system confidence over a week.
	trend, err := o.CalculateTrend("avg_confidence", 168)
	if err != nil {
		return nil, err
	}
	if trend.Confidence != "low" && trend.Direction == "decreasing" && trend.Slope < -0.0002 {
		id, created, err := o.store.RaiseAlert("confidence_decline", "avg_confidence", "warning",
			fmt.Sprintf("system confidence declining over 7 days (slope %.6f/observation)", trend.Slope))
		if err != nil {
			return nil, err
		}
		results = append(results, CheckResult{AlertID: id, Type: "confidence_decline", Created: created})
	}

	// Contradiction spike: last day vs 30-day baseline.
	spike, err := o.DetectAnomaly("contradiction_rate", 720, 24)
	if err != nil {
		return nil, err
	}
	if spike.IsAnomaly && spike.ZScore > 0 {
		id, created, err := o.store.RaiseAlert("contradiction_spike", "contradiction_rate", spike.Severity,
			fmt.Sprintf("contradiction rate %.3f vs baseline %.3f (z=%.2f)",
				spike.CurrentValue, spike.BaselineMedian, spike.ZScore))
		if err != nil {
			return nil, err
		}
		results = append(results, CheckResult{AlertID: id, Type: "contradiction_spike", Created: created})
	}

	// Validation activity collapse: last week vs 30-day baseline.
	activity, err := o.DetectAnomaly("validation_velocity", 720, 168)
	if err != nil {
		return nil, err
	}
	if activity.IsAnomaly && activity.ZScore < -2.5 {
		id, created, err := o.store.RaiseAlert("activity_decline", "validation_velocity", "info",
			fmt.Sprintf("validation activity dropped to %.1f (baseline %.1f)",
				activity.CurrentValue, activity.BaselineMedian))
		if err != nil {
			return nil, err
		}
		results = append(results, CheckResult{AlertID: id, Type: "activity_decline", Created: created})
	}

	return results, nil
}

// RecordAlertOutcome stores an analyst verdict for a raised alert. The
// counts track per-metric alert accuracy for review; thresholds stay
// fixed regardless.
func (o *Observer) RecordAlertOutcome(alertID int64, isTruePositive bool) error {
	return o.store.RecordAlertOutcome(alertID, isTruePositive)
}
