// Package fraud screens heuristics for gamed learning signals: success
// rates far above the domain baseline, update timing that tracks the
// rate-limit boundaries, and confidence trajectories too smooth to be
// natural. Detection is alert-only; nothing is quarantined without
// review.
package fraud

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"hivemind/internal/config"
	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
	"hivemind/internal/store"
)

// Signal is one detector's verdict on a heuristic.
type Signal struct {
	Detector string                 `json:"detector"`
	Score    float64                `json:"score"`
	Severity string                 `json:"severity"`
	Reason   string                 `json:"reason"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
}

// Report is the fused result of all detectors.
type Report struct {
	ID              int64
	HeuristicID     int64
	Band            string
	Probability     float64
	LikelihoodRatio float64
	Signals         []Signal
}

// Classification bands, lowest to highest.
const (
	BandClean          = "clean"
	BandSuspicious     = "suspicious"
	BandFraudLikely    = "fraud_likely"
	BandFraudConfirmed = "fraud_confirmed"
)

// Detector runs the screening pipeline.
type Detector struct {
	store    *store.Store
	cfg      *config.Config
	inboxDir string
	log      *logging.Logger
	now      func() time.Time
}

// New builds a detector. inboxDir receives escalation files for
// fraud_likely and fraud_confirmed reports.
func New(s *store.Store, cfg *config.Config, inboxDir string) *Detector {
	return &Detector{
		store:    s,
		cfg:      cfg,
		inboxDir: inboxDir,
		log:      logging.Get(logging.CategoryFraud),
		now:      time.Now,
	}
}

// Check satisfies the lifecycle engine's hook: screening runs in the
// background and never blocks a confidence update.
func (d *Detector) Check(heuristicID int64) {
	go func() {
		if _, err := d.CreateReport(heuristicID); err != nil {
			d.log.Warn("background fraud check for %d failed: %v", heuristicID, err)
		}
	}()
}

// CreateReport runs every detector, fuses the signals, persists the
// report, and escalates when the band warrants.
func (d *Detector) CreateReport(heuristicID int64) (*Report, error) {
	signals := d.runAll(heuristicID)
	prob, lr := d.combine(signals)
	report := &Report{
		HeuristicID:     heuristicID,
		Band:            d.classify(prob),
		Probability:     prob,
		LikelihoodRatio: lr,
		Signals:         signals,
	}
	if err := d.persist(report); err != nil {
		return nil, err
	}
	if err := d.respond(report); err != nil {
		d.log.Warn("fraud response for report %d failed: %v", report.ID, err)
	}
	return report, nil
}

func (d *Detector) runAll(heuristicID int64) []Signal {
	var signals []Signal
	for _, fn := range []func(int64) *Signal{
		d.successRateAnomaly,
		d.temporalManipulation,
		d.unnaturalGrowth,
	} {
		if sig := fn(heuristicID); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

// successRateAnomaly flags success rates more than Z standard
// deviations above the domain baseline. Golden rules are whitelisted.
func (d *Detector) successRateAnomaly(heuristicID int64) *Signal {
	h, err := d.store.GetHeuristic(heuristicID)
	if err != nil {
		return nil
	}
	if h.IsGolden {
		return nil
	}
	total := h.TotalApplications()
	if total < d.cfg.Fraud.MinApplications {
		return nil
	}
	successRate := float64(h.TimesValidated) / float64(total)

	baseline, err := d.Baseline(h.Domain)
	if err != nil || baseline == nil || baseline.SampleSize < 3 || baseline.StdSuccessRate == 0 {
		return nil
	}

	z := (successRate - baseline.MeanSuccessRate) / baseline.StdSuccessRate
	if z <= d.cfg.Fraud.ZScoreThreshold {
		return nil
	}
	severity := "medium"
	if z > 3.5 {
		severity = "high"
	}
	return &Signal{
		Detector: "success_rate_anomaly",
		Score:    math.Min(z/5.0, 1.0),
		Severity: severity,
		Reason: fmt.Sprintf("success rate %.0f%% is %.1f sigma above domain average %.0f%%",
			successRate*100, z, baseline.MeanSuccessRate*100),
		Evidence: map[string]interface{}{
			"success_rate": successRate,
			"domain_avg":   baseline.MeanSuccessRate,
			"domain_std":   baseline.StdSuccessRate,
			"z_score":      z,
			"total_apps":   total,
		},
	}
}

// temporalManipulation looks for update timing that games the rate
// limiter: intervals hugging the cooldown boundary, midnight-clustered
// updates around the daily reset, and suspiciously regular spacing.
// Golden rules are whitelisted.
func (d *Detector) temporalManipulation(heuristicID int64) *Signal {
	h, err := d.store.GetHeuristic(heuristicID)
	if err != nil || h.IsGolden {
		return nil
	}
	since := d.now().UTC().Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	updates, err := d.store.ConfidenceUpdates(heuristicID, since)
	if err != nil || len(updates) < 5 {
		return nil
	}

	timestamps := make([]time.Time, 0, len(updates))
	for _, u := range updates {
		t, err := time.Parse(time.RFC3339, u.CreatedAt)
		if err != nil {
			continue
		}
		timestamps = append(timestamps, t)
	}
	if len(timestamps) < 5 {
		return nil
	}

	intervals := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		intervals = append(intervals, timestamps[i].Sub(timestamps[i-1]).Minutes())
	}

	cooldownHits := 0
	for _, iv := range intervals {
		if iv >= 60 && iv <= 65 {
			cooldownHits++
		}
	}
	cooldownRate := float64(cooldownHits) / float64(len(intervals))

	midnightHits := 0
	for _, ts := range timestamps {
		hr := ts.Hour()
		if hr == 0 || hr == 1 || hr == 23 {
			midnightHits++
		}
	}
	midnightRate := float64(midnightHits) / float64(len(timestamps))
	expectedMidnight := 3.0 / 24.0

	m := mean(intervals)
	cv := 0.0
	if m > 0 {
		cv = stddev(intervals) / m
	}
	regularity := math.Max(0, 1.0-cv/0.5)

	score := 0.4*cooldownRate +
		0.3*math.Max(0, (midnightRate-expectedMidnight)*4) +
		0.3*regularity
	if score <= d.detectorThreshold("temporal_manipulation") {
		return nil
	}
	severity := "medium"
	if score > 0.7 {
		severity = "high"
	}
	return &Signal{
		Detector: "temporal_manipulation",
		Score:    score,
		Severity: severity,
		Reason: fmt.Sprintf("suspicious timing: %.0f%% at cooldown boundary, %.0f%% at midnight, CV=%.2f",
			cooldownRate*100, midnightRate*100, cv),
		Evidence: map[string]interface{}{
			"cooldown_rate": cooldownRate,
			"midnight_rate": midnightRate,
			"cv":            cv,
			"intervals":     len(intervals),
		},
	}
}

// unnaturalGrowth flags confidence trajectories that are monotonic,
// fast, and too smooth. Natural learning is noisy and plateaus.
// Golden rules are whitelisted.
func (d *Detector) unnaturalGrowth(heuristicID int64) *Signal {
	h, err := d.store.GetHeuristic(heuristicID)
	if err != nil || h.IsGolden {
		return nil
	}
	since := d.now().UTC().Add(-60 * 24 * time.Hour).Format(time.RFC3339)
	updates, err := d.store.ConfidenceUpdates(heuristicID, since)
	if err != nil || len(updates) < 10 {
		return nil
	}

	confidences := make([]float64, 0, len(updates))
	var first, last time.Time
	for i, u := range updates {
		confidences = append(confidences, u.NewConfidence)
		t, err := time.Parse(time.RFC3339, u.CreatedAt)
		if err != nil {
			continue
		}
		if i == 0 {
			first = t
		}
		last = t
	}

	monotonic := true
	for i := 1; i < len(confidences); i++ {
		if confidences[i] < confidences[i-1] {
			monotonic = false
			break
		}
	}

	slope := 0.0
	if days := last.Sub(first).Hours() / 24; days > 0 {
		slope = (confidences[len(confidences)-1] - confidences[0]) / days
	}

	deltas := make([]float64, 0, len(confidences)-1)
	for i := 1; i < len(confidences); i++ {
		deltas = append(deltas, confidences[i]-confidences[i-1])
	}
	smoothness := math.Max(0, 1.0-math.Min(variance(deltas)/0.01, 1.0))

	monoScore := 0.0
	if monotonic && len(updates) > 10 {
		monoScore = 1.0
	}
	score := 0.3*monoScore + 0.4*math.Min(slope/0.02, 1.0) + 0.3*smoothness
	if score <= d.detectorThreshold("unnatural_confidence_growth") {
		return nil
	}
	return &Signal{
		Detector: "unnatural_confidence_growth",
		Score:    score,
		Severity: "medium",
		Reason: fmt.Sprintf("unnatural growth: monotonic=%v, slope=%.4f/day, smoothness=%.2f",
			monotonic, slope, smoothness),
		Evidence: map[string]interface{}{
			"monotonic":  monotonic,
			"slope":      slope,
			"smoothness": smoothness,
			"updates":    len(updates),
		},
	}
}

// combine fuses signals with Bayesian updating: each signal carries a
// likelihood ratio from assumed conditionals P(signal|fraud)=0.8*score
// and P(signal|clean)=0.1*score.
func (d *Detector) combine(signals []Signal) (probability, combinedLR float64) {
	if len(signals) == 0 {
		return 0, 1
	}
	combinedLR = 1.0
	for _, sig := range signals {
		pFraud := 0.8 * sig.Score
		pClean := 0.1 * sig.Score
		lr := 10.0
		if pClean > 0 {
			lr = pFraud / pClean
		}
		combinedLR *= lr
	}
	prior := d.cfg.Fraud.PriorFraud
	priorOdds := prior / (1 - prior)
	posteriorOdds := priorOdds * combinedLR
	return posteriorOdds / (1 + posteriorOdds), combinedLR
}

// classify maps a posterior probability onto a band; anything below
// the suspicious threshold is clean.
func (d *Detector) classify(prob float64) string {
	switch {
	case prob > d.cfg.Fraud.FraudConfirmedAt:
		return BandFraudConfirmed
	case prob > d.cfg.Fraud.FraudLikelyAt:
		return BandFraudLikely
	case prob > d.cfg.Fraud.SuspiciousAt:
		return BandSuspicious
	default:
		return BandClean
	}
}

// detectorThreshold reads a tuned per-detector threshold, falling back
// to the configured default.
func (d *Detector) detectorThreshold(detector string) float64 {
	var v float64
	err := d.store.DB().QueryRow(
		`SELECT threshold FROM detector_thresholds WHERE detector = ?`, detector).Scan(&v)
	if err != nil {
		return d.cfg.Fraud.DetectorThreshold
	}
	return v
}

func (d *Detector) persist(r *Report) error {
	signalsJSON, _ := json.Marshal(r.Signals)
	now := d.now().UTC().Format(time.RFC3339)
	return d.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO fraud_reports (heuristic_id, band, fused_probability, signals_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			r.HeuristicID, r.Band, r.Probability, string(signalsJSON), now)
		if err != nil {
			return hiveerr.Database("insert fraud report", err)
		}
		r.ID, _ = res.LastInsertId()

		for _, sig := range r.Signals {
			flagged := 0
			if sig.Score > d.cfg.Fraud.DetectorThreshold {
				flagged = 1
			}
			evidence, _ := json.Marshal(sig.Evidence)
			if _, err := tx.Exec(`
				INSERT INTO anomaly_signals (report_id, detector, score, flagged, details_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				r.ID, sig.Detector, sig.Score, flagged, string(evidence), now); err != nil {
				return hiveerr.Database("insert anomaly signal", err)
			}
		}

		flagBump := 0
		if len(r.Signals) > 0 {
			flagBump = 1
		}
		if _, err := tx.Exec(`
			UPDATE heuristics SET fraud_flags = fraud_flags + ?, last_fraud_check = ?
			WHERE id = ?`, flagBump, now, r.HeuristicID); err != nil {
			return hiveerr.Database("update fraud tracking", err)
		}
		return nil
	})
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return sum / float64(len(xs)-1)
}

func stddev(xs []float64) float64 {
	return math.Sqrt(variance(xs))
}

// respond escalates likely and confirmed reports to the review inbox.
func (d *Detector) respond(r *Report) error {
	if r.Band != BandFraudLikely && r.Band != BandFraudConfirmed {
		return nil
	}
	_, err := d.store.DB().Exec(`
		INSERT INTO fraud_responses (report_id, action, alert_path, created_at)
		VALUES (?, 'alert', ?, ?)`,
		r.ID, d.alertPath(r), d.now().UTC().Format(time.RFC3339))
	if err != nil {
		return hiveerr.Database("record fraud response", err)
	}

	if err := os.MkdirAll(d.inboxDir, 0o755); err != nil {
		return hiveerr.Configf("cannot create inbox %s: %v", d.inboxDir, err)
	}
	reasons := make([]string, len(r.Signals))
	for i, sig := range r.Signals {
		reasons[i] = sig.Reason
	}
	payload, err := json.MarshalIndent(map[string]interface{}{
		"type":           "FRAUD_ALERT",
		"report_id":      r.ID,
		"heuristic_id":   r.HeuristicID,
		"classification": r.Band,
		"score":          r.Probability,
		"signals":        reasons,
		"timestamp":      d.now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.alertPath(r), payload, 0o644)
}

func (d *Detector) alertPath(r *Report) string {
	return filepath.Join(d.inboxDir, fmt.Sprintf("fraud_alert_%d_%d.json", r.ID, d.now().Unix()))
}

// CleanupOldContexts deletes hashed application contexts past the
// retention window.
func (d *Detector) CleanupOldContexts() (int64, error) {
	cutoff := d.now().UTC().
		Add(-time.Duration(d.cfg.Fraud.ContextRetentionDays) * 24 * time.Hour).
		Format(time.RFC3339)
	res, err := d.store.DB().Exec(`DELETE FROM session_contexts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, hiveerr.Database("cleanup contexts", err)
	}
	return res.RowsAffected()
}
