package fraud

import (
	"time"

	"hivemind/internal/hiveerr"
)

// Outcome verdicts an analyst can record against a report.
const (
	OutcomeTruePositive  = "true_positive"
	OutcomeFalsePositive = "false_positive"
	OutcomeDismissed     = "dismissed"
	OutcomePending       = "pending"
)

var validOutcomes = map[string]bool{
	OutcomeTruePositive:  true,
	OutcomeFalsePositive: true,
	OutcomeDismissed:     true,
	OutcomePending:       true,
}

// RecordOutcome stores an analyst verdict for a fraud report. Verdicts
// feed detector precision tracking and the threshold tuner.
func (d *Detector) RecordOutcome(reportID int64, outcome, notes, recordedBy string) error {
	if !validOutcomes[outcome] {
		return hiveerr.Validationf("outcome must be one of %s, %s, %s, %s",
			OutcomeTruePositive, OutcomeFalsePositive, OutcomeDismissed, OutcomePending)
	}
	var exists int
	err := d.store.DB().QueryRow(`SELECT COUNT(*) FROM fraud_reports WHERE id = ?`, reportID).Scan(&exists)
	if err != nil {
		return hiveerr.Database("check report", err)
	}
	if exists == 0 {
		return hiveerr.Validationf("fraud report %d not found", reportID)
	}
	_, err = d.store.DB().Exec(`
		INSERT INTO fraud_outcomes (report_id, outcome, notes, recorded_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		reportID, outcome, notes, recordedBy, d.now().UTC().Format(time.RFC3339))
	if err != nil {
		return hiveerr.Database("record outcome", err)
	}
	return nil
}

// DetectorAccuracy summarizes one detector's verdict history. Pending
// verdicts are counted but excluded from precision.
type DetectorAccuracy struct {
	Detector       string
	TruePositives  int
	FalsePositives int
	Pending        int
	Precision      float64
}

// DetectorPrecision computes precision per detector over reports whose
// signals included that detector and that have an analyst verdict.
func (d *Detector) DetectorPrecision() ([]DetectorAccuracy, error) {
	rows, err := d.store.DB().Query(`
		SELECT s.detector,
		       SUM(CASE WHEN o.outcome = 'true_positive' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN o.outcome = 'false_positive' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN o.outcome = 'pending' THEN 1 ELSE 0 END)
		FROM anomaly_signals s
		JOIN fraud_outcomes o ON o.report_id = s.report_id
		GROUP BY s.detector
		ORDER BY s.detector`)
	if err != nil {
		return nil, hiveerr.Database("query detector precision", err)
	}
	defer rows.Close()

	var out []DetectorAccuracy
	for rows.Next() {
		var a DetectorAccuracy
		if err := rows.Scan(&a.Detector, &a.TruePositives, &a.FalsePositives, &a.Pending); err != nil {
			return nil, hiveerr.Database("scan detector precision", err)
		}
		if total := a.TruePositives + a.FalsePositives; total > 0 {
			a.Precision = float64(a.TruePositives) / float64(total)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UnderperformingDetectors returns detectors with precision below 0.5
// across at least 10 verdicts. These are tuning candidates, not
// automatic disables.
func (d *Detector) UnderperformingDetectors() ([]DetectorAccuracy, error) {
	all, err := d.DetectorPrecision()
	if err != nil {
		return nil, err
	}
	var out []DetectorAccuracy
	for _, a := range all {
		if a.TruePositives+a.FalsePositives >= 10 && a.Precision < 0.5 {
			out = append(out, a)
		}
	}
	return out, nil
}
