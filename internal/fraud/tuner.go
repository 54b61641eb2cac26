package fraud

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"hivemind/internal/hiveerr"
)

// Threshold tuning is recommend-only: recommendations are persisted
// for review and take effect exclusively through ApplyRecommendation.

const (
	maxAdjustment     = 0.10
	likelySeparation  = 0.10
	confirmSeparation = 0.15
)

var bandBounds = map[string][2]float64{
	BandSuspicious:     {0.10, 0.40},
	BandFraudLikely:    {0.30, 0.70},
	BandFraudConfirmed: {0.60, 0.95},
}

// Recommendation is a proposed threshold change awaiting review.
type Recommendation struct {
	ID          int64
	Target      string
	Current     float64
	Recommended float64
	Rationale   string
	Status      string
	CreatedAt   string
}

// ClassificationThreshold reads the effective threshold for a band,
// preferring a tuned value over the configured bootstrap.
func (d *Detector) ClassificationThreshold(band string) float64 {
	var v float64
	err := d.store.DB().QueryRow(
		`SELECT threshold FROM classification_thresholds WHERE band = ?`, band).Scan(&v)
	if err == nil {
		return v
	}
	switch band {
	case BandSuspicious:
		return d.cfg.Fraud.SuspiciousAt
	case BandFraudLikely:
		return d.cfg.Fraud.FraudLikelyAt
	case BandFraudConfirmed:
		return d.cfg.Fraud.FraudConfirmedAt
	}
	return d.cfg.Fraud.DetectorThreshold
}

// RecommendThresholds inspects the verdict history and proposes band
// threshold adjustments toward the target false-positive rate. Each
// proposal moves at most 0.10, stays inside the band's bounds, and
// preserves band ordering. Nothing is applied here.
func (d *Detector) RecommendThresholds(targetFPR float64) ([]Recommendation, error) {
	if targetFPR <= 0 || targetFPR >= 1 {
		return nil, hiveerr.Validationf("target false-positive rate must be in (0, 1), got %v", targetFPR)
	}

	var total, falsePos int
	err := d.store.DB().QueryRow(`
		SELECT COUNT(*),
		       SUM(CASE WHEN outcome = 'false_positive' THEN 1 ELSE 0 END)
		FROM fraud_outcomes`).Scan(&total, &falsePos)
	if err != nil {
		return nil, hiveerr.Database("query outcome history", err)
	}
	if total < 10 {
		return nil, hiveerr.Validationf("need at least 10 verdicts to tune, have %d", total)
	}
	fpr := float64(falsePos) / float64(total)

	suspicious := d.ClassificationThreshold(BandSuspicious)
	likely := d.ClassificationThreshold(BandFraudLikely)
	confirmed := d.ClassificationThreshold(BandFraudConfirmed)

	// Too many false positives: raise thresholds. Far below target:
	// loosen to catch more. Otherwise leave well alone.
	var step float64
	switch {
	case fpr > targetFPR:
		step = math.Min((fpr-targetFPR)*0.5, maxAdjustment)
	case fpr < targetFPR/2:
		step = -math.Min((targetFPR-fpr)*0.25, maxAdjustment)
	default:
		return nil, nil
	}

	newSuspicious := clampBand(BandSuspicious, suspicious+step)
	newLikely := clampBand(BandFraudLikely, math.Max(likely+step, newSuspicious+likelySeparation))
	newConfirmed := clampBand(BandFraudConfirmed, math.Max(confirmed+step, newLikely+confirmSeparation))

	rationale := fmt.Sprintf("observed FPR %.2f vs target %.2f over %d verdicts", fpr, targetFPR, total)
	proposals := []Recommendation{
		{Target: BandSuspicious, Current: suspicious, Recommended: newSuspicious, Rationale: rationale},
		{Target: BandFraudLikely, Current: likely, Recommended: newLikely, Rationale: rationale},
		{Target: BandFraudConfirmed, Current: confirmed, Recommended: newConfirmed, Rationale: rationale},
	}

	now := d.now().UTC().Format(time.RFC3339)
	var out []Recommendation
	for _, p := range proposals {
		if math.Abs(p.Recommended-p.Current) < 1e-9 {
			continue
		}
		res, err := d.store.DB().Exec(`
			INSERT INTO threshold_recommendations (target, current_value, recommended_value, rationale, status, created_at)
			VALUES (?, ?, ?, ?, 'pending', ?)`,
			p.Target, p.Current, p.Recommended, p.Rationale, now)
		if err != nil {
			return nil, hiveerr.Database("insert recommendation", err)
		}
		p.ID, _ = res.LastInsertId()
		p.Status = "pending"
		p.CreatedAt = now
		out = append(out, p)
	}
	return out, nil
}

// PendingRecommendations lists unreviewed proposals, oldest first.
func (d *Detector) PendingRecommendations() ([]Recommendation, error) {
	rows, err := d.store.DB().Query(`
		SELECT id, target, current_value, recommended_value, COALESCE(rationale,''), status, created_at
		FROM threshold_recommendations WHERE status = 'pending' ORDER BY id ASC`)
	if err != nil {
		return nil, hiveerr.Database("query recommendations", err)
	}
	defer rows.Close()

	var out []Recommendation
	for rows.Next() {
		var r Recommendation
		if err := rows.Scan(&r.ID, &r.Target, &r.Current, &r.Recommended, &r.Rationale, &r.Status, &r.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan recommendation", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// effectiveThreshold is the live value a recommendation would replace:
// the tuned band or detector threshold, whichever table the target
// belongs to.
func (d *Detector) effectiveThreshold(target string) float64 {
	if _, isBand := bandBounds[target]; isBand {
		return d.ClassificationThreshold(target)
	}
	return d.detectorThreshold(target)
}

// ApplyRecommendation puts an approved proposal into effect and
// records who applied it. The move is re-validated against the
// threshold in effect now, not the one the recommendation was computed
// against: another apply may have shifted it in the meantime.
func (d *Detector) ApplyRecommendation(id int64, appliedBy string) error {
	now := d.now().UTC().Format(time.RFC3339)
	var pendingTarget string
	err := d.store.DB().QueryRow(`
		SELECT target FROM threshold_recommendations WHERE id = ? AND status = 'pending'`, id).
		Scan(&pendingTarget)
	if err == sql.ErrNoRows {
		return hiveerr.Validationf("recommendation %d not found or not pending", id)
	}
	if err != nil {
		return hiveerr.Database("load recommendation", err)
	}
	effective := d.effectiveThreshold(pendingTarget)

	return d.store.WithTx(func(tx *sql.Tx) error {
		var target string
		var current, recommended float64
		err := tx.QueryRow(`
			SELECT target, current_value, recommended_value
			FROM threshold_recommendations WHERE id = ? AND status = 'pending'`, id).
			Scan(&target, &current, &recommended)
		if err == sql.ErrNoRows {
			return hiveerr.Validationf("recommendation %d not found or not pending", id)
		}
		if err != nil {
			return hiveerr.Database("load recommendation", err)
		}

		// Safety floor applies regardless of band bounds.
		if recommended < 0.10 {
			return hiveerr.Validationf("recommendation %d breaches the 0.10 safety floor", id)
		}
		if math.Abs(recommended-effective) > maxAdjustment+1e-9 {
			return hiveerr.Validationf("recommendation %d moves %s by %.2f from its current %.2f, limit is %.2f per change",
				id, target, math.Abs(recommended-effective), effective, maxAdjustment)
		}

		if _, isBand := bandBounds[target]; isBand {
			if _, err := tx.Exec(`
				INSERT INTO classification_thresholds (band, threshold, updated_at)
				VALUES (?, ?, ?)
				ON CONFLICT(band) DO UPDATE SET threshold = excluded.threshold, updated_at = excluded.updated_at`,
				target, recommended, now); err != nil {
				return hiveerr.Database("apply band threshold", err)
			}
		} else {
			if _, err := tx.Exec(`
				INSERT INTO detector_thresholds (detector, threshold, updated_at)
				VALUES (?, ?, ?)
				ON CONFLICT(detector) DO UPDATE SET threshold = excluded.threshold, updated_at = excluded.updated_at`,
				target, recommended, now); err != nil {
				return hiveerr.Database("apply detector threshold", err)
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO threshold_history (target, old_value, new_value, applied_by, created_at)
			VALUES (?, ?, ?, ?, ?)`, target, current, recommended, appliedBy, now); err != nil {
			return hiveerr.Database("record threshold history", err)
		}
		if _, err := tx.Exec(`
			UPDATE threshold_recommendations SET status = 'applied' WHERE id = ?`, id); err != nil {
			return hiveerr.Database("mark recommendation applied", err)
		}
		return nil
	})
}

// RejectRecommendation dismisses a pending proposal.
func (d *Detector) RejectRecommendation(id int64) error {
	res, err := d.store.DB().Exec(`
		UPDATE threshold_recommendations SET status = 'rejected'
		WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return hiveerr.Database("reject recommendation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Validationf("recommendation %d not found or not pending", id)
	}
	return nil
}

// RollbackThreshold undoes an applied change by restoring the old
// value recorded in its history row. The rollback itself lands in the
// history, so it can in turn be rolled back.
func (d *Detector) RollbackThreshold(historyID int64, appliedBy string) error {
	now := d.now().UTC().Format(time.RFC3339)
	return d.store.WithTx(func(tx *sql.Tx) error {
		var target string
		var oldValue, newValue float64
		err := tx.QueryRow(`
			SELECT target, old_value, new_value
			FROM threshold_history WHERE id = ?`, historyID).
			Scan(&target, &oldValue, &newValue)
		if err == sql.ErrNoRows {
			return hiveerr.Validationf("threshold history entry %d not found", historyID)
		}
		if err != nil {
			return hiveerr.Database("load threshold history", err)
		}

		if _, isBand := bandBounds[target]; isBand {
			if _, err := tx.Exec(`
				INSERT INTO classification_thresholds (band, threshold, updated_at)
				VALUES (?, ?, ?)
				ON CONFLICT(band) DO UPDATE SET threshold = excluded.threshold, updated_at = excluded.updated_at`,
				target, oldValue, now); err != nil {
				return hiveerr.Database("restore band threshold", err)
			}
		} else {
			if _, err := tx.Exec(`
				INSERT INTO detector_thresholds (detector, threshold, updated_at)
				VALUES (?, ?, ?)
				ON CONFLICT(detector) DO UPDATE SET threshold = excluded.threshold, updated_at = excluded.updated_at`,
				target, oldValue, now); err != nil {
				return hiveerr.Database("restore detector threshold", err)
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO threshold_history (target, old_value, new_value, applied_by, created_at)
			VALUES (?, ?, ?, ?, ?)`, target, newValue, oldValue, appliedBy, now); err != nil {
			return hiveerr.Database("record threshold rollback", err)
		}
		return nil
	})
}

func clampBand(band string, v float64) float64 {
	b := bandBounds[band]
	if v < b[0] {
		return b[0]
	}
	if v > b[1] {
		return b[1]
	}
	return v
}
