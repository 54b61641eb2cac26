package fraud

import (
	"database/sql"
	"math"
	"time"

	"hivemind/internal/hiveerr"
)

// DomainBaseline is the statistical profile of a domain's success
// rates, used by the Z-score detector.
type DomainBaseline struct {
	Domain          string
	MeanSuccessRate float64
	StdSuccessRate  float64
	SampleSize      int
	UpdatedAt       string
}

// Baseline returns the stored baseline for a domain, or nil when none
// has been computed yet.
func (d *Detector) Baseline(domain string) (*DomainBaseline, error) {
	var b DomainBaseline
	err := d.store.DB().QueryRow(`
		SELECT domain, mean_success_rate, std_success_rate, sample_size, updated_at
		FROM domain_baselines WHERE domain = ?`, domain).
		Scan(&b.Domain, &b.MeanSuccessRate, &b.StdSuccessRate, &b.SampleSize, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, hiveerr.Database("query baseline", err)
	}
	return &b, nil
}

// BaselineResult reports an UpdateBaseline run.
type BaselineResult struct {
	Domain       string
	Mean         float64
	Std          float64
	SampleSize   int
	DriftPercent float64
	Drifted      bool
	Severity     string
}

// UpdateBaseline recomputes a domain's success-rate statistics from
// its active heuristics with enough applications. Needs at least 3
// qualifying heuristics. Movement beyond the drift threshold against
// the previous baseline raises a drift alert.
func (d *Detector) UpdateBaseline(domain string) (*BaselineResult, error) {
	prev, err := d.Baseline(domain)
	if err != nil {
		return nil, err
	}

	rows, err := d.store.DB().Query(`
		SELECT times_validated, times_violated, times_contradicted
		FROM heuristics
		WHERE domain = ? AND status = 'active'
		  AND (times_validated + times_violated + times_contradicted) >= ?`,
		domain, d.cfg.Fraud.MinApplications)
	if err != nil {
		return nil, hiveerr.Database("query domain heuristics", err)
	}
	defer rows.Close()

	var rates []float64
	for rows.Next() {
		var v, f, c int
		if err := rows.Scan(&v, &f, &c); err != nil {
			return nil, hiveerr.Database("scan heuristic counts", err)
		}
		total := v + f + c
		if total > 0 {
			rates = append(rates, float64(v)/float64(total))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerr.Database("iterate heuristics", err)
	}
	if len(rates) < 3 {
		return nil, hiveerr.Validationf("domain %s has %d qualifying heuristics, need 3", domain, len(rates))
	}

	m := mean(rates)
	sd := stddev(rates)
	now := d.now().UTC().Format(time.RFC3339)

	result := &BaselineResult{Domain: domain, Mean: m, Std: sd, SampleSize: len(rates)}
	if prev != nil && prev.MeanSuccessRate > 0 {
		result.DriftPercent = (m - prev.MeanSuccessRate) / prev.MeanSuccessRate * 100
		result.Drifted = math.Abs(result.DriftPercent) > d.cfg.Fraud.DriftAlertPercent
		result.Severity = driftSeverity(math.Abs(result.DriftPercent))
	}

	return result, d.store.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO domain_baseline_history (domain, mean_success_rate, std_success_rate, sample_size, created_at)
			VALUES (?, ?, ?, ?, ?)`, domain, m, sd, len(rates), now); err != nil {
			return hiveerr.Database("insert baseline history", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO domain_baselines (domain, mean_success_rate, std_success_rate, sample_size, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
				mean_success_rate = excluded.mean_success_rate,
				std_success_rate = excluded.std_success_rate,
				sample_size = excluded.sample_size,
				updated_at = excluded.updated_at`,
			domain, m, sd, len(rates), now); err != nil {
			return hiveerr.Database("upsert baseline", err)
		}
		if result.Drifted {
			if _, err := tx.Exec(`
				INSERT INTO baseline_drift_alerts (domain, severity, old_mean, new_mean, sample_size, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				domain, result.Severity, prev.MeanSuccessRate, m, len(rates), now); err != nil {
				return hiveerr.Database("insert drift alert", err)
			}
		}
		return nil
	})
}

// RefreshAllBaselines recomputes every domain that has heuristics.
// Domains without enough data are skipped, not errored.
func (d *Detector) RefreshAllBaselines() (updated, skipped int, err error) {
	rows, err := d.store.DB().Query(`SELECT DISTINCT domain FROM heuristics WHERE status = 'active'`)
	if err != nil {
		return 0, 0, hiveerr.Database("list domains", err)
	}
	var domains []string
	for rows.Next() {
		var dom string
		if err := rows.Scan(&dom); err != nil {
			rows.Close()
			return 0, 0, hiveerr.Database("scan domain", err)
		}
		domains = append(domains, dom)
	}
	rows.Close()

	for _, dom := range domains {
		if _, err := d.UpdateBaseline(dom); err != nil {
			if hiveerr.IsValidation(err) {
				skipped++
				continue
			}
			return updated, skipped, err
		}
		updated++
	}
	return updated, skipped, nil
}

func driftSeverity(driftPct float64) string {
	switch {
	case driftPct >= 50:
		return "critical"
	case driftPct >= 35:
		return "high"
	case driftPct >= 20:
		return "medium"
	default:
		return "low"
	}
}
