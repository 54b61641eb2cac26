package store

import (
	"database/sql"

	"hivemind/internal/hiveerr"
)

// MetricObservation is one time-series data point.
type MetricObservation struct {
	ID         int64
	MetricType string
	MetricName string
	Value      float64
	Context    string
	CreatedAt  string
}

// RecordMetric appends a time-series observation.
func (s *Store) RecordMetric(metricType, metricName string, value float64, context string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO metric_observations (metric_type, metric_name, value, context, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		metricType, metricName, value, context, nowISO())
	if err != nil {
		return hiveerr.Database("record metric", err)
	}
	return nil
}

// MetricsSince returns observations for one metric name since the
// RFC3339 timestamp, oldest first.
func (s *Store) MetricsSince(metricName, since string) ([]*MetricObservation, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT id, metric_type, metric_name, value, COALESCE(context,''), created_at
		FROM metric_observations
		WHERE metric_name = ? AND created_at >= ?
		ORDER BY id ASC`, metricName, since)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query metrics", err)
	}
	defer rows.Close()

	var out []*MetricObservation
	for rows.Next() {
		var m MetricObservation
		if err := rows.Scan(&m.ID, &m.MetricType, &m.MetricName, &m.Value, &m.Context, &m.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan metric", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Alert is a raised health alert with its lifecycle state.
type Alert struct {
	ID             int64
	AlertType      string
	MetricName     string
	Severity       string
	Message        string
	Status         string
	CreatedAt      string
	LastSeen       string
	AcknowledgedAt string
	ResolvedAt     string
}

// RaiseAlert creates an alert unless one with the same (type, metric)
// pair is already new or active; a recurrence refreshes the open row's
// message, severity, and last_seen instead. Returns the alert id and
// whether a new row was created.
func (s *Store) RaiseAlert(alertType, metricName, severity, message string) (int64, bool, error) {
	var id int64
	var created bool
	now := nowISO()
	err := s.WithTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`
			SELECT id FROM alerts
			WHERE alert_type = ? AND metric_name = ? AND status IN ('new', 'active')
			LIMIT 1`, alertType, metricName).Scan(&id)
		if err == nil {
			if _, err := tx.Exec(`
				UPDATE alerts SET message = ?, severity = ?, last_seen = ?
				WHERE id = ?`, message, severity, now, id); err != nil {
				return hiveerr.Database("refresh alert", err)
			}
			return nil
		}
		if err != sql.ErrNoRows {
			return hiveerr.Database("check existing alert", err)
		}
		res, err := tx.Exec(`
			INSERT INTO alerts (alert_type, metric_name, severity, message, status, created_at, last_seen)
			VALUES (?, ?, ?, ?, 'new', ?, ?)`,
			alertType, metricName, severity, message, now, now)
		if err != nil {
			return hiveerr.Database("insert alert", err)
		}
		id, _ = res.LastInsertId()
		created = true
		return nil
	})
	return id, created, err
}

// AdvanceAlert moves an alert along new -> active -> acknowledged ->
// resolved. Out-of-order transitions are rejected.
func (s *Store) AdvanceAlert(id int64, to string) error {
	allowed := map[string]string{
		"active":       "new",
		"acknowledged": "active",
		"resolved":     "acknowledged",
	}
	from, ok := allowed[to]
	if !ok {
		return hiveerr.Validationf("unknown alert status %q", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set := "status = ?"
	args := []interface{}{to}
	switch to {
	case "acknowledged":
		set += ", acknowledged_at = ?"
		args = append(args, nowISO())
	case "resolved":
		set += ", resolved_at = ?"
		args = append(args, nowISO())
	}
	args = append(args, id, from)
	res, err := s.db.Exec(`UPDATE alerts SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return hiveerr.Database("advance alert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Validationf("alert %d cannot transition to %s", id, to)
	}
	return nil
}

// OpenAlerts lists alerts that are new or active, newest first.
func (s *Store) OpenAlerts() ([]*Alert, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT id, alert_type, metric_name, severity, message, status,
		       created_at, COALESCE(last_seen,''), COALESCE(acknowledged_at,''), COALESCE(resolved_at,'')
		FROM alerts WHERE status IN ('new', 'active')
		ORDER BY id DESC`)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query alerts", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.AlertType, &a.MetricName, &a.Severity, &a.Message,
			&a.Status, &a.CreatedAt, &a.LastSeen, &a.AcknowledgedAt, &a.ResolvedAt); err != nil {
			return nil, hiveerr.Database("scan alert", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// RecordAlertOutcome tallies a human verdict on an alert into the
// per-metric true/false positive counters. Counters inform threshold
// review only; the observer never adjusts its own sensitivity.
func (s *Store) RecordAlertOutcome(alertID int64, isTruePositive bool) error {
	return s.WithTx(func(tx *sql.Tx) error {
		var metricName string
		err := tx.QueryRow(`SELECT metric_name FROM alerts WHERE id = ?`, alertID).Scan(&metricName)
		if err == sql.ErrNoRows {
			return hiveerr.Validationf("alert %d not found", alertID)
		}
		if err != nil {
			return hiveerr.Database("load alert", err)
		}
		tp, fp := 0, 1
		if isTruePositive {
			tp, fp = 1, 0
		}
		if _, err := tx.Exec(`
			INSERT INTO alert_outcome_counts (metric_name, true_positives, false_positives, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(metric_name) DO UPDATE SET
				true_positives = true_positives + excluded.true_positives,
				false_positives = false_positives + excluded.false_positives,
				updated_at = excluded.updated_at`,
			metricName, tp, fp, nowISO()); err != nil {
			return hiveerr.Database("record alert outcome", err)
		}
		return nil
	})
}

// AlertOutcomeCounts reads the verdict tally for one metric.
func (s *Store) AlertOutcomeCounts(metricName string) (truePositives, falsePositives int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.QueryRow(`
		SELECT true_positives, false_positives FROM alert_outcome_counts
		WHERE metric_name = ?`, metricName).Scan(&truePositives, &falsePositives)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, hiveerr.Database("query alert outcomes", err)
	}
	return truePositives, falsePositives, nil
}

// RecordSessionContext stores a hashed application context for
// repetition analysis.
func (s *Store) RecordSessionContext(heuristicID int64, contextHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO session_contexts (heuristic_id, context_hash, created_at)
		VALUES (?, ?, ?)`, heuristicID, contextHash, nowISO())
	if err != nil {
		return hiveerr.Database("record session context", err)
	}
	return nil
}

// ContextRepetition counts how many of the recent contexts for a
// heuristic share the most common hash, since the given timestamp.
func (s *Store) ContextRepetition(heuristicID int64, since string) (total, topCount int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE((SELECT COUNT(*) FROM session_contexts
		                 WHERE heuristic_id = ? AND created_at >= ?
		                 GROUP BY context_hash ORDER BY COUNT(*) DESC LIMIT 1), 0)
		FROM session_contexts WHERE heuristic_id = ? AND created_at >= ?`,
		heuristicID, since, heuristicID, since).Scan(&total, &topCount)
	if err != nil {
		return 0, 0, hiveerr.Database("context repetition", err)
	}
	return total, topCount, nil
}
