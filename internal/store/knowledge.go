package store

import (
	"database/sql"
	"strings"
	"time"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

// AddLearning stores a captured lesson.
func (s *Store) AddLearning(l *types.Learning) (int64, error) {
	if strings.TrimSpace(l.Title) == "" {
		return 0, hiveerr.Validationf("learning title cannot be empty")
	}
	if l.Domain != "" {
		if err := ValidateDomain(l.Domain); err != nil {
			return 0, err
		}
	}
	if l.Type == "" {
		l.Type = types.LearningObservation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO learnings (type, filepath, title, summary, tags, domain, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(l.Type), l.Filepath, l.Title, l.Summary, l.Tags, l.Domain, l.Severity, nowISO())
	if err != nil {
		return 0, hiveerr.Database("insert learning", err)
	}
	return res.LastInsertId()
}

// SearchLearnings matches title, summary, and tags with LIKE; every
// whitespace-separated term must match. Newest first.
func (s *Store) SearchLearnings(query, domain string, limit int) ([]*types.Learning, error) {
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit, 20)

	where := []string{"1=1"}
	args := []interface{}{}
	for _, term := range strings.Fields(query) {
		where = append(where, `(title LIKE ? ESCAPE '\' OR summary LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\')`)
		p := "%" + EscapeLike(term) + "%"
		args = append(args, p, p, p)
	}
	if domain != "" {
		if err := ValidateDomain(domain); err != nil {
			return nil, err
		}
		where = append(where, "domain = ?")
		args = append(args, domain)
	}
	args = append(args, limit)

	start := time.Now()
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT id, type, COALESCE(filepath,''), title, COALESCE(summary,''),
		       COALESCE(tags,''), COALESCE(domain,''), severity, created_at
		FROM learnings WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC LIMIT ?`, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("search learnings", err)
	}
	defer rows.Close()

	var out []*types.Learning
	for rows.Next() {
		var l types.Learning
		var lt string
		if err := rows.Scan(&l.ID, &lt, &l.Filepath, &l.Title, &l.Summary,
			&l.Tags, &l.Domain, &l.Severity, &l.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan learning", err)
		}
		l.Type = types.LearningType(lt)
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerr.Database("iterate learnings", err)
	}
	s.AuditQuery("learnings", domain, query, len(out), time.Since(start).Milliseconds(), AuditSuccess)
	return out, nil
}

// RecentLearnings lists the newest learnings, optionally by type.
func (s *Store) RecentLearnings(ltype types.LearningType, limit int) ([]*types.Learning, error) {
	limit = ClampLimit(limit, 10)
	query := `
		SELECT id, type, COALESCE(filepath,''), title, COALESCE(summary,''),
		       COALESCE(tags,''), COALESCE(domain,''), severity, created_at
		FROM learnings`
	args := []interface{}{}
	if ltype != "" {
		query += ` WHERE type = ?`
		args = append(args, string(ltype))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("recent learnings", err)
	}
	defer rows.Close()

	var out []*types.Learning
	for rows.Next() {
		var l types.Learning
		var lt string
		if err := rows.Scan(&l.ID, &lt, &l.Filepath, &l.Title, &l.Summary,
			&l.Tags, &l.Domain, &l.Severity, &l.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan learning", err)
		}
		l.Type = types.LearningType(lt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// AddDecision stores an architecture decision record.
func (s *Store) AddDecision(d *types.Decision) (int64, error) {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Decision) == "" {
		return 0, hiveerr.Validationf("decision requires title and decision text")
	}
	if d.Status == "" {
		d.Status = "accepted"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO decisions (title, context, options, decision, rationale, domain, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Title, d.Context, d.Options, d.Decision, d.Rationale, d.Domain, d.Status, nowISO())
	if err != nil {
		return 0, hiveerr.Database("insert decision", err)
	}
	return res.LastInsertId()
}

// SupersedeDecision marks old as superseded by new.
func (s *Store) SupersedeDecision(oldID, newID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE decisions SET status = 'superseded', superseded_by = ? WHERE id = ?`, newID, oldID)
	if err != nil {
		return hiveerr.Database("supersede decision", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Validationf("decision %d not found", oldID)
	}
	return nil
}

// Decisions lists decision records, newest first, optionally by domain.
func (s *Store) Decisions(domain string, limit int) ([]*types.Decision, error) {
	limit = ClampLimit(limit, 20)
	query := `
		SELECT id, title, COALESCE(context,''), COALESCE(options,''), decision,
		       COALESCE(rationale,''), COALESCE(domain,''), status,
		       COALESCE(superseded_by, 0), created_at
		FROM decisions`
	args := []interface{}{}
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query decisions", err)
	}
	defer rows.Close()

	var out []*types.Decision
	for rows.Next() {
		var d types.Decision
		if err := rows.Scan(&d.ID, &d.Title, &d.Context, &d.Options, &d.Decision,
			&d.Rationale, &d.Domain, &d.Status, &d.SupersededBy, &d.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan decision", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// AddInvariant stores an invariant statement.
func (s *Store) AddInvariant(inv *types.Invariant) (int64, error) {
	if strings.TrimSpace(inv.Statement) == "" {
		return 0, hiveerr.Validationf("invariant statement cannot be empty")
	}
	if inv.Scope == "" {
		inv.Scope = "codebase"
	}
	if inv.Severity == "" {
		inv.Severity = "error"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO invariants (statement, rationale, scope, severity, validation_type, domain, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'active', ?)`,
		inv.Statement, inv.Rationale, inv.Scope, inv.Severity, inv.ValidationType, inv.Domain, nowISO())
	if err != nil {
		return 0, hiveerr.Database("insert invariant", err)
	}
	return res.LastInsertId()
}

// RecordInvariantViolation bumps the violation counter and flips the
// status to violated.
func (s *Store) RecordInvariantViolation(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE invariants SET violation_count = violation_count + 1, status = 'violated'
		WHERE id = ?`, id)
	if err != nil {
		return hiveerr.Database("record invariant violation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Validationf("invariant %d not found", id)
	}
	return nil
}

// ActiveInvariants lists non-deprecated invariants, optionally by domain.
func (s *Store) ActiveInvariants(domain string, limit int) ([]*types.Invariant, error) {
	limit = ClampLimit(limit, 50)
	query := `
		SELECT id, statement, COALESCE(rationale,''), scope, severity,
		       COALESCE(validation_type,''), COALESCE(domain,''), status,
		       violation_count, created_at
		FROM invariants WHERE status != 'deprecated'`
	args := []interface{}{}
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY severity, id LIMIT ?`
	args = append(args, limit)

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query invariants", err)
	}
	defer rows.Close()

	var out []*types.Invariant
	for rows.Next() {
		var inv types.Invariant
		if err := rows.Scan(&inv.ID, &inv.Statement, &inv.Rationale, &inv.Scope, &inv.Severity,
			&inv.ValidationType, &inv.Domain, &inv.Status, &inv.ViolationCount, &inv.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan invariant", err)
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// ViolatedInvariants lists invariants currently in violation.
func (s *Store) ViolatedInvariants(domain string, limit int) ([]*types.Invariant, error) {
	limit = ClampLimit(limit, 10)
	query := `
		SELECT id, statement, COALESCE(rationale,''), scope, severity,
		       COALESCE(validation_type,''), COALESCE(domain,''), status,
		       violation_count, created_at
		FROM invariants WHERE status = 'violated'`
	args := []interface{}{}
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY violation_count DESC, id LIMIT ?`
	args = append(args, limit)

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query violated invariants", err)
	}
	defer rows.Close()

	var out []*types.Invariant
	for rows.Next() {
		var inv types.Invariant
		if err := rows.Scan(&inv.ID, &inv.Statement, &inv.Rationale, &inv.Scope, &inv.Severity,
			&inv.ValidationType, &inv.Domain, &inv.Status, &inv.ViolationCount, &inv.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan invariant", err)
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// AddAssumption stores a belief to be verified later.
func (s *Store) AddAssumption(a *types.Assumption) (int64, error) {
	if strings.TrimSpace(a.Assumption) == "" {
		return 0, hiveerr.Validationf("assumption text cannot be empty")
	}
	if a.Confidence == 0 {
		a.Confidence = 0.5
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO assumptions (assumption, context, source, confidence, status, created_at)
		VALUES (?, ?, ?, ?, 'active', ?)`,
		a.Assumption, a.Context, a.Source, a.Confidence, nowISO())
	if err != nil {
		return 0, hiveerr.Database("insert assumption", err)
	}
	return res.LastInsertId()
}

// VerifyAssumption records a verification or a challenge. Three
// challenges invalidate the assumption.
func (s *Store) VerifyAssumption(id int64, verified bool) error {
	return s.WithTx(func(tx *sql.Tx) error {
		var verifiedCount, challengedCount int
		err := tx.QueryRow(`
			SELECT verified_count, challenged_count FROM assumptions WHERE id = ?`, id).
			Scan(&verifiedCount, &challengedCount)
		if err == sql.ErrNoRows {
			return hiveerr.Validationf("assumption %d not found", id)
		}
		if err != nil {
			return hiveerr.Database("load assumption", err)
		}
		status := "verified"
		if verified {
			verifiedCount++
		} else {
			challengedCount++
			status = "challenged"
			if challengedCount >= 3 {
				status = "invalidated"
			}
		}
		_, err = tx.Exec(`
			UPDATE assumptions SET verified_count = ?, challenged_count = ?, status = ?
			WHERE id = ?`, verifiedCount, challengedCount, status, id)
		if err != nil {
			return hiveerr.Database("update assumption", err)
		}
		return nil
	})
}

// ActiveAssumptions lists live assumptions at or above a confidence
// bar, most confident first.
func (s *Store) ActiveAssumptions(minConfidence float64, limit int) ([]*types.Assumption, error) {
	limit = ClampLimit(limit, 10)
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT id, assumption, COALESCE(context,''), COALESCE(source,''),
		       confidence, status, verified_count, challenged_count, created_at
		FROM assumptions
		WHERE status IN ('active', 'verified') AND confidence >= ?
		ORDER BY confidence DESC, id LIMIT ?`, minConfidence, limit)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query assumptions", err)
	}
	defer rows.Close()
	return scanAssumptions(rows)
}

// ChallengedAssumptions lists assumptions that have been challenged or
// invalidated, most challenged first.
func (s *Store) ChallengedAssumptions(limit int) ([]*types.Assumption, error) {
	limit = ClampLimit(limit, 10)
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT id, assumption, COALESCE(context,''), COALESCE(source,''),
		       confidence, status, verified_count, challenged_count, created_at
		FROM assumptions
		WHERE status IN ('challenged', 'invalidated')
		ORDER BY challenged_count DESC, id LIMIT ?`, limit)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query challenged assumptions", err)
	}
	defer rows.Close()
	return scanAssumptions(rows)
}

func scanAssumptions(rows *sql.Rows) ([]*types.Assumption, error) {
	var out []*types.Assumption
	for rows.Next() {
		var a types.Assumption
		if err := rows.Scan(&a.ID, &a.Assumption, &a.Context, &a.Source,
			&a.Confidence, &a.Status, &a.VerifiedCount, &a.ChallengedCount, &a.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan assumption", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AddSpikeReport stores a research artifact.
func (s *Store) AddSpikeReport(r *types.SpikeReport) (int64, error) {
	if strings.TrimSpace(r.Title) == "" {
		return 0, hiveerr.Validationf("spike report title cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO spike_reports (title, topic, findings, gotchas, domain, time_invested_minutes, usefulness_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Title, r.Topic, r.Findings, r.Gotchas, r.Domain, r.TimeInvestedMinutes, r.UsefulnessScore, nowISO())
	if err != nil {
		return 0, hiveerr.Database("insert spike report", err)
	}
	return res.LastInsertId()
}

// RecentSpikeReports lists spike reports, optionally by domain, most
// useful first.
func (s *Store) RecentSpikeReports(domain string, limit int) ([]*types.SpikeReport, error) {
	limit = ClampLimit(limit, 10)
	query := `
		SELECT id, title, COALESCE(topic,''), COALESCE(findings,''), COALESCE(gotchas,''),
		       COALESCE(domain,''), time_invested_minutes, usefulness_score, access_count, created_at
		FROM spike_reports`
	args := []interface{}{}
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY usefulness_score DESC, id DESC LIMIT ?`
	args = append(args, limit)

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query spike reports", err)
	}
	defer rows.Close()

	var out []*types.SpikeReport
	for rows.Next() {
		var r types.SpikeReport
		if err := rows.Scan(&r.ID, &r.Title, &r.Topic, &r.Findings, &r.Gotchas,
			&r.Domain, &r.TimeInvestedMinutes, &r.UsefulnessScore, &r.AccessCount, &r.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan spike report", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SearchSpikeReports matches title, topic, and findings; each access
// bumps the access counter for usefulness tracking.
func (s *Store) SearchSpikeReports(query string, limit int) ([]*types.SpikeReport, error) {
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit, 10)
	p := "%" + EscapeLike(query) + "%"

	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT id, title, COALESCE(topic,''), COALESCE(findings,''), COALESCE(gotchas,''),
		       COALESCE(domain,''), time_invested_minutes, usefulness_score, access_count, created_at
		FROM spike_reports
		WHERE title LIKE ? ESCAPE '\' OR topic LIKE ? ESCAPE '\' OR findings LIKE ? ESCAPE '\'
		ORDER BY usefulness_score DESC, id DESC LIMIT ?`, p, p, p, limit)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("search spike reports", err)
	}
	defer rows.Close()

	var out []*types.SpikeReport
	var ids []interface{}
	for rows.Next() {
		var r types.SpikeReport
		if err := rows.Scan(&r.ID, &r.Title, &r.Topic, &r.Findings, &r.Gotchas,
			&r.Domain, &r.TimeInvestedMinutes, &r.UsefulnessScore, &r.AccessCount, &r.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan spike report", err)
		}
		out = append(out, &r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerr.Database("iterate spike reports", err)
	}

	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		s.mu.Lock()
		_, err = s.db.Exec(`UPDATE spike_reports SET access_count = access_count + 1 WHERE id IN (`+placeholders+`)`, ids...)
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("spike access bump failed: %v", err)
		}
	}
	return out, nil
}
