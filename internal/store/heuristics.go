package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

const heuristicColumns = `id, domain, rule, explanation, confidence, confidence_ema,
	ema_alpha, ema_warmup_remaining, times_validated, times_violated,
	times_contradicted, times_revived, status, is_golden, project_path,
	last_used_at, dormant_since, update_count_today, update_count_reset,
	last_update, fraud_flags, last_fraud_check, created_at`

func scanHeuristic(row interface{ Scan(...interface{}) error }) (*types.Heuristic, error) {
	var h types.Heuristic
	var explanation, projectPath, lastUsed, dormantSince, updateReset, lastUpdate, lastFraud sql.NullString
	var golden int
	err := row.Scan(&h.ID, &h.Domain, &h.Rule, &explanation, &h.Confidence, &h.ConfidenceEMA,
		&h.EMAAlpha, &h.EMAWarmupRemaining, &h.TimesValidated, &h.TimesViolated,
		&h.TimesContradicted, &h.TimesRevived, &h.Status, &golden, &projectPath,
		&lastUsed, &dormantSince, &h.UpdateCountToday, &updateReset,
		&lastUpdate, &h.FraudFlags, &lastFraud, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	h.Explanation = explanation.String
	h.ProjectPath = projectPath.String
	h.LastUsedAt = lastUsed.String
	h.DormantSince = dormantSince.String
	h.UpdateCountReset = updateReset.String
	h.LastUpdate = lastUpdate.String
	h.LastFraudCheck = lastFraud.String
	h.IsGolden = golden != 0
	return &h, nil
}

// AddHeuristic inserts a new heuristic with default confidence state.
func (s *Store) AddHeuristic(domain, rule, explanation string, isGolden bool, projectPath string) (*types.Heuristic, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rule) == "" {
		return nil, hiveerr.Validationf("rule cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	golden := 0
	if isGolden {
		golden = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO heuristics (domain, rule, explanation, is_golden, project_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		domain, rule, explanation, golden, projectPath, nowISO())
	if err != nil {
		return nil, hiveerr.Database("insert heuristic", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, hiveerr.Database("heuristic id", err)
	}
	return s.getHeuristicLocked(id)
}

// GetHeuristic fetches one heuristic by id.
func (s *Store) GetHeuristic(id int64) (*types.Heuristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getHeuristicLocked(id)
}

func (s *Store) getHeuristicLocked(id int64) (*types.Heuristic, error) {
	row := s.db.QueryRow(`SELECT `+heuristicColumns+` FROM heuristics WHERE id = ?`, id)
	h, err := scanHeuristic(row)
	if err == sql.ErrNoRows {
		return nil, hiveerr.Validationf("heuristic %d not found", id)
	}
	if err != nil {
		return nil, hiveerr.Database("get heuristic", err)
	}
	return h, nil
}

// SaveHeuristic writes back every mutable field. The lifecycle engine
// mutates heuristics in memory and persists through this.
func (s *Store) SaveHeuristic(h *types.Heuristic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	golden := 0
	if h.IsGolden {
		golden = 1
	}
	_, err := s.db.Exec(`
		UPDATE heuristics SET
			rule = ?, explanation = ?, confidence = ?, confidence_ema = ?,
			ema_alpha = ?, ema_warmup_remaining = ?, times_validated = ?,
			times_violated = ?, times_contradicted = ?, times_revived = ?,
			status = ?, is_golden = ?, last_used_at = ?, dormant_since = ?,
			update_count_today = ?, update_count_reset = ?, last_update = ?,
			fraud_flags = ?, last_fraud_check = ?
		WHERE id = ?`,
		h.Rule, h.Explanation, h.Confidence, h.ConfidenceEMA,
		h.EMAAlpha, h.EMAWarmupRemaining, h.TimesValidated,
		h.TimesViolated, h.TimesContradicted, h.TimesRevived,
		h.Status, golden, nullable(h.LastUsedAt), nullable(h.DormantSince),
		h.UpdateCountToday, nullable(h.UpdateCountReset), nullable(h.LastUpdate),
		h.FraudFlags, nullable(h.LastFraudCheck),
		h.ID)
	if err != nil {
		return hiveerr.Database("save heuristic", err)
	}
	return nil
}

// HeuristicQuery narrows QueryHeuristics. Zero values match all.
type HeuristicQuery struct {
	Domain        string
	Status        types.HeuristicStatus
	MinConfidence float64
	Search        string
	Limit         int
}

// QueryHeuristics lists heuristics matching the filter, highest
// confidence first. Search terms match rule and explanation with LIKE.
func (s *Store) QueryHeuristics(q HeuristicQuery) ([]*types.Heuristic, error) {
	if q.Domain != "" {
		if err := ValidateDomain(q.Domain); err != nil {
			return nil, err
		}
	}
	if q.Search != "" {
		if err := ValidateQuery(q.Search); err != nil {
			return nil, err
		}
	}
	limit := ClampLimit(q.Limit, 50)

	where := []string{"1=1"}
	args := []interface{}{}
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, q.Domain)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, q.MinConfidence)
	}
	if q.Search != "" {
		where = append(where, `(rule LIKE ? ESCAPE '\' OR explanation LIKE ? ESCAPE '\')`)
		pattern := "%" + EscapeLike(q.Search) + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, limit)

	start := time.Now()
	s.mu.Lock()
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT %s FROM heuristics WHERE %s ORDER BY confidence DESC, id ASC LIMIT ?`,
		heuristicColumns, strings.Join(where, " AND ")), args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query heuristics", err)
	}
	defer rows.Close()

	var out []*types.Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			return nil, hiveerr.Database("scan heuristic", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, hiveerr.Database("iterate heuristics", err)
	}
	s.AuditQuery("heuristics", q.Domain, q.Search, len(out), time.Since(start).Milliseconds(), AuditSuccess)
	return out, nil
}

// GoldenRules lists golden heuristics, optionally scoped to a domain.
func (s *Store) GoldenRules(domain string) ([]*types.Heuristic, error) {
	query := `SELECT ` + heuristicColumns + ` FROM heuristics WHERE is_golden = 1`
	args := []interface{}{}
	if domain != "" {
		if err := ValidateDomain(domain); err != nil {
			return nil, err
		}
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY confidence DESC`

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query golden rules", err)
	}
	defer rows.Close()

	var out []*types.Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			return nil, hiveerr.Database("scan golden rule", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetGolden toggles golden status. Golden heuristics are immune to
// decay, deprecation, eviction, and archival.
func (s *Store) SetGolden(id int64, golden bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := 0
	if golden {
		g = 1
	}
	res, err := s.db.Exec(`UPDATE heuristics SET is_golden = ? WHERE id = ?`, g, id)
	if err != nil {
		return hiveerr.Database("set golden", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hiveerr.Validationf("heuristic %d not found", id)
	}
	return nil
}

// CountActive returns the number of active heuristics in a domain,
// excluding golden rules (which never count against capacity).
func (s *Store) CountActive(domain string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM heuristics
		WHERE domain = ? AND status = 'active' AND is_golden = 0`, domain).Scan(&n)
	if err != nil {
		return 0, hiveerr.Database("count active heuristics", err)
	}
	return n, nil
}

// ConfidenceUpdate is one row of the confidence audit trail.
type ConfidenceUpdate struct {
	ID            int64
	HeuristicID   int64
	UpdateType    types.UpdateType
	OldConfidence float64
	NewConfidence float64
	RawConfidence float64
	AlphaUsed     float64
	Reason        string
	SessionID     string
	AgentID       string
	CreatedAt     string
}

// RecordConfidenceUpdate appends to the confidence audit trail.
func (s *Store) RecordConfidenceUpdate(u *ConfidenceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt == "" {
		u.CreatedAt = nowISO()
	}
	res, err := s.db.Exec(`
		INSERT INTO confidence_updates
			(heuristic_id, update_type, old_confidence, new_confidence, raw_confidence,
			 alpha_used, reason, session_id, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.HeuristicID, string(u.UpdateType), u.OldConfidence, u.NewConfidence,
		u.RawConfidence, u.AlphaUsed, u.Reason, u.SessionID, u.AgentID, u.CreatedAt)
	if err != nil {
		return hiveerr.Database("record confidence update", err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

// ConfidenceUpdates lists the audit trail for one heuristic since the
// given RFC3339 time (empty = all), oldest first.
func (s *Store) ConfidenceUpdates(heuristicID int64, since string) ([]*ConfidenceUpdate, error) {
	query := `
		SELECT id, heuristic_id, update_type, old_confidence, new_confidence,
		       COALESCE(raw_confidence, 0), COALESCE(alpha_used, 0),
		       COALESCE(reason, ''), COALESCE(session_id, ''), COALESCE(agent_id, ''), created_at
		FROM confidence_updates WHERE heuristic_id = ?`
	args := []interface{}{heuristicID}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY id ASC`

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query confidence updates", err)
	}
	defer rows.Close()

	var out []*ConfidenceUpdate
	for rows.Next() {
		var u ConfidenceUpdate
		var ut string
		if err := rows.Scan(&u.ID, &u.HeuristicID, &ut, &u.OldConfidence, &u.NewConfidence,
			&u.RawConfidence, &u.AlphaUsed, &u.Reason, &u.SessionID, &u.AgentID, &u.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan confidence update", err)
		}
		u.UpdateType = types.UpdateType(ut)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// RecordMerge logs a heuristic merge for auditing.
func (s *Store) RecordMerge(keptID, mergedID int64, similarity float64, mergedRule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO heuristic_merges (kept_id, merged_id, similarity, merged_rule, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		keptID, mergedID, similarity, mergedRule, nowISO())
	if err != nil {
		return hiveerr.Database("record merge", err)
	}
	return nil
}

// SetRevivalTriggers replaces the triggers for a heuristic: one keyword
// trigger per keyword plus, when periodDays > 0, one time-period
// trigger that fires after that many days of dormancy.
func (s *Store) SetRevivalTriggers(heuristicID int64, keywords []string, periodDays int) error {
	return s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM revival_triggers WHERE heuristic_id = ?`, heuristicID); err != nil {
			return hiveerr.Database("clear revival triggers", err)
		}
		now := nowISO()
		for _, kw := range keywords {
			if _, err := tx.Exec(`
				INSERT INTO revival_triggers (heuristic_id, trigger_type, keyword, created_at)
				VALUES (?, 'keyword', ?, ?)`, heuristicID, kw, now); err != nil {
				return hiveerr.Database("insert revival trigger", err)
			}
		}
		if periodDays > 0 {
			if _, err := tx.Exec(`
				INSERT INTO revival_triggers (heuristic_id, trigger_type, period_days, created_at)
				VALUES (?, 'time_period', ?, ?)`, heuristicID, periodDays, now); err != nil {
				return hiveerr.Database("insert revival trigger", err)
			}
		}
		return nil
	})
}

// RevivalCandidates returns ids of dormant heuristics with a keyword
// trigger that is a substring of the lowercased context, or a
// time-period trigger whose period has elapsed since dormancy began.
func (s *Store) RevivalCandidates(loweredContext, now string) ([]int64, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`
		SELECT DISTINCT rt.heuristic_id
		FROM revival_triggers rt
		JOIN heuristics h ON h.id = rt.heuristic_id
		WHERE h.status = 'dormant'
		  AND ((rt.trigger_type = 'keyword'
		        AND rt.keyword IS NOT NULL AND rt.keyword <> ''
		        AND instr(?, LOWER(rt.keyword)) > 0)
		    OR (rt.trigger_type = 'time_period'
		        AND h.dormant_since IS NOT NULL
		        AND datetime(h.dormant_since, '+' || rt.period_days || ' days') <= datetime(?)))`,
		loweredContext, now)
	s.mu.Unlock()
	if err != nil {
		return nil, hiveerr.Database("query revival candidates", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, hiveerr.Database("scan revival candidate", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DomainElasticity is a domain's capacity record: limits, optional CEO
// override, and the overflow state machine.
type DomainElasticity struct {
	Domain            string
	SoftLimit         int
	HardLimit         int
	CEOOverrideLimit  int    // 0 = no override
	State             string // normal | overflow | contracting
	OverflowEnteredAt string
	GracePeriodDays   int
}

// EffectiveLimit is the capacity actually enforced: the CEO override
// when set, otherwise the hard limit.
func (d *DomainElasticity) EffectiveLimit() int {
	if d.CEOOverrideLimit > 0 {
		return d.CEOOverrideLimit
	}
	return d.HardLimit
}

// DomainElasticity loads a domain's capacity record, filling defaults
// when no row exists yet.
func (s *Store) DomainElasticity(domain string, defSoft, defHard, defGrace int) (*DomainElasticity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &DomainElasticity{Domain: domain, State: "normal"}
	var override, grace sql.NullInt64
	var entered sql.NullString
	err := s.db.QueryRow(`
		SELECT soft_limit, hard_limit, ceo_override_limit, state, overflow_entered_at, grace_period_days
		FROM domain_limits WHERE domain = ?`, domain).
		Scan(&d.SoftLimit, &d.HardLimit, &override, &d.State, &entered, &grace)
	if err == sql.ErrNoRows {
		d.SoftLimit, d.HardLimit, d.GracePeriodDays = defSoft, defHard, defGrace
		return d, nil
	}
	if err != nil {
		return nil, hiveerr.Database("query domain elasticity", err)
	}
	d.CEOOverrideLimit = int(override.Int64)
	d.OverflowEnteredAt = entered.String
	d.GracePeriodDays = int(grace.Int64)
	if d.GracePeriodDays == 0 {
		d.GracePeriodDays = defGrace
	}
	return d, nil
}

// SaveDomainElasticity upserts the full capacity record.
func (s *Store) SaveDomainElasticity(d *DomainElasticity) error {
	if err := ValidateDomain(d.Domain); err != nil {
		return err
	}
	if d.SoftLimit < 1 || d.HardLimit < d.SoftLimit {
		return hiveerr.Validationf("limits must satisfy 1 <= soft <= hard, got soft=%d hard=%d", d.SoftLimit, d.HardLimit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO domain_limits (domain, soft_limit, hard_limit, ceo_override_limit,
			state, overflow_entered_at, grace_period_days, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			soft_limit = excluded.soft_limit, hard_limit = excluded.hard_limit,
			ceo_override_limit = excluded.ceo_override_limit, state = excluded.state,
			overflow_entered_at = excluded.overflow_entered_at,
			grace_period_days = excluded.grace_period_days, updated_at = excluded.updated_at`,
		d.Domain, d.SoftLimit, d.HardLimit, nullableInt(d.CEOOverrideLimit),
		d.State, nullable(d.OverflowEnteredAt), nullableInt(d.GracePeriodDays), nowISO())
	if err != nil {
		return hiveerr.Database("save domain elasticity", err)
	}
	return nil
}

// DomainLimits returns the (soft, hard) capacity for a domain, falling
// back to the given defaults when no override exists.
func (s *Store) DomainLimits(domain string, defSoft, defHard int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var soft, hard int
	err := s.db.QueryRow(`SELECT soft_limit, hard_limit FROM domain_limits WHERE domain = ?`, domain).Scan(&soft, &hard)
	if err == sql.ErrNoRows {
		return defSoft, defHard, nil
	}
	if err != nil {
		return 0, 0, hiveerr.Database("query domain limits", err)
	}
	return soft, hard, nil
}

// SetDomainLimits overrides a domain's capacity.
func (s *Store) SetDomainLimits(domain string, soft, hard int) error {
	if err := ValidateDomain(domain); err != nil {
		return err
	}
	if soft < 1 || hard < soft {
		return hiveerr.Validationf("limits must satisfy 1 <= soft <= hard, got soft=%d hard=%d", soft, hard)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO domain_limits (domain, soft_limit, hard_limit, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET soft_limit = excluded.soft_limit,
			hard_limit = excluded.hard_limit, updated_at = excluded.updated_at`,
		domain, soft, hard, nowISO())
	if err != nil {
		return hiveerr.Database("set domain limits", err)
	}
	return nil
}

func nullableInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
