package lifecycle

import (
	"time"

	"hivemind/internal/hiveerr"
	"hivemind/internal/store"
	"hivemind/internal/types"
)

// Domain capacity states.
const (
	DomainNormal      = "normal"
	DomainOverflow    = "overflow"
	DomainContracting = "contracting"
)

// Admission is the outcome of an elasticity check.
type Admission struct {
	Allowed   bool
	Reason    string
	EvictedID int64 // non-zero when admission required an eviction
	Novelty   float64
	Health    float64
}

func (e *Engine) domainRecord(domain string) (*store.DomainElasticity, error) {
	return e.store.DomainElasticity(domain,
		e.cfg.Elasticity.SoftLimit, e.cfg.Elasticity.HardLimit, e.cfg.Elasticity.GracePeriodDays)
}

// AdmitHeuristic decides whether a new rule may enter a domain and, if
// so, inserts it. Below the soft limit admission is unconditional.
// Between soft and the effective limit (CEO override when set,
// otherwise the hard limit) the candidate must be novel against
// existing rules and the domain must be healthy. At the effective
// limit an unprotected incumbent is demoted to dormant to make room;
// with none available the candidate is rejected. Golden rules never
// count against capacity and are never evicted.
func (e *Engine) AdmitHeuristic(domain, rule, explanation string) (*types.Heuristic, *Admission, error) {
	count, err := e.store.CountActive(domain)
	if err != nil {
		return nil, nil, err
	}
	rec, err := e.domainRecord(domain)
	if err != nil {
		return nil, nil, err
	}

	if count < rec.SoftLimit {
		h, err := e.store.AddHeuristic(domain, rule, explanation, false, "")
		if err != nil {
			return nil, nil, err
		}
		return h, &Admission{Allowed: true, Reason: "below soft limit"}, nil
	}

	existing, err := e.store.QueryHeuristics(store.HeuristicQuery{
		Domain: domain, Status: types.HeuristicActive, Limit: rec.EffectiveLimit() + 1,
	})
	if err != nil {
		return nil, nil, err
	}

	novelty := noveltyAgainst(rule, existing)
	health := domainHealth(existing)
	adm := &Admission{Novelty: novelty, Health: health}

	if novelty < e.cfg.Elasticity.ExpansionNovelty {
		adm.Reason = "candidate too similar to existing rules"
		return nil, adm, nil
	}
	if health < e.cfg.Elasticity.ExpansionHealth {
		adm.Reason = "domain health below expansion gate"
		return nil, adm, nil
	}

	if count >= rec.EffectiveLimit() {
		victim := e.evictionCandidate(existing)
		if victim == nil {
			adm.Reason = "domain at hard limit with no evictable heuristic"
			return nil, adm, nil
		}
		if err := e.MarkDormant(victim.ID, "evicted for admission"); err != nil {
			return nil, nil, err
		}
		adm.EvictedID = victim.ID
		e.log.Info("demoted heuristic %d in %s to admit new rule", victim.ID, domain)
	}

	h, err := e.store.AddHeuristic(domain, rule, explanation, false, "")
	if err != nil {
		return nil, nil, err
	}
	adm.Allowed = true
	if adm.Reason == "" {
		adm.Reason = "admitted above soft limit"
	}
	if err := e.refreshDomainState(rec); err != nil {
		e.log.Warn("domain state refresh failed for %s: %v", domain, err)
	}
	return h, adm, nil
}

// refreshDomainState moves the capacity state machine after the active
// count changed: above the soft limit a domain enters overflow (the
// entry time starts the contraction grace clock); back at or under the
// soft limit it returns to normal.
func (e *Engine) refreshDomainState(rec *store.DomainElasticity) error {
	count, err := e.store.CountActive(rec.Domain)
	if err != nil {
		return err
	}
	switch {
	case count > rec.SoftLimit && rec.State == DomainNormal:
		rec.State = DomainOverflow
		rec.OverflowEnteredAt = e.now().UTC().Format(time.RFC3339)
	case count <= rec.SoftLimit && rec.State != DomainNormal:
		rec.State = DomainNormal
		rec.OverflowEnteredAt = ""
	default:
		return nil
	}
	return e.store.SaveDomainElasticity(rec)
}

// EnforceDomainLimit demotes the lowest-value unprotected heuristics
// to dormant until the domain's active count fits its effective limit.
// Nothing is ever deleted. Returns how many were demoted.
func (e *Engine) EnforceDomainLimit(domain string) (int, error) {
	rec, err := e.domainRecord(domain)
	if err != nil {
		return 0, err
	}
	limit := rec.EffectiveLimit()
	demoted := 0
	for {
		count, err := e.store.CountActive(domain)
		if err != nil {
			return demoted, err
		}
		if count <= limit {
			break
		}
		existing, err := e.store.QueryHeuristics(store.HeuristicQuery{
			Domain: domain, Status: types.HeuristicActive, Limit: count + 1,
		})
		if err != nil {
			return demoted, err
		}
		victim := e.evictionCandidate(existing)
		if victim == nil {
			break
		}
		if err := e.MarkDormant(victim.ID, "domain limit"); err != nil {
			return demoted, err
		}
		demoted++
	}
	if err := e.refreshDomainState(rec); err != nil {
		e.log.Warn("domain state refresh failed for %s: %v", domain, err)
	}
	return demoted, nil
}

// TriggerContraction shrinks an overflowing domain once its grace
// period has run out. The removal target grows by two per week past
// grace. Similar heuristics are merged first; the remaining shortfall
// is covered by demoting the lowest-scoring candidates to dormant.
func (e *Engine) TriggerContraction(domain string) (int, error) {
	rec, err := e.domainRecord(domain)
	if err != nil {
		return 0, err
	}
	if rec.State == DomainNormal || rec.OverflowEnteredAt == "" {
		return 0, hiveerr.Validationf("domain %s is not in overflow", domain)
	}
	entered, err := time.Parse(time.RFC3339, rec.OverflowEnteredAt)
	if err != nil {
		return 0, hiveerr.Validationf("domain %s has an unreadable overflow timestamp %q", domain, rec.OverflowEnteredAt)
	}
	grace := time.Duration(rec.GracePeriodDays) * 24 * time.Hour
	pastGrace := e.now().UTC().Sub(entered) - grace
	if pastGrace < 0 {
		return 0, hiveerr.Validationf("domain %s is still in its %d-day grace period", domain, rec.GracePeriodDays)
	}

	weeksPast := int(pastGrace.Hours() / (24 * 7))
	if weeksPast < 1 {
		weeksPast = 1
	}
	target := weeksPast * 2

	rec.State = DomainContracting
	if err := e.store.SaveDomainElasticity(rec); err != nil {
		return 0, err
	}

	removed, err := e.AutoMerge(domain)
	if err != nil {
		return removed, err
	}
	for removed < target {
		existing, err := e.store.QueryHeuristics(store.HeuristicQuery{
			Domain: domain, Status: types.HeuristicActive, Limit: 1000,
		})
		if err != nil {
			return removed, err
		}
		victim := e.evictionCandidate(existing)
		if victim == nil {
			break
		}
		if err := e.MarkDormant(victim.ID, "contraction"); err != nil {
			return removed, err
		}
		removed++
	}

	if err := e.refreshDomainState(rec); err != nil {
		e.log.Warn("domain state refresh failed for %s: %v", domain, err)
	}
	e.log.Info("contracted %s by %d (target %d)", domain, removed, target)
	return removed, nil
}

// SetCEOOverride pins a domain's effective limit above (or below) its
// hard limit. Zero clears the override.
func (e *Engine) SetCEOOverride(domain string, limit int) error {
	if limit < 0 {
		return hiveerr.Validationf("override limit cannot be negative")
	}
	rec, err := e.domainRecord(domain)
	if err != nil {
		return err
	}
	rec.CEOOverrideLimit = limit
	return e.store.SaveDomainElasticity(rec)
}

// noveltyAgainst is 1 minus the highest Jaccard similarity between the
// candidate rule and any existing rule.
func noveltyAgainst(rule string, existing []*types.Heuristic) float64 {
	maxSim := 0.0
	for _, h := range existing {
		if sim := jaccard(rule, h.Rule); sim > maxSim {
			maxSim = sim
		}
	}
	return 1 - maxSim
}

// domainHealth is the mean confidence of active heuristics; an empty
// domain is perfectly healthy.
func domainHealth(existing []*types.Heuristic) float64 {
	if len(existing) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, h := range existing {
		sum += h.Confidence
	}
	return sum / float64(len(existing))
}

// evictionCandidate picks the lowest-value unprotected heuristic.
// Protection: golden, or settled performers (confidence and validation
// count above the expansion gates).
func (e *Engine) evictionCandidate(existing []*types.Heuristic) *types.Heuristic {
	var victim *types.Heuristic
	lowest := 0.0
	for _, h := range existing {
		if h.IsGolden {
			continue
		}
		if h.Confidence >= e.cfg.Elasticity.ExpansionConfidence && h.TimesValidated >= e.cfg.Elasticity.ExpansionValidations {
			continue
		}
		score := e.evictionScore(h)
		if victim == nil || score < lowest {
			victim = h
			lowest = score
		}
	}
	return victim
}

// evictionScore ranks heuristics by confidence, recency of use, and
// usage volume. Lower scores evict first.
func (e *Engine) evictionScore(h *types.Heuristic) float64 {
	recency := 0.0
	if h.LastUsedAt != "" {
		if last, err := time.Parse(time.RFC3339, h.LastUsedAt); err == nil {
			days := e.now().UTC().Sub(last).Hours() / 24
			recency = maxf(0, 1-days/90)
		}
	}
	usage := minf(float64(h.TotalApplications())/20.0, 1.0)
	return h.Confidence * (0.5 + 0.5*recency) * (0.5 + 0.5*usage)
}
