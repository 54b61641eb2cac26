// Package lifecycle drives heuristic learning: confidence updates
// through an adaptive EMA, daily rate limiting, rate-based
// deprecation, dormancy with keyword revival, per-domain elasticity,
// and periodic maintenance.
package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"hivemind/internal/config"
	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
	"hivemind/internal/store"
	"hivemind/internal/types"
)

const (
	confidenceFloor   = 0.05
	confidenceCeiling = 0.95
	revivalFloor      = 0.35
	decayFactor       = 0.92
	warmupAlpha       = 0.30
)

// FraudChecker is notified when a heuristic accumulates enough
// applications to be worth screening. Implementations run their own
// goroutines; Check must not block.
type FraudChecker interface {
	Check(heuristicID int64)
}

// Engine applies lifecycle rules on top of the knowledge store.
type Engine struct {
	store *store.Store
	cfg   *config.Config
	fraud FraudChecker
	log   *logging.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New builds an engine. fraud may be nil.
func New(s *store.Store, cfg *config.Config, fraud FraudChecker) *Engine {
	return &Engine{
		store: s,
		cfg:   cfg,
		fraud: fraud,
		log:   logging.Get(logging.CategoryLifecycle),
		now:   time.Now,
	}
}

// UpdateResult reports what ApplyOutcome did.
type UpdateResult struct {
	Applied       bool
	RateLimited   bool
	OldConfidence float64
	NewConfidence float64
	Raw           float64
	Alpha         float64
	Deprecated    bool
}

// Outcome carries the attribution and options for one confidence
// update. Force bypasses the daily and cooldown rate checks; the audit
// row is written either way.
type Outcome struct {
	Reason    string
	Context   string
	SessionID string
	AgentID   string
	Force     bool
}

// ApplyOutcome records an application outcome for a heuristic and
// moves its confidence. SUCCESS, FAILURE, and CONTRADICTION pass
// through the EMA; DECAY and REVIVAL apply their raw value directly.
// Returns a rate-limited result instead of an error when the daily or
// cooldown budget is exhausted.
func (e *Engine) ApplyOutcome(heuristicID int64, update types.UpdateType, o Outcome) (*UpdateResult, error) {
	h, err := e.store.GetHeuristic(heuristicID)
	if err != nil {
		return nil, err
	}
	if h.Status == types.HeuristicArchived || h.Status == types.HeuristicDeprecated {
		return nil, hiveerr.Validationf("heuristic %d is %s and no longer updatable", heuristicID, h.Status)
	}

	now := e.now().UTC()
	e.resetDailyBudget(h, now)

	if !o.Force {
		if limited := e.rateLimited(h, now, update); limited {
			e.log.Info("heuristic %d rate limited (%d updates today)", h.ID, h.UpdateCountToday)
			return &UpdateResult{
				RateLimited:   true,
				OldConfidence: h.Confidence,
				NewConfidence: h.Confidence,
			}, nil
		}
	} else if isOutcome(update) {
		e.log.Info("heuristic %d forced update, rate checks bypassed", h.ID)
	}

	old := h.Confidence
	raw := rawTarget(old, update)

	var alpha, next float64
	switch update {
	case types.UpdateDecay, types.UpdateRevival:
		// Maintenance moves bypass smoothing.
		next = raw
	default:
		if update == types.UpdateSuccess {
			alpha = e.alphaFor(h)
		} else {
			alpha = e.alphaForNegative(h)
		}
		next = alpha*raw + (1-alpha)*old
	}
	next = clamp(next, confidenceFloor, confidenceCeiling)

	switch update {
	case types.UpdateSuccess:
		h.TimesValidated++
	case types.UpdateFailure:
		h.TimesViolated++
	case types.UpdateContradiction:
		h.TimesContradicted++
	case types.UpdateRevival:
		h.TimesRevived++
		h.Status = types.HeuristicActive
		h.DormantSince = ""
	}

	h.Confidence = next
	h.ConfidenceEMA = next
	if h.EMAWarmupRemaining > 0 && isOutcome(update) {
		h.EMAWarmupRemaining--
	}
	if isOutcome(update) {
		h.UpdateCountToday++
		h.LastUpdate = now.Format(time.RFC3339)
		h.LastUsedAt = now.Format(time.RFC3339)
	}

	result := &UpdateResult{
		Applied:       true,
		OldConfidence: old,
		NewConfidence: next,
		Raw:           raw,
		Alpha:         alpha,
	}

	// Persistently failing heuristics get deprecated by contradiction
	// rate, never by raw confidence alone. Golden rules are immune.
	if !h.IsGolden && update == types.UpdateContradiction {
		total := h.TotalApplications()
		if total >= 10 && float64(h.TimesContradicted)/float64(total) > e.cfg.Lifecycle.ContradictionRateLimit {
			h.Status = types.HeuristicDeprecated
			result.Deprecated = true
			e.log.Warn("heuristic %d deprecated: %d/%d contradictions", h.ID, h.TimesContradicted, total)
		}
	}

	if err := e.store.SaveHeuristic(h); err != nil {
		return nil, err
	}
	if err := e.store.RecordConfidenceUpdate(&store.ConfidenceUpdate{
		HeuristicID:   h.ID,
		UpdateType:    update,
		OldConfidence: old,
		NewConfidence: next,
		RawConfidence: raw,
		AlphaUsed:     alpha,
		Reason:        o.Reason,
		SessionID:     o.SessionID,
		AgentID:       o.AgentID,
	}); err != nil {
		return nil, err
	}

	if o.Context != "" && isOutcome(update) {
		sum := sha256.Sum256([]byte(o.Context))
		if err := e.store.RecordSessionContext(h.ID, hex.EncodeToString(sum[:])); err != nil {
			e.log.Warn("context hash record failed: %v", err)
		}
	}

	if e.fraud != nil && isOutcome(update) && h.TotalApplications() >= e.cfg.Fraud.MinApplications {
		e.fraud.Check(h.ID)
	}
	return result, nil
}

// isOutcome reports whether the update reflects a real application
// (as opposed to a maintenance move).
func isOutcome(u types.UpdateType) bool {
	return u == types.UpdateSuccess || u == types.UpdateFailure || u == types.UpdateContradiction
}

// rawTarget computes the pre-smoothing target confidence.
func rawTarget(c float64, update types.UpdateType) float64 {
	switch update {
	case types.UpdateSuccess:
		return minf(c+0.10*(1-c), confidenceCeiling)
	case types.UpdateFailure:
		return maxf(c-0.10*c, confidenceFloor)
	case types.UpdateContradiction:
		return maxf(c-0.15*c, confidenceFloor)
	case types.UpdateDecay:
		return maxf(c*decayFactor, confidenceFloor)
	case types.UpdateRevival:
		return maxf(c, revivalFloor)
	}
	return c
}

// alphaFor picks the smoothing factor: a fixed warmup alpha for young
// heuristics, then a value keyed to how settled the confidence is.
// The second value of each pair applies to negative outcomes, which
// always move at least as fast as positive ones.
func (e *Engine) alphaFor(h *types.Heuristic) float64 {
	if h.EMAWarmupRemaining > 0 {
		return warmupAlpha
	}
	c := h.Confidence
	total := h.TotalApplications()
	switch {
	case c > 0.80:
		return 0.10
	case c < 0.30:
		return 0.25
	case total >= 20:
		return 0.15
	default:
		return 0.20
	}
}

// alphaForNegative mirrors alphaFor for FAILURE and CONTRADICTION.
func (e *Engine) alphaForNegative(h *types.Heuristic) float64 {
	if h.EMAWarmupRemaining > 0 {
		return warmupAlpha
	}
	c := h.Confidence
	total := h.TotalApplications()
	switch {
	case c > 0.80:
		return 0.15
	case c < 0.30:
		return 0.20
	case total >= 20:
		return 0.20
	default:
		return 0.25
	}
}

// resetDailyBudget clears the per-day counter on date change.
func (e *Engine) resetDailyBudget(h *types.Heuristic, now time.Time) {
	today := now.Format("2006-01-02")
	if h.UpdateCountReset != today {
		h.UpdateCountToday = 0
		h.UpdateCountReset = today
	}
}

// rateLimited enforces the daily cap and the between-update cooldown.
// Maintenance moves are never limited.
func (e *Engine) rateLimited(h *types.Heuristic, now time.Time, update types.UpdateType) bool {
	if !isOutcome(update) {
		return false
	}
	if h.UpdateCountToday >= e.cfg.Lifecycle.MaxUpdatesPerDay {
		return true
	}
	if h.LastUpdate != "" {
		last, err := time.Parse(time.RFC3339, h.LastUpdate)
		if err == nil && now.Sub(last) < time.Duration(e.cfg.Lifecycle.CooldownMinutes)*time.Minute {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
