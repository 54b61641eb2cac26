package lifecycle

import (
	"time"

	"hivemind/internal/store"
	"hivemind/internal/types"
)

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Decayed  int
	Dormant  int
	Demoted  int
	Archived int
}

// RunMaintenance sweeps active heuristics: unused past the decay
// half-life lose confidence, and once decay drops them below the decay
// floor they go dormant with reason "decayed"; unused past the revival
// window go dormant outright; domains over their effective limit have
// their weakest heuristics demoted to dormant (never deleted); dormant
// heuristics past the archive window are archived. Golden rules are
// immune to all of it.
func (e *Engine) RunMaintenance() (*MaintenanceReport, error) {
	report := &MaintenanceReport{}
	now := e.now().UTC()

	active, err := e.store.QueryHeuristics(store.HeuristicQuery{
		Status: types.HeuristicActive, Limit: 1000,
	})
	if err != nil {
		return nil, err
	}
	decayAfter := time.Duration(e.cfg.Lifecycle.DecayHalfLifeDays) * 24 * time.Hour
	dormantAfter := time.Duration(e.cfg.Lifecycle.RevivalTimePeriodDays) * 24 * time.Hour

	domains := make(map[string]bool)
	for _, h := range active {
		domains[h.Domain] = true
		if h.IsGolden {
			continue
		}
		idle := e.idleDuration(h, now)
		switch {
		case idle >= dormantAfter:
			if err := e.MarkDormant(h.ID, "unused"); err != nil {
				e.log.Warn("dormancy sweep failed for %d: %v", h.ID, err)
				continue
			}
			report.Dormant++
		case idle >= decayAfter:
			res, err := e.ApplyOutcome(h.ID, types.UpdateDecay, Outcome{Reason: "maintenance decay"})
			if err != nil {
				e.log.Warn("decay failed for %d: %v", h.ID, err)
				continue
			}
			report.Decayed++
			if res.NewConfidence < e.cfg.Lifecycle.DecayFloor {
				if err := e.MarkDormant(h.ID, "decayed"); err != nil {
					e.log.Warn("decay dormancy failed for %d: %v", h.ID, err)
					continue
				}
				report.Dormant++
			}
		}
	}

	for domain := range domains {
		n, err := e.EnforceDomainLimit(domain)
		if err != nil {
			e.log.Warn("limit enforcement failed for %s: %v", domain, err)
			continue
		}
		report.Demoted += n
	}

	dormant, err := e.store.QueryHeuristics(store.HeuristicQuery{
		Status: types.HeuristicDormant, Limit: 1000,
	})
	if err != nil {
		return nil, err
	}
	archiveAfter := time.Duration(e.cfg.Lifecycle.ArchiveAfterDormantDays) * 24 * time.Hour
	for _, h := range dormant {
		if h.IsGolden || h.DormantSince == "" {
			continue
		}
		since, err := time.Parse(time.RFC3339, h.DormantSince)
		if err != nil {
			continue
		}
		if now.Sub(since) >= archiveAfter {
			h.Status = types.HeuristicArchived
			if err := e.store.SaveHeuristic(h); err != nil {
				return nil, err
			}
			report.Archived++
		}
	}

	e.log.Info("maintenance: %d decayed, %d dormant, %d demoted, %d archived",
		report.Decayed, report.Dormant, report.Demoted, report.Archived)
	return report, nil
}

// idleDuration measures time since the heuristic was last used,
// falling back to creation time for never-used heuristics.
func (e *Engine) idleDuration(h *types.Heuristic, now time.Time) time.Duration {
	ref := h.LastUsedAt
	if ref == "" {
		ref = h.CreatedAt
	}
	t, err := time.Parse(time.RFC3339, ref)
	if err != nil {
		return 0
	}
	return now.Sub(t)
}
