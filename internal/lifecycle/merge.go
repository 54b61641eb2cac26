package lifecycle

import (
	"strings"

	"hivemind/internal/store"
	"hivemind/internal/types"
)

// jaccard is token-set similarity between two rules, lowercase.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, raw := range strings.Fields(strings.ToLower(s)) {
		word := strings.Trim(raw, ".,;:!?()[]{}'\"`")
		if word != "" {
			out[word] = true
		}
	}
	return out
}

// MergeCandidate pairs two similar heuristics.
type MergeCandidate struct {
	A          *types.Heuristic
	B          *types.Heuristic
	Similarity float64
}

// FindMergeCandidates returns active pairs within a domain whose rule
// similarity reaches the merge threshold.
func (e *Engine) FindMergeCandidates(domain string) ([]MergeCandidate, error) {
	hs, err := e.store.QueryHeuristics(store.HeuristicQuery{
		Domain: domain, Status: types.HeuristicActive, Limit: 1000,
	})
	if err != nil {
		return nil, err
	}
	var out []MergeCandidate
	for i := 0; i < len(hs); i++ {
		for j := i + 1; j < len(hs); j++ {
			sim := jaccard(hs[i].Rule, hs[j].Rule)
			if sim >= e.cfg.Elasticity.MergeSimilarity {
				out = append(out, MergeCandidate{A: hs[i], B: hs[j], Similarity: sim})
			}
		}
	}
	return out, nil
}

// Merge combines two heuristics: the one with more validations
// survives, confidence becomes the validation-weighted mean,
// explanations are joined, counters sum, and the loser is archived.
func (e *Engine) Merge(c MergeCandidate) (*types.Heuristic, error) {
	kept, merged := c.A, c.B
	if merged.TimesValidated > kept.TimesValidated {
		kept, merged = merged, kept
	}

	wa := float64(kept.TimesValidated + 1)
	wb := float64(merged.TimesValidated + 1)
	kept.Confidence = clamp((kept.Confidence*wa+merged.Confidence*wb)/(wa+wb), confidenceFloor, confidenceCeiling)
	kept.ConfidenceEMA = kept.Confidence

	if merged.Explanation != "" && merged.Explanation != kept.Explanation {
		if kept.Explanation == "" {
			kept.Explanation = merged.Explanation
		} else {
			kept.Explanation = kept.Explanation + "|" + merged.Explanation
		}
	}
	kept.TimesValidated += merged.TimesValidated
	kept.TimesViolated += merged.TimesViolated
	kept.TimesContradicted += merged.TimesContradicted
	kept.IsGolden = kept.IsGolden || merged.IsGolden

	merged.Status = types.HeuristicArchived

	if err := e.store.SaveHeuristic(kept); err != nil {
		return nil, err
	}
	if err := e.store.SaveHeuristic(merged); err != nil {
		return nil, err
	}
	if err := e.store.RecordMerge(kept.ID, merged.ID, c.Similarity, kept.Rule); err != nil {
		return nil, err
	}
	e.log.Info("merged heuristic %d into %d (similarity %.2f)", merged.ID, kept.ID, c.Similarity)
	return kept, nil
}

// AutoMerge merges every candidate pair at or above the auto-merge
// threshold and returns how many merges ran. Pairs already consumed by
// an earlier merge in the same pass are skipped.
func (e *Engine) AutoMerge(domain string) (int, error) {
	candidates, err := e.FindMergeCandidates(domain)
	if err != nil {
		return 0, err
	}
	consumed := make(map[int64]bool)
	merges := 0
	for _, c := range candidates {
		if c.Similarity < e.cfg.Elasticity.AutoMergeSimilarity {
			continue
		}
		if consumed[c.A.ID] || consumed[c.B.ID] {
			continue
		}
		if _, err := e.Merge(c); err != nil {
			return merges, err
		}
		consumed[c.A.ID] = true
		consumed[c.B.ID] = true
		merges++
	}
	return merges, nil
}
