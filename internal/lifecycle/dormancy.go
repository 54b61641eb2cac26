package lifecycle

import (
	"sort"
	"strings"
	"time"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "with": true, "this": true, "that": true, "from": true,
	"when": true, "will": true, "all": true, "has": true, "have": true,
	"was": true, "were": true, "you": true, "your": true, "can": true,
	"should": true, "always": true, "never": true, "use": true, "using": true,
	"into": true, "onto": true, "then": true, "than": true, "they": true,
	"its": true, "our": true, "out": true, "any": true, "each": true,
	"does": true, "done": true, "only": true, "also": true, "must": true,
	"may": true, "might": true, "which": true, "what": true, "where": true,
	"how": true, "why": true, "who": true, "been": true, "being": true,
	"more": true, "most": true, "some": true, "such": true, "there": true,
	"their": true, "them": true, "these": true, "those": true, "over": true,
	"under": true, "before": true, "after": true, "between": true,
}

// extractKeywords returns the top-5 most frequent content words of the
// text: lowercase, at least three characters, stopwords removed. Ties
// break alphabetically so triggers are deterministic.
func extractKeywords(text string) []string {
	freq := make(map[string]int)
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(raw, ".,;:!?()[]{}'\"`")
		if len(word) < 3 || stopwords[word] {
			continue
		}
		freq[word]++
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > 5 {
		words = words[:5]
	}
	return words
}

// MarkDormant parks a heuristic and plants revival triggers: up to five
// keywords extracted from its rule and explanation, plus a time-period
// trigger so long-dormant rules resurface on their own. Golden rules
// never go dormant.
func (e *Engine) MarkDormant(heuristicID int64, reason string) error {
	h, err := e.store.GetHeuristic(heuristicID)
	if err != nil {
		return err
	}
	if h.IsGolden {
		return hiveerr.Validationf("golden heuristic %d cannot go dormant", heuristicID)
	}
	if h.Status != types.HeuristicActive {
		return hiveerr.Validationf("heuristic %d is %s, only active heuristics go dormant", heuristicID, h.Status)
	}

	h.Status = types.HeuristicDormant
	h.DormantSince = e.now().UTC().Format(time.RFC3339)
	if err := e.store.SaveHeuristic(h); err != nil {
		return err
	}
	keywords := extractKeywords(h.Rule + " " + h.Explanation)
	if err := e.store.SetRevivalTriggers(h.ID, keywords, e.cfg.Lifecycle.RevivalTimePeriodDays); err != nil {
		return err
	}
	e.log.Info("heuristic %d dormant (%s), triggers: %v + %dd", h.ID, reason, keywords, e.cfg.Lifecycle.RevivalTimePeriodDays)
	return nil
}

// ScanForRevival revives every dormant heuristic whose keyword trigger
// is a substring of the lowercased text, or whose time-period trigger
// has elapsed. Revival resets confidence to at least the revival floor.
func (e *Engine) ScanForRevival(text string) ([]int64, error) {
	now := e.now().UTC().Format(time.RFC3339)
	ids, err := e.store.RevivalCandidates(strings.ToLower(text), now)
	if err != nil {
		return nil, err
	}
	var revived []int64
	for _, id := range ids {
		if _, err := e.ApplyOutcome(id, types.UpdateRevival, Outcome{Reason: "revival trigger matched"}); err != nil {
			e.log.Warn("revival of heuristic %d failed: %v", id, err)
			continue
		}
		revived = append(revived, id)
	}
	return revived, nil
}
