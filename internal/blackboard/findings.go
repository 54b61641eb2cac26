package blackboard

import (
	"fmt"
	"sort"
	"strings"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

// FindingFilter narrows GetFindings results. Zero values match all.
type FindingFilter struct {
	Since      string
	Type       types.FindingType
	Importance types.Importance
}

// AddFinding appends a finding and returns its id. Findings are never
// rewritten.
func (b *Board) AddFinding(agentID string, ftype types.FindingType, content string, files []string, importance types.Importance, tags []string) (string, error) {
	if content == "" {
		return "", hiveerr.Validationf("finding content cannot be empty")
	}
	if importance == "" {
		importance = types.ImportanceNormal
	}
	var id string
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		id = fmt.Sprintf("finding-%d", len(s.Findings)+1)
		s.Findings = append(s.Findings, &types.Finding{
			ID:         id,
			AgentID:    agentID,
			Type:       ftype,
			Content:    content,
			Files:      files,
			Importance: importance,
			Tags:       tags,
			Timestamp:  nowISO(),
		})
		b.emit(eventFindingAdded, map[string]interface{}{
			"id": id, "agent_id": agentID, "type": string(ftype),
			"content": content, "files": toIface(files),
			"importance": string(importance), "tags": toIface(tags),
		})
		return true, nil
	})
	return id, err
}

// GetFindings returns findings matching the filter, oldest first.
func (b *Board) GetFindings(filter FindingFilter) ([]*types.Finding, error) {
	var out []*types.Finding
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, f := range s.Findings {
			if filter.Type != "" && f.Type != filter.Type {
				continue
			}
			if filter.Importance != "" && f.Importance != filter.Importance {
				continue
			}
			if filter.Since != "" && f.Timestamp <= filter.Since {
				continue
			}
			out = append(out, f)
		}
		return false, nil
	})
	return out, err
}

// FindingsSinceCursor returns findings[cursor:] together with the new
// cursor position.
func (b *Board) FindingsSinceCursor(cursor int) ([]*types.Finding, int, error) {
	if cursor < 0 {
		cursor = 0
	}
	var out []*types.Finding
	var next int
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		if cursor > len(s.Findings) {
			next = len(s.Findings)
			return false, nil
		}
		out = append(out, s.Findings[cursor:]...)
		next = len(s.Findings)
		return false, nil
	})
	return out, next, err
}

// CriticalFindings returns findings with importance=critical or
// type=blocker.
func (b *Board) CriticalFindings() ([]*types.Finding, error) {
	var out []*types.Finding
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, f := range s.Findings {
			if f.Importance == types.ImportanceCritical || f.Type == types.FindingBlocker {
				out = append(out, f)
			}
		}
		return false, nil
	})
	return out, err
}

// FindingsForInterests matches findings whose tags intersect the
// interests or whose content contains an interest, case-insensitively.
func (b *Board) FindingsForInterests(interests []string) ([]*types.Finding, error) {
	lowered := make([]string, len(interests))
	for i, in := range interests {
		lowered[i] = strings.ToLower(in)
	}
	var out []*types.Finding
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, f := range s.Findings {
			if matchesInterests(f, lowered) {
				out = append(out, f)
			}
		}
		return false, nil
	})
	return out, err
}

func matchesInterests(f *types.Finding, lowered []string) bool {
	content := strings.ToLower(f.Content)
	for _, in := range lowered {
		if strings.Contains(content, in) {
			return true
		}
		for _, tag := range f.Tags {
			if strings.ToLower(tag) == in {
				return true
			}
		}
	}
	return false
}

// SearchFindings is keyword-only: every whitespace-separated term must
// appear in the content, tags, or files. Results are newest first.
func (b *Board) SearchFindings(query string, limit int) ([]*types.Finding, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, hiveerr.Validationf("search query cannot be empty")
	}
	if limit <= 0 {
		limit = 20
	}
	var out []*types.Finding
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, f := range s.Findings {
			haystack := strings.ToLower(f.Content + " " + strings.Join(f.Tags, " ") + " " + strings.Join(f.Files, " "))
			all := true
			for _, term := range terms {
				if !strings.Contains(haystack, term) {
					all = false
					break
				}
			}
			if all {
				out = append(out, f)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
