package blackboard

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

// BlockedError reports a claim rejected because other agents hold
// overlapping active chains. Callers retry later or pick a disjoint
// file set.
type BlockedError struct {
	AgentID        string
	BlockingChains []*types.ClaimChain
	Conflicts      []string
}

func (e *BlockedError) Error() string {
	holders := make([]string, 0, len(e.BlockingChains))
	for _, c := range e.BlockingChains {
		holders = append(holders, fmt.Sprintf("%s(%s)", c.ChainID, c.AgentID))
	}
	return fmt.Sprintf("claim blocked for %s: files %v held by %s",
		e.AgentID, e.Conflicts, strings.Join(holders, ", "))
}

// normalizePath canonicalizes a claimed file path so overlap checks
// compare like with like.
func normalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(strings.TrimSpace(p)))
}

// expireStaleChains lazily marks active chains past their expiry. It
// runs on every locked read of the snapshot.
func (b *Board) expireStaleChains(s *types.Snapshot) {
	now := time.Now().UTC()
	for _, c := range s.ClaimChains {
		if c.Status != types.ChainActive {
			continue
		}
		exp, err := time.Parse(time.RFC3339, c.ExpiresAt)
		if err == nil && now.After(exp) {
			c.Status = types.ChainExpired
		}
	}
}

// ClaimChain atomically reserves a file set for an agent. The overlap
// check and the insert happen under the same lock, which gives the
// mutual-exclusion invariant: active chains of different agents never
// share a file. Overlap with the agent's own chains is allowed.
func (b *Board) ClaimChain(agentID string, files []string, reason string, ttlMinutes int) (*types.ClaimChain, error) {
	if agentID == "" {
		return nil, hiveerr.Validationf("agent_id cannot be empty")
	}
	if len(files) == 0 {
		return nil, hiveerr.Validationf("claim requires at least one file")
	}
	if ttlMinutes <= 0 {
		ttlMinutes = 30
	}

	normalized := make([]string, 0, len(files))
	seen := make(map[string]bool)
	for _, f := range files {
		n := normalizePath(f)
		if n == "" || n == "." || seen[n] {
			continue
		}
		seen[n] = true
		normalized = append(normalized, n)
	}
	sort.Strings(normalized)

	var chain *types.ClaimChain
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		var blocking []*types.ClaimChain
		conflictSet := make(map[string]bool)
		for _, c := range s.ClaimChains {
			if c.Status != types.ChainActive || c.AgentID == agentID {
				continue
			}
			var overlap []string
			for _, held := range c.Files {
				if seen[held] {
					overlap = append(overlap, held)
				}
			}
			if len(overlap) > 0 {
				blocking = append(blocking, c)
				for _, f := range overlap {
					conflictSet[f] = true
				}
			}
		}
		if len(blocking) > 0 {
			conflicts := make([]string, 0, len(conflictSet))
			for f := range conflictSet {
				conflicts = append(conflicts, f)
			}
			sort.Strings(conflicts)
			return false, &BlockedError{
				AgentID:        agentID,
				BlockingChains: blocking,
				Conflicts:      conflicts,
			}
		}

		now := time.Now().UTC()
		chain = &types.ClaimChain{
			ChainID:   "chain-" + uuid.NewString()[:8],
			AgentID:   agentID,
			Files:     normalized,
			Reason:    reason,
			ClaimedAt: now.Format(time.RFC3339),
			ExpiresAt: now.Add(time.Duration(ttlMinutes) * time.Minute).Format(time.RFC3339),
			Status:    types.ChainActive,
		}
		s.ClaimChains = append(s.ClaimChains, chain)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// ReleaseChain sets an active chain to released. Only the owning agent
// may release; a mismatch reports false without error.
func (b *Board) ReleaseChain(chainID, agentID string) (bool, error) {
	return b.finishChain(chainID, agentID, types.ChainReleased)
}

// CompleteChain sets an active chain to completed. Ownership rules
// match ReleaseChain.
func (b *Board) CompleteChain(chainID, agentID string) (bool, error) {
	return b.finishChain(chainID, agentID, types.ChainCompleted)
}

func (b *Board) finishChain(chainID, agentID string, final types.ChainStatus) (bool, error) {
	var done bool
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, c := range s.ClaimChains {
			if c.ChainID != chainID {
				continue
			}
			if c.AgentID != agentID || c.Status != types.ChainActive {
				return false, nil
			}
			c.Status = final
			done = true
			return true, nil
		}
		return false, nil
	})
	return done, err
}

// BlockingChains returns the active chains of other agents that
// overlap the given files.
func (b *Board) BlockingChains(agentID string, files []string) ([]*types.ClaimChain, error) {
	want := make(map[string]bool)
	for _, f := range files {
		want[normalizePath(f)] = true
	}
	var out []*types.ClaimChain
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, c := range s.ClaimChains {
			if c.Status != types.ChainActive || c.AgentID == agentID {
				continue
			}
			for _, held := range c.Files {
				if want[held] {
					out = append(out, c)
					break
				}
			}
		}
		return false, nil
	})
	return out, err
}

// ClaimForFile returns the active chain holding path, if any.
func (b *Board) ClaimForFile(path string) (*types.ClaimChain, error) {
	target := normalizePath(path)
	var out *types.ClaimChain
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, c := range s.ClaimChains {
			if c.Status != types.ChainActive {
				continue
			}
			for _, held := range c.Files {
				if held == target {
					out = c
					return false, nil
				}
			}
		}
		return false, nil
	})
	return out, err
}

// AgentChains returns all chains belonging to an agent, any status.
func (b *Board) AgentChains(agentID string) ([]*types.ClaimChain, error) {
	var out []*types.ClaimChain
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, c := range s.ClaimChains {
			if c.AgentID == agentID {
				out = append(out, c)
			}
		}
		return false, nil
	})
	return out, err
}

// ActiveChains returns every currently active chain.
func (b *Board) ActiveChains() ([]*types.ClaimChain, error) {
	var out []*types.ClaimChain
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, c := range s.ClaimChains {
			if c.Status == types.ChainActive {
				out = append(out, c)
			}
		}
		return false, nil
	})
	return out, err
}
