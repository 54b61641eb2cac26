package blackboard

import (
	"sort"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

// RegisterAgent adds (or replaces) an agent registration.
func (b *Board) RegisterAgent(agentID, task string, scope, interests []string) error {
	if agentID == "" {
		return hiveerr.Validationf("agent_id cannot be empty")
	}
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		now := nowISO()
		s.Agents[agentID] = &types.Agent{
			AgentID:       agentID,
			Task:          task,
			Scope:         scope,
			Interests:     interests,
			Status:        types.AgentActive,
			StartedAt:     now,
			LastSeen:      now,
			ContextCursor: 0,
		}
		b.emit(eventAgentRegistered, map[string]interface{}{
			"agent_id": agentID, "task": task,
			"scope": toIface(scope), "interests": toIface(interests),
		})
		return true, nil
	})
}

// UpdateAgentStatus transitions the agent's status and optionally
// records its result. Only the owning agent is expected to call this.
func (b *Board) UpdateAgentStatus(agentID string, status types.AgentStatus, result string) error {
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		a, ok := s.Agents[agentID]
		if !ok {
			return false, hiveerr.Validationf("unknown agent %q", agentID)
		}
		a.Status = status
		a.LastSeen = nowISO()
		if result != "" {
			a.Result = result
		}
		b.emit(eventAgentStatusUpdated, map[string]interface{}{
			"agent_id": agentID, "status": string(status), "result": result,
		})
		return true, nil
	})
}

// Heartbeat refreshes last_seen. Any process may heartbeat on behalf
// of an agent.
func (b *Board) Heartbeat(agentID string) error {
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		a, ok := s.Agents[agentID]
		if !ok {
			return false, hiveerr.Validationf("unknown agent %q", agentID)
		}
		a.LastSeen = nowISO()
		b.emit(eventAgentHeartbeat, map[string]interface{}{"agent_id": agentID})
		return true, nil
	})
}

// UpdateAgentCursor moves the agent's seen-up-to pointer into the
// findings list. The cursor never exceeds the findings count.
func (b *Board) UpdateAgentCursor(agentID string, cursor int) error {
	if cursor < 0 {
		return hiveerr.Validationf("cursor must be >= 0, got %d", cursor)
	}
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		a, ok := s.Agents[agentID]
		if !ok {
			return false, hiveerr.Validationf("unknown agent %q", agentID)
		}
		if cursor > len(s.Findings) {
			cursor = len(s.Findings)
		}
		a.ContextCursor = cursor
		a.LastSeen = nowISO()
		b.emit(eventAgentCursorUpdated, map[string]interface{}{
			"agent_id": agentID, "cursor": cursor,
		})
		return true, nil
	})
}

// AgentCursor returns the agent's current cursor.
func (b *Board) AgentCursor(agentID string) (int, error) {
	var cursor int
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		a, ok := s.Agents[agentID]
		if !ok {
			return false, hiveerr.Validationf("unknown agent %q", agentID)
		}
		cursor = a.ContextCursor
		return false, nil
	})
	return cursor, err
}

// ActiveAgents lists agents with status=active, ordered by id.
func (b *Board) ActiveAgents() ([]*types.Agent, error) {
	var out []*types.Agent
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, a := range s.Agents {
			if a.Status == types.AgentActive {
				out = append(out, a)
			}
		}
		return false, nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, err
}

// AllAgents lists every registration, ordered by id.
func (b *Board) AllAgents() ([]*types.Agent, error) {
	var out []*types.Agent
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, a := range s.Agents {
			out = append(out, a)
		}
		return false, nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, err
}

func toIface(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
