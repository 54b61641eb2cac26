package eventlog

import (
	"fmt"
	"os"

	"hivemind/internal/types"
)

// CurrentState folds all events into a coordination snapshot. The
// cached snapshot is reused while the latest observed seq is unchanged;
// Append and a seq mismatch both invalidate it.
func (l *Log) CurrentState(useCache bool) (*types.Snapshot, error) {
	events, err := l.Read(0)
	if err != nil {
		return nil, err
	}

	var latest int64
	if len(events) > 0 {
		latest = events[len(events)-1].Seq
	}

	if useCache {
		l.mu.Lock()
		if l.cache != nil && l.cacheSeq == latest {
			cached := l.cache
			l.mu.Unlock()
			return cached, nil
		}
		l.mu.Unlock()
	}

	snap := types.NewSnapshot()
	for _, ev := range events {
		applyEvent(snap, ev)
	}

	l.mu.Lock()
	l.cache = snap
	l.cacheSeq = latest
	l.mu.Unlock()
	return snap, nil
}

func applyEvent(s *types.Snapshot, ev Event) {
	switch ev.Type {
	case EvAgentRegistered:
		id := str(ev.Data, "agent_id")
		if id == "" {
			return
		}
		s.Agents[id] = &types.Agent{
			AgentID:       id,
			Task:          str(ev.Data, "task"),
			Scope:         strs(ev.Data, "scope"),
			Interests:     strs(ev.Data, "interests"),
			Status:        types.AgentActive,
			StartedAt:     ev.Ts,
			LastSeen:      ev.Ts,
			ContextCursor: 0,
		}

	case EvAgentStatusUpdated:
		if a := s.Agents[str(ev.Data, "agent_id")]; a != nil {
			if st := str(ev.Data, "status"); st != "" {
				a.Status = types.AgentStatus(st)
			}
			if r := str(ev.Data, "result"); r != "" {
				a.Result = r
			}
			a.LastSeen = ev.Ts
		}

	case EvAgentCursorUpdated:
		if a := s.Agents[str(ev.Data, "agent_id")]; a != nil {
			a.ContextCursor = num(ev.Data, "cursor")
			a.LastSeen = ev.Ts
		}

	case EvAgentHeartbeat:
		if a := s.Agents[str(ev.Data, "agent_id")]; a != nil {
			a.LastSeen = ev.Ts
		}

	case EvFindingAdded:
		id := str(ev.Data, "id")
		if id == "" {
			id = fmt.Sprintf("finding-%d", ev.Seq)
		}
		imp := str(ev.Data, "importance")
		if imp == "" {
			imp = string(types.ImportanceNormal)
		}
		s.Findings = append(s.Findings, &types.Finding{
			ID:         id,
			Seq:        ev.Seq,
			AgentID:    str(ev.Data, "agent_id"),
			Type:       types.FindingType(str(ev.Data, "type")),
			Content:    str(ev.Data, "content"),
			Files:      strs(ev.Data, "files"),
			Importance: types.Importance(imp),
			Tags:       strs(ev.Data, "tags"),
			Timestamp:  ev.Ts,
			ExpiresAt:  str(ev.Data, "expires_at"),
		})

	case EvMessageSent:
		id := str(ev.Data, "id")
		if id == "" {
			id = fmt.Sprintf("msg-%d", ev.Seq)
		}
		mt := str(ev.Data, "type")
		if mt == "" {
			mt = string(types.MessageInfo)
		}
		s.Messages = append(s.Messages, &types.Message{
			ID:        id,
			From:      str(ev.Data, "from"),
			To:        str(ev.Data, "to"),
			Type:      types.MessageType(mt),
			Content:   str(ev.Data, "content"),
			Timestamp: ev.Ts,
		})

	case EvMessageRead:
		id := str(ev.Data, "id")
		for _, m := range s.Messages {
			if m.ID == id {
				m.Read = true
				break
			}
		}

	case EvTaskAdded:
		id := str(ev.Data, "id")
		if id == "" {
			id = fmt.Sprintf("task-%d", ev.Seq)
		}
		prio := num(ev.Data, "priority")
		if prio == 0 {
			prio = 5
		}
		s.TaskQueue = append(s.TaskQueue, &types.Task{
			ID:        id,
			Task:      str(ev.Data, "task"),
			Priority:  prio,
			DependsOn: strs(ev.Data, "depends_on"),
			Status:    types.TaskPending,
			CreatedAt: ev.Ts,
		})

	case EvTaskClaimed:
		id := str(ev.Data, "id")
		for _, t := range s.TaskQueue {
			if t.ID == id {
				t.AssignedTo = str(ev.Data, "agent_id")
				t.Status = types.TaskInProgress
				t.ClaimedAt = ev.Ts
				break
			}
		}

	case EvTaskCompleted:
		id := str(ev.Data, "id")
		for _, t := range s.TaskQueue {
			if t.ID == id {
				t.Status = types.TaskCompleted
				t.CompletedAt = ev.Ts
				break
			}
		}

	case EvQuestionAsked:
		id := str(ev.Data, "id")
		if id == "" {
			id = fmt.Sprintf("q-%d", ev.Seq)
		}
		blocking := true
		if b, ok := ev.Data["blocking"].(bool); ok {
			blocking = b
		}
		s.Questions = append(s.Questions, &types.Question{
			ID:       id,
			AgentID:  str(ev.Data, "agent_id"),
			Question: str(ev.Data, "question"),
			Options:  strs(ev.Data, "options"),
			Blocking: blocking,
			Status:   "open",
			AskedAt:  ev.Ts,
		})

	case EvQuestionAnswered:
		id := str(ev.Data, "id")
		for _, q := range s.Questions {
			if q.ID == id {
				q.Answer = str(ev.Data, "answer")
				q.AnsweredBy = str(ev.Data, "answered_by")
				q.Status = "resolved"
				q.AnsweredAt = ev.Ts
				break
			}
		}

	case EvContextSet:
		key := str(ev.Data, "key")
		if key == "" {
			return
		}
		s.Context[key] = &types.ContextValue{
			Value:     ev.Data["value"],
			UpdatedAt: ev.Ts,
		}

	default:
		fmt.Fprintf(os.Stderr, "eventlog: unknown event type %q (seq %d), skipping\n", ev.Type, ev.Seq)
	}
	s.UpdatedAt = ev.Ts
}

func str(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func strs(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
