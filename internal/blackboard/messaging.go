package blackboard

import (
	"fmt"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

// SendMessage posts a message to one agent or "*" for broadcast.
func (b *Board) SendMessage(from, to string, mtype types.MessageType, content string) (string, error) {
	if content == "" {
		return "", hiveerr.Validationf("message content cannot be empty")
	}
	if mtype == "" {
		mtype = types.MessageInfo
	}
	var id string
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		id = fmt.Sprintf("msg-%d", len(s.Messages)+1)
		s.Messages = append(s.Messages, &types.Message{
			ID:        id,
			From:      from,
			To:        to,
			Type:      mtype,
			Content:   content,
			Timestamp: nowISO(),
		})
		b.emit(eventMessageSent, map[string]interface{}{
			"id": id, "from": from, "to": to,
			"type": string(mtype), "content": content,
		})
		return true, nil
	})
	return id, err
}

// MessagesFor returns messages addressed to agentID or broadcast,
// optionally unread only.
func (b *Board) MessagesFor(agentID string, unreadOnly bool) ([]*types.Message, error) {
	var out []*types.Message
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, m := range s.Messages {
			if m.To != agentID && m.To != "*" {
				continue
			}
			if unreadOnly && m.Read {
				continue
			}
			out = append(out, m)
		}
		return false, nil
	})
	return out, err
}

// MarkMessageRead flags one message as read.
func (b *Board) MarkMessageRead(messageID string) error {
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, m := range s.Messages {
			if m.ID == messageID {
				if m.Read {
					return false, nil
				}
				m.Read = true
				b.emit(eventMessageRead, map[string]interface{}{"id": messageID})
				return true, nil
			}
		}
		return false, hiveerr.Validationf("unknown message %q", messageID)
	})
}

// AddTask enqueues a task. Priority defaults to 5 and is clamped to
// 1..10.
func (b *Board) AddTask(task string, priority int, dependsOn []string) (string, error) {
	if task == "" {
		return "", hiveerr.Validationf("task cannot be empty")
	}
	if priority == 0 {
		priority = 5
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	var id string
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		id = fmt.Sprintf("task-%d", len(s.TaskQueue)+1)
		s.TaskQueue = append(s.TaskQueue, &types.Task{
			ID:        id,
			Task:      task,
			Priority:  priority,
			DependsOn: dependsOn,
			Status:    types.TaskPending,
			CreatedAt: nowISO(),
		})
		b.emit(eventTaskAdded, map[string]interface{}{
			"id": id, "task": task, "priority": priority,
			"depends_on": toIface(dependsOn),
		})
		return true, nil
	})
	return id, err
}

// ClaimTask atomically assigns the highest-priority claimable pending
// task to the agent. Tasks with unfinished dependencies are skipped.
// Returns nil when nothing is claimable.
func (b *Board) ClaimTask(agentID string) (*types.Task, error) {
	var claimed *types.Task
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		done := make(map[string]bool)
		for _, t := range s.TaskQueue {
			if t.Status == types.TaskCompleted {
				done[t.ID] = true
			}
		}
		var best *types.Task
		for _, t := range s.TaskQueue {
			if t.Status != types.TaskPending {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if best == nil || t.Priority > best.Priority {
				best = t
			}
		}
		if best == nil {
			return false, nil
		}
		best.Status = types.TaskInProgress
		best.AssignedTo = agentID
		best.ClaimedAt = nowISO()
		claimed = best
		b.emit(eventTaskClaimed, map[string]interface{}{
			"id": best.ID, "agent_id": agentID,
		})
		return true, nil
	})
	return claimed, err
}

// CompleteTask marks an in-progress task completed.
func (b *Board) CompleteTask(taskID string) error {
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, t := range s.TaskQueue {
			if t.ID == taskID {
				if t.Status != types.TaskInProgress {
					return false, hiveerr.Validationf("task %q is %s, not in_progress", taskID, t.Status)
				}
				t.Status = types.TaskCompleted
				t.CompletedAt = nowISO()
				b.emit(eventTaskCompleted, map[string]interface{}{"id": taskID})
				return true, nil
			}
		}
		return false, hiveerr.Validationf("unknown task %q", taskID)
	})
}

// Tasks lists the queue, optionally filtered by status.
func (b *Board) Tasks(status types.TaskStatus) ([]*types.Task, error) {
	var out []*types.Task
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, t := range s.TaskQueue {
			if status == "" || t.Status == status {
				out = append(out, t)
			}
		}
		return false, nil
	})
	return out, err
}

// AskQuestion raises a question; blocking defaults to true at the
// call site.
func (b *Board) AskQuestion(agentID, question string, options []string, blocking bool) (string, error) {
	if question == "" {
		return "", hiveerr.Validationf("question cannot be empty")
	}
	var id string
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		id = fmt.Sprintf("q-%d", len(s.Questions)+1)
		s.Questions = append(s.Questions, &types.Question{
			ID:       id,
			AgentID:  agentID,
			Question: question,
			Options:  options,
			Blocking: blocking,
			Status:   "open",
			AskedAt:  nowISO(),
		})
		b.emit(eventQuestionAsked, map[string]interface{}{
			"id": id, "agent_id": agentID, "question": question,
			"options": toIface(options), "blocking": blocking,
		})
		return true, nil
	})
	return id, err
}

// AnswerQuestion resolves an open question.
func (b *Board) AnswerQuestion(questionID, answer, answeredBy string) error {
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, q := range s.Questions {
			if q.ID == questionID {
				if q.Status != "open" {
					return false, hiveerr.Validationf("question %q is already resolved", questionID)
				}
				q.Answer = answer
				q.AnsweredBy = answeredBy
				q.Status = "resolved"
				q.AnsweredAt = nowISO()
				b.emit(eventQuestionAnswered, map[string]interface{}{
					"id": questionID, "answer": answer, "answered_by": answeredBy,
				})
				return true, nil
			}
		}
		return false, hiveerr.Validationf("unknown question %q", questionID)
	})
}

// OpenQuestions lists unresolved questions, blocking first.
func (b *Board) OpenQuestions() ([]*types.Question, error) {
	var blocking, rest []*types.Question
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		for _, q := range s.Questions {
			if q.Status != "open" {
				continue
			}
			if q.Blocking {
				blocking = append(blocking, q)
			} else {
				rest = append(rest, q)
			}
		}
		return false, nil
	})
	return append(blocking, rest...), err
}

// SetContext stores a shared KV entry.
func (b *Board) SetContext(key string, value interface{}) error {
	if key == "" {
		return hiveerr.Validationf("context key cannot be empty")
	}
	return b.withLock(func(s *types.Snapshot) (bool, error) {
		s.Context[key] = &types.ContextValue{Value: value, UpdatedAt: nowISO()}
		b.emit(eventContextSet, map[string]interface{}{"key": key, "value": value})
		return true, nil
	})
}

// GetContext reads one shared KV entry.
func (b *Board) GetContext(key string) (interface{}, bool, error) {
	var value interface{}
	var ok bool
	err := b.withLock(func(s *types.Snapshot) (bool, error) {
		if cv, exists := s.Context[key]; exists {
			value, ok = cv.Value, true
		}
		return false, nil
	})
	return value, ok, err
}
