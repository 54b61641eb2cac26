package eventlog

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Event types dispatched during replay. The set is closed; unknown
// types are logged and skipped without aborting.
const (
	EvAgentRegistered    = "agent.registered"
	EvAgentStatusUpdated = "agent.status_updated"
	EvAgentCursorUpdated = "agent.cursor_updated"
	EvAgentHeartbeat     = "agent.heartbeat"
	EvFindingAdded       = "finding.added"
	EvMessageSent        = "message.sent"
	EvMessageRead        = "message.read"
	EvTaskAdded          = "task.added"
	EvTaskClaimed        = "task.claimed"
	EvTaskCompleted      = "task.completed"
	EvQuestionAsked      = "question.asked"
	EvQuestionAnswered   = "question.answered"
	EvContextSet         = "context.set"
)

// Event is one immutable entry in the log.
type Event struct {
	Seq  int64                  `json:"seq"`
	Type string                 `json:"type"`
	Ts   string                 `json:"ts"`
	Data map[string]interface{} `json:"data"`
}

// encodeLine renders an event as `<compact-json>|<md5-first-8>\n`.
func encodeLine(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	sum := md5.Sum(payload)
	line := make([]byte, 0, len(payload)+10)
	line = append(line, payload...)
	line = append(line, '|')
	line = append(line, hex.EncodeToString(sum[:])[:8]...)
	line = append(line, '\n')
	return line, nil
}

// decodeLine parses one log line. Lines without a |checksum suffix are
// legacy and still accepted; a present checksum must match.
func decodeLine(line []byte) (Event, error) {
	var ev Event
	line = bytes.TrimRight(line, "\n")
	if len(line) == 0 {
		return ev, fmt.Errorf("empty line")
	}

	payload := line
	if idx := bytes.LastIndexByte(line, '|'); idx >= 0 && len(line)-idx-1 == 8 {
		candidate := line[:idx]
		want := string(line[idx+1:])
		sum := md5.Sum(candidate)
		if hex.EncodeToString(sum[:])[:8] != want {
			return ev, fmt.Errorf("checksum mismatch")
		}
		payload = candidate
	}

	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("malformed event json: %w", err)
	}
	if ev.Seq <= 0 || ev.Type == "" {
		return ev, fmt.Errorf("event missing seq or type")
	}
	return ev, nil
}
