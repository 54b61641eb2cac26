package blackboard

import "hivemind/internal/eventlog"

// Mirrored event types. Claim-chain mutations have no event form; the
// snapshot is authoritative for them.
const (
	eventAgentRegistered    = eventlog.EvAgentRegistered
	eventAgentStatusUpdated = eventlog.EvAgentStatusUpdated
	eventAgentCursorUpdated = eventlog.EvAgentCursorUpdated
	eventAgentHeartbeat     = eventlog.EvAgentHeartbeat
	eventFindingAdded       = eventlog.EvFindingAdded
	eventMessageSent        = eventlog.EvMessageSent
	eventMessageRead        = eventlog.EvMessageRead
	eventTaskAdded          = eventlog.EvTaskAdded
	eventTaskClaimed        = eventlog.EvTaskClaimed
	eventTaskCompleted      = eventlog.EvTaskCompleted
	eventQuestionAsked      = eventlog.EvQuestionAsked
	eventQuestionAnswered   = eventlog.EvQuestionAnswered
	eventContextSet         = eventlog.EvContextSet
)
