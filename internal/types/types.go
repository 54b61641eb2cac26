// Package types defines the shared data model: coordination snapshot
// entities (agents, findings, messages, tasks, questions, claim chains)
// and knowledge-store records (heuristics, learnings, decisions,
// invariants, assumptions, spike reports).
package types

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentBlocked   AgentStatus = "blocked"
)

// FindingType classifies an agent finding.
type FindingType string

const (
	FindingDiscovery  FindingType = "discovery"
	FindingWarning    FindingType = "warning"
	FindingDecision   FindingType = "decision"
	FindingBlocker    FindingType = "blocker"
	FindingFact       FindingType = "fact"
	FindingHypothesis FindingType = "hypothesis"
	FindingTrail      FindingType = "trail"
	FindingNote       FindingType = "note"
)

// Importance ranks a finding.
type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceNormal   Importance = "normal"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// MessageType classifies a directed message.
type MessageType string

const (
	MessageInfo     MessageType = "info"
	MessageQuestion MessageType = "question"
	MessageWarning  MessageType = "warning"
	MessageHandoff  MessageType = "handoff"
)

// TaskStatus tracks a queue task. Transitions are pending ->
// in_progress (atomic claim) -> completed only.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// ChainStatus tracks a file claim chain.
type ChainStatus string

const (
	ChainActive    ChainStatus = "active"
	ChainCompleted ChainStatus = "completed"
	ChainExpired   ChainStatus = "expired"
	ChainReleased  ChainStatus = "released"
)

// Agent is a registered participant in the coordination space.
type Agent struct {
	AgentID       string      `json:"agent_id"`
	Task          string      `json:"task"`
	Scope         []string    `json:"scope,omitempty"`
	Interests     []string    `json:"interests,omitempty"`
	Status        AgentStatus `json:"status"`
	StartedAt     string      `json:"started_at"`
	LastSeen      string      `json:"last_seen"`
	ContextCursor int         `json:"context_cursor"`
	Result        string      `json:"result,omitempty"`
}

// Finding is an append-only record an agent publishes for others.
type Finding struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"seq,omitempty"`
	AgentID    string      `json:"agent_id"`
	Type       FindingType `json:"type"`
	Content    string      `json:"content"`
	Files      []string    `json:"files,omitempty"`
	Importance Importance  `json:"importance"`
	Tags       []string    `json:"tags,omitempty"`
	Timestamp  string      `json:"timestamp"`
	ExpiresAt  string      `json:"expires_at,omitempty"`
}

// Message is a directed (or broadcast "*") note between agents.
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Read      bool        `json:"read"`
	Timestamp string      `json:"timestamp"`
}

// Task is a queued unit of work claimable by one agent.
type Task struct {
	ID          string     `json:"id"`
	Task        string     `json:"task"`
	Priority    int        `json:"priority"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   string     `json:"created_at"`
	ClaimedAt   string     `json:"claimed_at,omitempty"`
	CompletedAt string     `json:"completed_at,omitempty"`
}

// Question is a blocking or advisory question raised by an agent.
type Question struct {
	ID         string   `json:"id"`
	AgentID    string   `json:"agent_id"`
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
	Blocking   bool     `json:"blocking"`
	Status     string   `json:"status"` // open | resolved
	Answer     string   `json:"answer,omitempty"`
	AnsweredBy string   `json:"answered_by,omitempty"`
	AskedAt    string   `json:"asked_at"`
	AnsweredAt string   `json:"answered_at,omitempty"`
}

// ClaimChain is an exclusive, time-bounded reservation of files by one
// agent. Active chains from different agents never overlap.
type ClaimChain struct {
	ChainID   string      `json:"chain_id"`
	AgentID   string      `json:"agent_id"`
	Files     []string    `json:"files"`
	Reason    string      `json:"reason"`
	ClaimedAt string      `json:"claimed_at"`
	ExpiresAt string      `json:"expires_at"`
	Status    ChainStatus `json:"status"`
}

// ContextValue is one blackboard KV entry with its update time.
type ContextValue struct {
	Value     interface{} `json:"value"`
	UpdatedAt string      `json:"updated_at"`
}

// Snapshot is the full coordination state: the blackboard document and
// the shape produced by replaying the event log.
type Snapshot struct {
	Version     int                      `json:"version"`
	CreatedAt   string                   `json:"created_at"`
	UpdatedAt   string                   `json:"updated_at"`
	Agents      map[string]*Agent        `json:"agents"`
	Findings    []*Finding               `json:"findings"`
	Messages    []*Message               `json:"messages"`
	TaskQueue   []*Task                  `json:"task_queue"`
	Questions   []*Question              `json:"questions"`
	Context     map[string]*ContextValue `json:"context"`
	ClaimChains []*ClaimChain            `json:"claim_chains"`
}

// NewSnapshot returns the documented default state.
func NewSnapshot() *Snapshot {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Snapshot{
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Agents:      make(map[string]*Agent),
		Findings:    []*Finding{},
		Messages:    []*Message{},
		TaskQueue:   []*Task{},
		Questions:   []*Question{},
		Context:     make(map[string]*ContextValue),
		ClaimChains: []*ClaimChain{},
	}
}

// HeuristicStatus is the lifecycle state of a heuristic. Archived and
// deprecated are terminal for automated processes.
type HeuristicStatus string

const (
	HeuristicActive     HeuristicStatus = "active"
	HeuristicDormant    HeuristicStatus = "dormant"
	HeuristicArchived   HeuristicStatus = "archived"
	HeuristicDeprecated HeuristicStatus = "deprecated"
)

// UpdateType names a confidence update event.
type UpdateType string

const (
	UpdateSuccess       UpdateType = "SUCCESS"
	UpdateFailure       UpdateType = "FAILURE"
	UpdateContradiction UpdateType = "CONTRADICTION"
	UpdateDecay         UpdateType = "DECAY"
	UpdateRevival       UpdateType = "REVIVAL"
)

// Heuristic is a domain-scoped rule with confidence and lifecycle.
type Heuristic struct {
	ID                 int64
	Domain             string
	Rule               string
	Explanation        string
	Confidence         float64
	ConfidenceEMA      float64
	EMAAlpha           float64
	EMAWarmupRemaining int
	TimesValidated     int
	TimesViolated      int
	TimesContradicted  int
	TimesRevived       int
	Status             HeuristicStatus
	IsGolden           bool
	ProjectPath        string
	LastUsedAt         string
	DormantSince       string
	UpdateCountToday   int
	UpdateCountReset   string
	LastUpdate         string
	FraudFlags         int
	LastFraudCheck     string
	CreatedAt          string
}

// TotalApplications is validations + violations + contradictions.
func (h *Heuristic) TotalApplications() int {
	return h.TimesValidated + h.TimesViolated + h.TimesContradicted
}

// LearningType classifies a learning record.
type LearningType string

const (
	LearningFailure     LearningType = "failure"
	LearningSuccess     LearningType = "success"
	LearningHeuristic   LearningType = "heuristic"
	LearningExperiment  LearningType = "experiment"
	LearningObservation LearningType = "observation"
)

// Learning is a captured lesson from a session.
type Learning struct {
	ID        int64
	Type      LearningType
	Filepath  string
	Title     string
	Summary   string
	Tags      string
	Domain    string
	Severity  int
	CreatedAt string
}

// Decision is an accepted architecture decision record.
type Decision struct {
	ID           int64
	Title        string
	Context      string
	Options      string
	Decision     string
	Rationale    string
	Domain       string
	Status       string
	SupersededBy int64
	CreatedAt    string
}

// Invariant is a statement expected to always hold.
type Invariant struct {
	ID             int64
	Statement      string
	Rationale      string
	Scope          string // codebase | module | function | runtime
	Severity       string // error | warning | info
	ValidationType string
	Domain         string
	Status         string // active | deprecated | violated
	ViolationCount int
	CreatedAt      string
}

// Assumption is a belief with a verification history.
type Assumption struct {
	ID              int64
	Assumption      string
	Context         string
	Source          string
	Confidence      float64
	Status          string // active | verified | challenged | invalidated
	VerifiedCount   int
	ChallengedCount int
	CreatedAt       string
}

// SpikeReport is a time-boxed research artifact.
type SpikeReport struct {
	ID                  int64
	Title               string
	Topic               string
	Findings            string
	Gotchas             string
	Domain              string
	TimeInvestedMinutes int
	UsefulnessScore     float64
	AccessCount         int
	CreatedAt           string
}
