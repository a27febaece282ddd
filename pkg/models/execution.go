package models

import (
	"time"
)

// Mode selects the execution path: direct runs the target agent alone,
// supervised routes the request through the supervisor's delegation graph.
type Mode string

const (
	ModeDirect     Mode = "direct"
	ModeSupervised Mode = "supervised"
)

// ThreadKey derives the conversation-thread identifier for an agent/mode
// pair. Histories are segregated per mode — a direct thread never shares
// messages with a supervised one for the same agent.
func ThreadKey(agentID string, mode Mode) string {
	return agentID + "_" + string(mode)
}

// ExecutionStatus is the lifecycle state of an execution. Terminal states
// are monotone: once reached, the status never changes again.
type ExecutionStatus string

const (
	StatusPending          ExecutionStatus = "pending"
	StatusRunning          ExecutionStatus = "running"
	StatusAwaitingApproval ExecutionStatus = "awaiting_approval"
	StatusDelegating       ExecutionStatus = "delegating"
	StatusCompleted        ExecutionStatus = "completed"
	StatusFailed           ExecutionStatus = "failed"
	StatusCancelled        ExecutionStatus = "cancelled"
	StatusTimedOut         ExecutionStatus = "timed_out"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// StepKind classifies an ExecutionStep.
type StepKind string

const (
	StepThinking         StepKind = "thinking"
	StepToolCall         StepKind = "tool_call"
	StepToolResult       StepKind = "tool_result"
	StepDelegationStart  StepKind = "delegation_start"
	StepDelegationEnd    StepKind = "delegation_end"
	StepApprovalRequest  StepKind = "approval_request"
	StepApprovalResponse StepKind = "approval_response"
	StepError            StepKind = "error"
	StepFinalize         StepKind = "finalize"
)

// ExecutionStep is one append-only entry in an execution's trace.
type ExecutionStep struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      StepKind       `json:"kind"`
	AgentID   string         `json:"agent_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Execution is one end-to-end run of the orchestrator. It is owned
// exclusively by the graph executor goroutine driving it; external readers
// obtain copies through the registry.
type Execution struct {
	ID                string
	AgentID           string
	UserID            string
	ThreadKey         string
	Mode              Mode
	Status            ExecutionStatus
	StartedAt         time.Time
	EndedAt           *time.Time
	Messages          []Message
	Steps             []ExecutionStep
	Usage             TokenUsage
	CostUSD           float64
	Metadata          map[string]any
	ParentExecutionID string
}

// SetStatus transitions the execution status, enforcing terminal-state
// monotonicity. Returns false if the transition was rejected.
func (e *Execution) SetStatus(s ExecutionStatus) bool {
	if e.Status.IsTerminal() {
		return false
	}
	e.Status = s
	if s.IsTerminal() {
		now := time.Now()
		e.EndedAt = &now
	}
	return true
}

// AppendMessage appends to the conversation history.
func (e *Execution) AppendMessage(m Message) {
	e.Messages = append(e.Messages, m)
}

// AppendStep appends to the execution trace.
func (e *Execution) AppendStep(s ExecutionStep) {
	e.Steps = append(e.Steps, s)
}

// Snapshot returns a deep copy safe for concurrent readers.
func (e *Execution) Snapshot() *Execution {
	out := &Execution{
		ID:                e.ID,
		AgentID:           e.AgentID,
		UserID:            e.UserID,
		ThreadKey:         e.ThreadKey,
		Mode:              e.Mode,
		Status:            e.Status,
		StartedAt:         e.StartedAt,
		Usage:             e.Usage,
		CostUSD:           e.CostUSD,
		ParentExecutionID: e.ParentExecutionID,
		Messages:          CloneMessages(e.Messages),
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	if e.Steps != nil {
		out.Steps = make([]ExecutionStep, len(e.Steps))
		for i, s := range e.Steps {
			out.Steps[i] = s
			if s.Metadata != nil {
				md := make(map[string]any, len(s.Metadata))
				for k, v := range s.Metadata {
					md[k] = v
				}
				out.Steps[i].Metadata = md
			}
		}
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
