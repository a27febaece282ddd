// Package events provides the engine's typed publish/subscribe backbone.
// Components emit lifecycle and progress events synchronously from their
// own goroutine; delivery to subscribers is buffered and never blocks the
// emitter. A slow subscriber loses its oldest buffered events and its
// Lagged counter increments.
//
// Ordering: events published for one execution are observed by every
// subscriber in publish order. There is no cross-execution ordering.
package events

import (
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// Type enumerates every event variant the engine emits.
type Type string

const (
	ExecutionStarted    Type = "execution.started"
	ExecutionCompleted  Type = "execution.completed"
	ExecutionFailed     Type = "execution.failed"
	ExecutionStep       Type = "execution.step"
	ToolInvoking        Type = "tool.invoking"
	ToolCompleted       Type = "tool.completed"
	DelegationRequested Type = "delegation.requested"
	DelegationProgress  Type = "delegation.progress"
	DelegationCompleted Type = "delegation.completed"
	ApprovalRequested   Type = "approval.requested"
	ApprovalResolved    Type = "approval.resolved"
	UsageRecorded       Type = "usage.recorded"
)

// Event is a single bus message. Type discriminates which of the optional
// payload fields are set; every event carries ExecutionID and Timestamp.
type Event struct {
	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"ts"`

	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`

	// execution.started / execution.completed / execution.failed
	Status       models.ExecutionStatus `json:"status,omitempty"`
	Mode         models.Mode            `json:"mode,omitempty"`
	FinalContent string                 `json:"final_content,omitempty"`
	ErrorKind    models.ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`

	// execution.step
	Step *models.ExecutionStep `json:"step,omitempty"`

	// tool.invoking / tool.completed
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolOK     *bool  `json:"tool_ok,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// delegation.*
	TargetAgentID    string `json:"target_agent_id,omitempty"`
	ChildExecutionID string `json:"child_execution_id,omitempty"`
	Progress         int    `json:"progress,omitempty"` // 0-100

	// approval.*
	Interrupt    *models.Interrupt            `json:"interrupt,omitempty"`
	ResponseType models.InterruptResponseType `json:"response_type,omitempty"`

	// usage.recorded
	Usage   *models.TokenUsage `json:"usage,omitempty"`
	Model   string             `json:"model,omitempty"`
	CostUSD float64            `json:"cost_usd,omitempty"`
	Credits float64            `json:"credits,omitempty"`
}

// stamp fills the timestamp if the constructor's caller didn't.
func stamp(e Event) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return e
}

// NewExecutionStarted builds an execution.started event.
func NewExecutionStarted(exec *models.Execution) Event {
	return stamp(Event{
		Type:        ExecutionStarted,
		ExecutionID: exec.ID,
		UserID:      exec.UserID,
		AgentID:     exec.AgentID,
		Mode:        exec.Mode,
		Status:      exec.Status,
	})
}

// NewExecutionCompleted builds an execution.completed event.
func NewExecutionCompleted(exec *models.Execution, finalContent string) Event {
	return stamp(Event{
		Type:         ExecutionCompleted,
		ExecutionID:  exec.ID,
		UserID:       exec.UserID,
		AgentID:      exec.AgentID,
		Status:       models.StatusCompleted,
		FinalContent: finalContent,
	})
}

// NewExecutionFailed builds an execution.failed event. Cancellation and
// timeout terminate through this event too, distinguished by kind.
func NewExecutionFailed(exec *models.Execution, kind models.ErrorKind, msg string) Event {
	return stamp(Event{
		Type:         ExecutionFailed,
		ExecutionID:  exec.ID,
		UserID:       exec.UserID,
		AgentID:      exec.AgentID,
		Status:       exec.Status,
		ErrorKind:    kind,
		ErrorMessage: msg,
	})
}

// NewExecutionStep builds an execution.step event.
func NewExecutionStep(executionID, userID string, step models.ExecutionStep) Event {
	return stamp(Event{
		Type:        ExecutionStep,
		ExecutionID: executionID,
		UserID:      userID,
		AgentID:     step.AgentID,
		Step:        &step,
	})
}

// NewToolInvoking builds a tool.invoking event.
func NewToolInvoking(executionID, userID string, call models.ToolCall) Event {
	return stamp(Event{
		Type:        ToolInvoking,
		ExecutionID: executionID,
		UserID:      userID,
		ToolName:    call.Name,
		ToolCallID:  call.ID,
	})
}

// NewToolCompleted builds a tool.completed event.
func NewToolCompleted(executionID, userID string, result models.ToolResult, toolName string) Event {
	ok := result.OK
	return stamp(Event{
		Type:        ToolCompleted,
		ExecutionID: executionID,
		UserID:      userID,
		ToolName:    toolName,
		ToolCallID:  result.ID,
		ToolOK:      &ok,
		DurationMS:  result.DurationMS,
	})
}

// NewDelegationRequested builds a delegation.requested event on the parent.
func NewDelegationRequested(parentExecutionID, userID, targetAgentID string) Event {
	return stamp(Event{
		Type:          DelegationRequested,
		ExecutionID:   parentExecutionID,
		UserID:        userID,
		TargetAgentID: targetAgentID,
	})
}

// NewDelegationProgress re-emits a child's progress on the parent stream.
func NewDelegationProgress(parentExecutionID, userID, targetAgentID, childExecutionID string, progress int) Event {
	return stamp(Event{
		Type:             DelegationProgress,
		ExecutionID:      parentExecutionID,
		UserID:           userID,
		TargetAgentID:    targetAgentID,
		ChildExecutionID: childExecutionID,
		Progress:         progress,
	})
}

// NewDelegationCompleted builds a delegation.completed event on the parent.
func NewDelegationCompleted(parentExecutionID, userID, targetAgentID, childExecutionID string, status models.ExecutionStatus) Event {
	return stamp(Event{
		Type:             DelegationCompleted,
		ExecutionID:      parentExecutionID,
		UserID:           userID,
		TargetAgentID:    targetAgentID,
		ChildExecutionID: childExecutionID,
		Status:           status,
	})
}

// NewApprovalRequested builds an approval.requested event.
func NewApprovalRequested(userID string, intr models.Interrupt) Event {
	return stamp(Event{
		Type:        ApprovalRequested,
		ExecutionID: intr.ExecutionID,
		UserID:      userID,
		ToolName:    intr.ToolCall.Name,
		ToolCallID:  intr.ToolCall.ID,
		Interrupt:   &intr,
	})
}

// NewApprovalResolved builds an approval.resolved event.
func NewApprovalResolved(executionID, userID string, responseType models.InterruptResponseType) Event {
	return stamp(Event{
		Type:         ApprovalResolved,
		ExecutionID:  executionID,
		UserID:       userID,
		ResponseType: responseType,
	})
}

// NewUsageRecorded builds a usage.recorded event.
func NewUsageRecorded(executionID, userID, agentID, model string, usage models.TokenUsage, costUSD, credits float64) Event {
	u := usage
	return stamp(Event{
		Type:        UsageRecorded,
		ExecutionID: executionID,
		UserID:      userID,
		AgentID:     agentID,
		Model:       model,
		Usage:       &u,
		CostUSD:     costUSD,
		Credits:     credits,
	})
}
