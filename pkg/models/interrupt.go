package models

import (
	"encoding/json"
	"time"
)

// InterruptConfig declares which response types the UI may offer for a
// pending approval.
type InterruptConfig struct {
	AllowAccept  bool `json:"allow_accept"`
	AllowEdit    bool `json:"allow_edit"`
	AllowRespond bool `json:"allow_respond"`
	AllowIgnore  bool `json:"allow_ignore"`
}

// DefaultInterruptConfig permits every response type.
func DefaultInterruptConfig() InterruptConfig {
	return InterruptConfig{AllowAccept: true, AllowEdit: true, AllowRespond: true, AllowIgnore: true}
}

// Interrupt is a pending human-approval request blocking an execution.
// At most one interrupt is pending per execution at any instant.
type Interrupt struct {
	ExecutionID string          `json:"execution_id"`
	ThreadKey   string          `json:"thread_key"`
	ToolCall    ToolCall        `json:"tool_call"`
	Config      InterruptConfig `json:"config"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// InterruptResponseType enumerates how a human may resolve an interrupt.
type InterruptResponseType string

const (
	// InterruptAccept executes the tool with the original arguments.
	InterruptAccept InterruptResponseType = "accept"
	// InterruptEdit executes the tool with replaced arguments.
	InterruptEdit InterruptResponseType = "edit"
	// InterruptRespond skips execution; the user's text becomes the tool
	// message content, bypassing schema validation.
	InterruptRespond InterruptResponseType = "respond"
	// InterruptIgnore skips execution with a "cancelled by user" result.
	InterruptIgnore InterruptResponseType = "ignore"
)

// InterruptResponse is the human's resolution of a pending interrupt.
type InterruptResponse struct {
	Type InterruptResponseType `json:"type"`
	Args json.RawMessage       `json:"args,omitempty"` // edit only
	Text string                `json:"text,omitempty"` // respond only
}
