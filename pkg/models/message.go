// Package models defines the core data types shared by the engine's
// components: messages, agent configurations, executions, steps, and
// interrupts. Types here carry no behavior beyond copying and invariant
// checks — all orchestration logic lives in the owning packages.
package models

import "encoding/json"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
)

// ToolCall is a single tool invocation requested by an AI message.
// Args is the raw JSON argument object as emitted by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult is the outcome of executing one ToolCall. Exactly one result
// exists per request within an execution, or the execution fails.
// TimedOut distinguishes per-call deadline expiry from ordinary tool
// failure; observers classify the two differently.
type ToolResult struct {
	ID         string `json:"id"` // matches the originating ToolCall.ID
	OK         bool   `json:"ok"`
	Value      string `json:"value,omitempty"` // JSON-encoded on success
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// TokenUsage aggregates token consumption across LLM calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Message is one entry in an execution's conversation history.
// ToolCalls and Usage are set only on AI messages; ToolCallID and ToolName
// only on tool messages. Every tool message's ToolCallID refers to a
// preceding AI message's tool call within the same execution.
type Message struct {
	ID         string      `json:"id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Args != nil {
				out.ToolCalls[i].Args = append(json.RawMessage(nil), tc.Args...)
			}
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	return out
}

// CloneMessages deep-copies a message slice. Used by the registry to hand
// out snapshots without exposing executor-owned state.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
