package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/loomctl/loom/pkg/models"
)

// coercedToolClient adapts a client without native tool-calling. Tool
// schemas are described in an appended system message; the model is asked
// to answer with a single JSON object when it wants a tool, which is
// parsed back into structured tool calls.
type coercedToolClient struct {
	inner Client
}

var _ Client = (*coercedToolClient)(nil)

func newCoercedToolClient(inner Client) *coercedToolClient {
	return &coercedToolClient{inner: inner}
}

func (c *coercedToolClient) Invoke(ctx context.Context, messages []models.Message, tools []ToolSchema) (*Completion, error) {
	if len(tools) == 0 {
		return c.inner.Invoke(ctx, messages, nil)
	}

	augmented := make([]models.Message, 0, len(messages)+1)
	augmented = append(augmented, messages...)
	augmented = append(augmented, models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleSystem,
		Content: coercionInstructions(tools),
	})

	resp, err := c.inner.Invoke(ctx, augmented, nil)
	if err != nil {
		return nil, err
	}

	calls, rest := parseCoercedCalls(resp.Content)
	if len(calls) > 0 {
		resp.ToolCalls = calls
		resp.Content = rest
	}
	return resp, nil
}

func coercionInstructions(tools []ToolSchema) string {
	var b strings.Builder
	b.WriteString("You may call the following tools. To call one, reply with ONLY a JSON object ")
	b.WriteString(`of the form {"tool": "<name>", "args": {...}} and no other text. `)
	b.WriteString("Otherwise reply normally.\n\nTools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n  schema: %s\n", t.Name, t.Description, string(t.Schema))
	}
	return b.String()
}

// parseCoercedCalls extracts a tool request from a coerced response.
// Returns the parsed calls and the remaining free text.
func parseCoercedCalls(content string) ([]models.ToolCall, string) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, content
	}

	var req struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal([]byte(trimmed), &req); err != nil || req.Tool == "" {
		return nil, content
	}
	args := req.Args
	if args == nil {
		args = json.RawMessage(`{}`)
	}
	return []models.ToolCall{{
		ID:   uuid.New().String(),
		Name: req.Tool,
		Args: args,
	}}, ""
}
