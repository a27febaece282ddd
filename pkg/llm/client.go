// Package llm defines the engine's contract with language-model providers
// and the process-wide client factory. Concrete provider clients live
// outside the engine; the factory only caches and adapts them.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loomctl/loom/pkg/models"
)

// Provider-boundary sentinel errors.
var (
	ErrProviderUnavailable    = errors.New("llm provider unavailable")
	ErrModelUnknown           = errors.New("unknown model")
	ErrToolBindingUnsupported = errors.New("tool binding unsupported")
)

// ToolSchema describes one tool offered to the model on an invocation.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Completion is a single model response. ToolCalls is empty for a final
// text answer.
type Completion struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     models.TokenUsage
}

// Client is one usable model handle. Implementations must be safe for
// concurrent use — the factory shares cached clients across executions.
type Client interface {
	Invoke(ctx context.Context, messages []models.Message, tools []ToolSchema) (*Completion, error)
}

// Options are the per-client generation parameters.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Provider constructs clients for model IDs. This is the out-of-scope
// collaborator boundary: implementations wrap a vendor SDK or sidecar.
//
// NewClient fails with ErrProviderUnavailable (credentials, network),
// ErrModelUnknown, or ErrToolBindingUnsupported.
type Provider interface {
	NewClient(model string, opts Options) (Client, error)

	// SupportsNativeTools reports whether the model accepts tool schemas
	// natively. When false, the factory wraps the client with a
	// JSON-coerced fallback.
	SupportsNativeTools(model string) bool
}
