// Package tools implements the engine's tool runtime: a registry of named
// tools with JSON-schema argument validation, per-call deadlines, and the
// approval control signal for tools gated on human confirmation.
//
// The registry is mutable only during startup. Freeze it before serving
// executions; reads after Freeze are lock-free.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomctl/loom/pkg/llm"
	"github.com/loomctl/loom/pkg/models"
)

// Registry lifecycle and lookup errors.
var (
	ErrToolUnknown    = errors.New("unknown tool")
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrRegistryFrozen = errors.New("tool registry is frozen")
)

// Handler executes a tool. args is the validated argument object; tcx
// carries request-scoped identity and credentials. Handlers must observe
// ctx cancellation and abort I/O promptly when signaled.
type Handler func(ctx Context, args json.RawMessage) (string, error)

// Definition is one registered tool.
type Definition struct {
	Name             string
	Description      string
	Schema           json.RawMessage
	Handler          Handler
	RequiresApproval bool
	Metadata         map[string]any

	compiled *jsonschema.Schema
}

// Registry holds all tools known to the process. Names are globally
// unique. Register everything at startup, then Freeze.
type Registry struct {
	defs   map[string]*Definition
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a tool definition, compiling its argument schema. A nil
// Schema registers a tool accepting any object.
func (r *Registry) Register(def Definition) error {
	if r.frozen {
		return ErrRegistryFrozen
	}
	if def.Name == "" {
		return fmt.Errorf("tool registration: missing name")
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: missing handler", def.Name)
	}
	if def.Schema == nil {
		def.Schema = json.RawMessage(`{"type": "object"}`)
	}

	compiled, err := compileSchema(def.Name, def.Schema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}
	def.compiled = compiled

	d := def
	r.defs[def.Name] = &d
	return nil
}

// Freeze makes the registry read-only. Concurrent reads after Freeze need
// no synchronization.
func (r *Registry) Freeze() { r.frozen = true }

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemasFor returns the LLM-facing schemas for the named tools, in the
// given order. Unknown names are skipped — the agent config may reference
// tools that failed to register, and the model simply won't see them.
func (r *Registry) SchemasFor(names []string) []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		def, ok := r.defs[name]
		if !ok {
			continue
		}
		out = append(out, llm.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
		})
	}
	return out
}

// RequiresApproval reports whether the named tool is approval-gated.
// Unknown tools never require approval; the invoke path reports them.
func (r *Registry) RequiresApproval(name string) bool {
	def, ok := r.defs[name]
	return ok && def.RequiresApproval
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// IsDelegation reports whether a tool call is an agent handoff.
// Delegation calls are routed to the coordinator, never to handlers.
func IsDelegation(name string) bool {
	return len(name) > len(models.DelegationToolPrefix) &&
		name[:len(models.DelegationToolPrefix)] == models.DelegationToolPrefix
}
