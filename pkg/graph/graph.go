// Package graph compiles agent configurations into executable node graphs
// and runs them. Every agent shares one topology — agent, check_approval,
// approval, tools, terminal — with conditional edges decided at run time
// from the model's output and the tool registry.
package graph

import (
	"fmt"
	"sync"

	"github.com/loomctl/loom/pkg/llm"
	"github.com/loomctl/loom/pkg/models"
	"github.com/loomctl/loom/pkg/prompt"
	"github.com/loomctl/loom/pkg/tools"
)

// Node names the graph's stations. They appear in checkpoints and step
// metadata.
type Node string

const (
	NodeAgent         Node = "agent"
	NodeCheckApproval Node = "check_approval"
	NodeApproval      Node = "approval"
	NodeTools         Node = "tools"
	NodeTerminal      Node = "terminal"
)

// Graph is a compiled, immutable execution plan for one agent config
// revision. Compilation resolves the system prompt and the LLM-facing tool
// schemas once; executions share the compiled graph.
type Graph struct {
	AgentID  string
	Revision int

	Config       models.AgentConfig // copy, detached from the caller
	SystemPrompt string
	ToolSchemas  []llm.ToolSchema
	Options      llm.Options
}

// HasTools reports whether the agent can call any tool.
func (g *Graph) HasTools() bool { return len(g.ToolSchemas) > 0 }

// WithModel returns a copy of the graph bound to another model. Used for
// the one-shot provider fallback; prompt and schemas are unchanged.
func (g *Graph) WithModel(model string) *Graph {
	out := *g
	out.Config.Model = model
	return &out
}

// Builder compiles and caches graphs per (agent ID, config revision).
type Builder struct {
	registry *tools.Registry
	prompts  *prompt.Builder

	mu    sync.Mutex
	cache map[string]*Graph
}

// NewBuilder creates a builder over the frozen tool registry.
func NewBuilder(registry *tools.Registry, prompts *prompt.Builder) *Builder {
	return &Builder{
		registry: registry,
		prompts:  prompts,
		cache:    make(map[string]*Graph),
	}
}

// Compile validates the config and returns its graph, cached per revision.
func (b *Builder) Compile(cfg *models.AgentConfig) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s#%d", cfg.ID, cfg.Revision)
	b.mu.Lock()
	if g, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return g, nil
	}
	b.mu.Unlock()

	schemas := b.registry.SchemasFor(cfg.ToolNames)
	summaries := make([]prompt.ToolSummary, len(schemas))
	for i, s := range schemas {
		summaries[i] = prompt.ToolSummary{Name: s.Name, Description: s.Description}
	}

	g := &Graph{
		AgentID:      cfg.ID,
		Revision:     cfg.Revision,
		Config:       *cfg,
		SystemPrompt: b.prompts.Compose(cfg, summaries),
		ToolSchemas:  schemas,
		Options:      llm.Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens},
	}

	b.mu.Lock()
	b.cache[key] = g
	b.mu.Unlock()
	return g, nil
}
