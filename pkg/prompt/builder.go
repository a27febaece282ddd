// Package prompt composes agent system prompts from ordered sections.
// Composition is deterministic for a given agent config revision, so the
// result is cached per (agent ID, revision).
package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/loomctl/loom/pkg/models"
)

// ToolSummary is the name/description pair rendered into the tools section.
type ToolSummary struct {
	Name        string
	Description string
}

// Builder composes and caches system prompts.
type Builder struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{cache: make(map[string]string)}
}

// Compose returns the system prompt for the agent. Sections are emitted in
// a fixed order: identity, operator-provided instructions, tools, delegation
// guidance, and conduct rules. Results are cached per config revision.
func (b *Builder) Compose(cfg *models.AgentConfig, tools []ToolSummary) string {
	key := fmt.Sprintf("%s#%d", cfg.ID, cfg.Revision)

	b.mu.Lock()
	if cached, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return cached
	}
	b.mu.Unlock()

	composed := compose(cfg, tools)

	b.mu.Lock()
	b.cache[key] = composed
	b.mu.Unlock()
	return composed
}

func compose(cfg *models.AgentConfig, tools []ToolSummary) string {
	var sections []string

	sections = append(sections, identitySection(cfg))
	if s := strings.TrimSpace(cfg.SystemPrompt); s != "" {
		sections = append(sections, s)
	}
	if s := toolsSection(tools); s != "" {
		sections = append(sections, s)
	}
	if cfg.Role == models.RoleSupervisor && len(cfg.SubAgentIDs) > 0 {
		sections = append(sections, delegationSection(cfg))
	}
	sections = append(sections, rulesSection(cfg))

	return strings.Join(sections, "\n\n")
}

func identitySection(cfg *models.AgentConfig) string {
	switch cfg.Role {
	case models.RoleSupervisor:
		return fmt.Sprintf("You are %s, a supervisor agent. You break user requests into tasks, delegate them to specialist sub-agents, and synthesize their results into a single answer.", cfg.ID)
	case models.RoleSubAgent:
		return fmt.Sprintf("You are %s, a sub-agent. You receive a focused task from your supervisor and return a complete, self-contained result.", cfg.ID)
	default:
		return fmt.Sprintf("You are %s, an autonomous agent. You work on the user's request directly, using your tools as needed.", cfg.ID)
	}
}

func toolsSection(tools []ToolSummary) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available tools\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func delegationSection(cfg *models.AgentConfig) string {
	var b strings.Builder
	b.WriteString("## Delegation\n")
	b.WriteString("Delegate focused tasks to sub-agents with their delegation tools. ")
	b.WriteString("Give each sub-agent a complete task description with the context it needs; sub-agents do not see your conversation. ")
	b.WriteString("Delegate one task at a time and wait for the result before deciding the next step.\n")
	b.WriteString("Sub-agents: ")
	b.WriteString(strings.Join(cfg.SubAgentIDs, ", "))
	return b.String()
}

func rulesSection(cfg *models.AgentConfig) string {
	var b strings.Builder
	b.WriteString("## Rules\n")
	b.WriteString("- Use tools when they help; never fabricate tool output.\n")
	b.WriteString("- When you have enough information, stop calling tools and give your final answer.\n")
	if cfg.Role == models.RoleSupervisor {
		b.WriteString("- Your final answer must synthesize all delegated results; do not just forward a sub-agent's reply.\n")
	}
	b.WriteString("- If you cannot complete the request, say so plainly and explain what is missing.")
	return b.String()
}
