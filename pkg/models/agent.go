package models

import "fmt"

// AgentRole determines routing behavior and budget defaults for an agent.
type AgentRole string

const (
	RoleSupervisor AgentRole = "supervisor"
	RoleSpecialist AgentRole = "specialist"
	RoleSubAgent   AgentRole = "sub_agent"
)

// DelegationToolPrefix is the naming prefix for engine-registered delegation
// tools. A tool call whose name starts with this prefix is a handoff to
// another agent and is always executed sequentially.
const DelegationToolPrefix = "delegate_to_"

// DelegationToolName returns the delegation tool name for a sub-agent ID.
func DelegationToolName(subAgentID string) string {
	return DelegationToolPrefix + subAgentID
}

// AgentConfig is the immutable configuration of one agent. The engine
// consumes it as-is; loading and storage belong to a collaborator.
//
// A supervisor's ToolNames must include a delegation tool for each entry in
// SubAgentIDs — Validate enforces this.
type AgentConfig struct {
	ID            string
	Role          AgentRole
	Model         string
	Temperature   float64
	MaxTokens     int
	SystemPrompt  string
	ToolNames     []string // ordered, unique
	SubAgentIDs   []string
	ParentAgentID string
	Tags          []string

	// Revision changes whenever the config changes; compiled graphs and
	// composed prompts are cached per (ID, Revision).
	Revision int
}

// Validate checks structural invariants of the config.
func (c *AgentConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("agent config: missing id")
	}
	if c.Model == "" {
		return fmt.Errorf("agent %q: missing model", c.ID)
	}
	switch c.Role {
	case RoleSupervisor, RoleSpecialist, RoleSubAgent:
	default:
		return fmt.Errorf("agent %q: invalid role %q", c.ID, c.Role)
	}
	seen := make(map[string]bool, len(c.ToolNames))
	for _, name := range c.ToolNames {
		if seen[name] {
			return fmt.Errorf("agent %q: duplicate tool %q", c.ID, name)
		}
		seen[name] = true
	}
	for _, sub := range c.SubAgentIDs {
		if !seen[DelegationToolName(sub)] {
			return fmt.Errorf("agent %q: sub-agent %q has no delegation tool", c.ID, sub)
		}
	}
	return nil
}

// HasTool reports whether the agent is configured with the named tool.
func (c *AgentConfig) HasTool(name string) bool {
	for _, n := range c.ToolNames {
		if n == name {
			return true
		}
	}
	return false
}
