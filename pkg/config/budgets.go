package config

import (
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// Budget enumerates the per-execution limits. A zero field means
// "use the role default" when resolved through BudgetForRole.
type Budget struct {
	WallClock     time.Duration
	MaxToolCalls  int
	MaxAgentSteps int
}

// Role-based budget defaults. Supervisors get more headroom because their
// wall clock covers delegated child executions.
var (
	supervisorBudget = Budget{WallClock: 600 * time.Second, MaxToolCalls: 40, MaxAgentSteps: 20}
	specialistBudget = Budget{WallClock: 300 * time.Second, MaxToolCalls: 30, MaxAgentSteps: 15}
)

// BudgetForRole returns the default budget for an agent role. Sub-agents
// share the specialist defaults.
func BudgetForRole(role models.AgentRole) Budget {
	if role == models.RoleSupervisor {
		return supervisorBudget
	}
	return specialistBudget
}

// Merge overlays non-zero fields of override onto b.
func (b Budget) Merge(override Budget) Budget {
	if override.WallClock > 0 {
		b.WallClock = override.WallClock
	}
	if override.MaxToolCalls > 0 {
		b.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxAgentSteps > 0 {
		b.MaxAgentSteps = override.MaxAgentSteps
	}
	return b
}
