package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/loomctl/loom/pkg/models"
)

// DelegationArgs is the argument shape shared by every delegation tool.
type DelegationArgs struct {
	TaskDescription string `json:"task_description" jsonschema:"required,description=What the sub-agent should accomplish"`
	Context         string `json:"context,omitempty" jsonschema:"description=Findings gathered so far that the sub-agent needs"`
}

var delegationSchema = mustDelegationSchema()

func mustDelegationSchema() json.RawMessage {
	r := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	s := r.Reflect(&DelegationArgs{})
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("marshal delegation schema: %v", err))
	}
	return raw
}

// DelegationSchema returns the JSON schema for delegation tool arguments.
func DelegationSchema() json.RawMessage { return delegationSchema }

// ParseDelegationArgs decodes and minimally checks delegation arguments.
func ParseDelegationArgs(raw json.RawMessage) (DelegationArgs, error) {
	var args DelegationArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return DelegationArgs{}, fmt.Errorf("delegation args: %w", err)
	}
	if strings.TrimSpace(args.TaskDescription) == "" {
		return DelegationArgs{}, fmt.Errorf("delegation args: task_description is required")
	}
	return args, nil
}

// RegisterDelegationTools registers a delegate_to_{id} tool for each
// sub-agent of the given config. The handler is a tripwire: delegation
// calls are intercepted by the graph executor and routed to the
// coordinator, so the handler only runs if that routing is broken.
func RegisterDelegationTools(r *Registry, cfg *models.AgentConfig) error {
	for _, sub := range cfg.SubAgentIDs {
		name := models.DelegationToolName(sub)
		if _, exists := r.Get(name); exists {
			continue
		}
		target := sub
		err := r.Register(Definition{
			Name:        name,
			Description: fmt.Sprintf("Delegate a task to the %s agent and wait for its result.", target),
			Schema:      delegationSchema,
			Handler: func(Context, json.RawMessage) (string, error) {
				return "", fmt.Errorf("delegation tool %s invoked outside the coordinator", models.DelegationToolName(target))
			},
			Metadata: map[string]any{"target_agent_id": target},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
