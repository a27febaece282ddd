package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/models"
)

func echoDef(name string) Definition {
	return Definition{
		Name:        name,
		Description: "echoes its message argument",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"]
		}`),
		Handler: func(_ Context, args json.RawMessage) (string, error) {
			var a struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			return a.Message, nil
		},
	}
}

func newTestRuntime(t *testing.T, defs ...Definition) *Runtime {
	t.Helper()
	reg := NewRegistry()
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	reg.Freeze()
	return NewRuntime(reg, 200*time.Millisecond)
}

func testCtx() Context {
	return Context{
		Context:     context.Background(),
		UserID:      "user-1",
		ExecutionID: "exec-1",
		AgentID:     "agent-1",
	}
}

func TestInvokeSuccess(t *testing.T) {
	rt := newTestRuntime(t, echoDef("echo"))

	res, err := rt.Invoke(testCtx(), models.ToolCall{
		ID:   "call-1",
		Name: "echo",
		Args: json.RawMessage(`{"message": "hello"}`),
	}, false)
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, "call-1", res.ID)
	assert.Equal(t, "hello", res.Value)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
}

func TestInvokeUnknownTool(t *testing.T) {
	rt := newTestRuntime(t)

	res, err := rt.Invoke(testCtx(), models.ToolCall{ID: "c", Name: "nope"}, false)
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestInvokeInvalidArgs(t *testing.T) {
	rt := newTestRuntime(t, echoDef("echo"))

	res, err := rt.Invoke(testCtx(), models.ToolCall{
		ID:   "c",
		Name: "echo",
		Args: json.RawMessage(`{"message": 42}`),
	}, false)
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "invalid arguments for echo")
}

func TestInvokeMissingRequiredArg(t *testing.T) {
	rt := newTestRuntime(t, echoDef("echo"))

	res, err := rt.Invoke(testCtx(), models.ToolCall{
		ID:   "c",
		Name: "echo",
		Args: json.RawMessage(`{}`),
	}, false)
	require.NoError(t, err)

	assert.False(t, res.OK)
}

func TestInvokeTimeout(t *testing.T) {
	slow := Definition{
		Name: "slow",
		Handler: func(ctx Context, _ json.RawMessage) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	rt := newTestRuntime(t, slow)

	res, err := rt.Invoke(testCtx(), models.ToolCall{ID: "c", Name: "slow"}, false)
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Error, "timed out")
}

func TestInvokeFailureIsNotTimedOut(t *testing.T) {
	bad := Definition{
		Name: "bad",
		Handler: func(Context, json.RawMessage) (string, error) {
			return "", errors.New("backend unreachable")
		},
	}
	rt := newTestRuntime(t, bad)

	res, err := rt.Invoke(testCtx(), models.ToolCall{ID: "c", Name: "bad"}, false)
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.False(t, res.TimedOut)
}

func TestInvokePanicRecovered(t *testing.T) {
	boom := Definition{
		Name: "boom",
		Handler: func(Context, json.RawMessage) (string, error) {
			panic("kaboom")
		},
	}
	rt := newTestRuntime(t, boom)

	res, err := rt.Invoke(testCtx(), models.ToolCall{ID: "c", Name: "boom"}, false)
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "panicked")
	assert.Contains(t, res.Error, "kaboom")
}

func TestInvokeApprovalSignal(t *testing.T) {
	gated := echoDef("deploy")
	gated.RequiresApproval = true
	rt := newTestRuntime(t, gated)

	call := models.ToolCall{ID: "c", Name: "deploy", Args: json.RawMessage(`{"message": "go"}`)}

	_, err := rt.Invoke(testCtx(), call, false)
	var approval *ApprovalRequiredError
	require.ErrorAs(t, err, &approval)
	assert.Equal(t, call, approval.Call)
	assert.True(t, approval.Config.AllowAccept)

	// Skipping approval executes directly, as after an accepted interrupt.
	res, err := rt.Invoke(testCtx(), call, true)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "go", res.Value)
}

func TestRegistryDuplicateAndFrozen(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoDef("echo")))

	err := reg.Register(echoDef("echo"))
	assert.True(t, errors.Is(err, ErrDuplicateTool))

	reg.Freeze()
	err = reg.Register(echoDef("other"))
	assert.True(t, errors.Is(err, ErrRegistryFrozen))
}

func TestSchemasForPreservesOrderAndSkipsUnknown(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoDef("b")))
	require.NoError(t, reg.Register(echoDef("a")))
	reg.Freeze()

	schemas := reg.SchemasFor([]string{"b", "missing", "a"})
	require.Len(t, schemas, 2)
	assert.Equal(t, "b", schemas[0].Name)
	assert.Equal(t, "a", schemas[1].Name)
}

func TestIsDelegation(t *testing.T) {
	assert.True(t, IsDelegation("delegate_to_researcher"))
	assert.False(t, IsDelegation("delegate_to_"))
	assert.False(t, IsDelegation("echo"))
}

func TestRegisterDelegationTools(t *testing.T) {
	cfg := &models.AgentConfig{
		ID:          "boss",
		Role:        models.RoleSupervisor,
		Model:       "gpt-test",
		ToolNames:   []string{"delegate_to_researcher", "delegate_to_writer"},
		SubAgentIDs: []string{"researcher", "writer"},
	}
	require.NoError(t, cfg.Validate())

	reg := NewRegistry()
	require.NoError(t, RegisterDelegationTools(reg, cfg))

	def, ok := reg.Get("delegate_to_researcher")
	require.True(t, ok)
	assert.Equal(t, "researcher", def.Metadata["target_agent_id"])

	// Re-registering for an overlapping config is a no-op, not an error.
	require.NoError(t, RegisterDelegationTools(reg, cfg))
}

func TestParseDelegationArgs(t *testing.T) {
	args, err := ParseDelegationArgs(json.RawMessage(`{"task_description": "find papers", "context": "topic X"}`))
	require.NoError(t, err)
	assert.Equal(t, "find papers", args.TaskDescription)
	assert.Equal(t, "topic X", args.Context)

	_, err = ParseDelegationArgs(json.RawMessage(`{"context": "no task"}`))
	assert.Error(t, err)

	_, err = ParseDelegationArgs(json.RawMessage(`{"task_description": "   "}`))
	assert.Error(t, err)
}
