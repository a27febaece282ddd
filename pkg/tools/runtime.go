package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// Context carries request-scoped identity and credentials into tool
// handlers. The embedded context.Context is the cancellation handle; it
// already includes the per-call deadline.
type Context struct {
	context.Context

	UserID      string
	ExecutionID string
	AgentID     string
	Credentials map[string]string
}

// ApprovalRequiredError is the control signal raised when an
// approval-gated tool is about to execute. It is not a failure: the
// executor catches it and suspends on the interrupt manager.
type ApprovalRequiredError struct {
	Call   models.ToolCall
	Config models.InterruptConfig
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("tool %s requires approval", e.Call.Name)
}

// InvalidArgsError reports schema validation failure for a tool call.
// The detail is surfaced to the LLM, which may retry with corrected args.
type InvalidArgsError struct {
	Tool   string
	Detail string
}

func (e *InvalidArgsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Detail)
}

// Runtime executes tool calls against a frozen registry.
type Runtime struct {
	registry *Registry
	timeout  time.Duration // per-call hard cap
}

// NewRuntime creates a runtime enforcing the given per-call timeout.
func NewRuntime(registry *Registry, timeout time.Duration) *Runtime {
	return &Runtime{registry: registry, timeout: timeout}
}

// Registry exposes the underlying registry for schema lookups.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Timeout returns the per-call cap.
func (rt *Runtime) Timeout() time.Duration { return rt.timeout }

// Invoke runs one tool call to completion and returns a structured
// result. Handler errors, timeouts, and validation failures are captured
// in the result (OK=false) rather than returned — the LLM sees them as
// tool output. The returned error is reserved for the approval control
// signal.
//
// skipApproval executes an approval-gated tool directly; the executor
// sets it after the interrupt resolves with accept or edit.
func (rt *Runtime) Invoke(tcx Context, call models.ToolCall, skipApproval bool) (models.ToolResult, error) {
	start := time.Now()

	def, ok := rt.registry.Get(call.Name)
	if !ok {
		return errorResult(call.ID, start, fmt.Sprintf("%v: %s", ErrToolUnknown, call.Name)), nil
	}

	if err := rt.validateArgs(def, call); err != nil {
		return errorResult(call.ID, start, err.Error()), nil
	}

	if def.RequiresApproval && !skipApproval {
		return models.ToolResult{}, &ApprovalRequiredError{
			Call:   call,
			Config: models.DefaultInterruptConfig(),
		}
	}

	callCtx, cancel := context.WithTimeout(tcx.Context, rt.timeout)
	defer cancel()
	scoped := tcx
	scoped.Context = callCtx

	value, err := rt.runHandler(scoped, def, call.Args)
	elapsed := time.Since(start)

	if err != nil {
		msg := err.Error()
		timedOut := callCtx.Err() == context.DeadlineExceeded
		if timedOut {
			msg = fmt.Sprintf("tool %s timed out after %s", call.Name, rt.timeout)
		}
		slog.Warn("Tool call failed",
			"tool", call.Name, "execution_id", tcx.ExecutionID,
			"duration", elapsed, "error", err)
		return models.ToolResult{
			ID:         call.ID,
			OK:         false,
			Error:      msg,
			TimedOut:   timedOut,
			DurationMS: elapsed.Milliseconds(),
		}, nil
	}

	return models.ToolResult{
		ID:         call.ID,
		OK:         true,
		Value:      value,
		DurationMS: elapsed.Milliseconds(),
	}, nil
}

func (rt *Runtime) validateArgs(def *Definition, call models.ToolCall) error {
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &InvalidArgsError{Tool: call.Name, Detail: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if err := def.compiled.Validate(decoded); err != nil {
		return &InvalidArgsError{Tool: call.Name, Detail: err.Error()}
	}
	return nil
}

// runHandler invokes the handler, converting panics into errors so a
// misbehaving tool cannot take down the executor goroutine.
func (rt *Runtime) runHandler(tcx Context, def *Definition, args json.RawMessage) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", def.Name, r)
		}
	}()
	return def.Handler(tcx, args)
}

func errorResult(callID string, start time.Time, msg string) models.ToolResult {
	return models.ToolResult{
		ID:         callID,
		OK:         false,
		Error:      msg,
		DurationMS: time.Since(start).Milliseconds(),
	}
}
