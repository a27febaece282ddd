package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/pkg/budget"
	"github.com/loomctl/loom/pkg/checkpoint"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/delegation"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/interrupt"
	"github.com/loomctl/loom/pkg/llm"
	"github.com/loomctl/loom/pkg/models"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/tools"
	"github.com/loomctl/loom/pkg/usage"
)

// nodeTimeout caps any single node's blocking I/O, under the execution's
// wall-clock deadline.
const nodeTimeout = 2 * time.Minute

// finalizeNudge is appended when the step budget runs out and the model
// must conclude without further tools.
const finalizeNudge = "You have reached your step limit. Give your final answer now using only the information already gathered. Do not request any more tools."

// Delegator hands delegation tool calls to the coordinator.
type Delegator interface {
	Delegate(ctx context.Context, req delegation.Request) (delegation.Result, error)
}

// Result is the terminal outcome of one graph run.
type Result struct {
	FinalContent string
	Status       models.ExecutionStatus
	Err          *models.ExecutionError
}

// Executor drives compiled graphs. One Run per execution, on the
// execution's own goroutine; the executor itself is stateless and shared.
type Executor struct {
	cfg         *config.Config
	factory     *llm.Factory
	runtime     *tools.Runtime
	interrupts  *interrupt.Manager
	delegator   Delegator
	bus         *events.Bus
	registry    *registry.Registry
	recorder    *usage.Recorder
	checkpoints checkpoint.Store
}

// NewExecutor wires the executor's collaborators. checkpoints may be nil
// to disable suspension snapshots.
func NewExecutor(
	cfg *config.Config,
	factory *llm.Factory,
	runtime *tools.Runtime,
	interrupts *interrupt.Manager,
	delegator Delegator,
	bus *events.Bus,
	reg *registry.Registry,
	recorder *usage.Recorder,
	checkpoints checkpoint.Store,
) *Executor {
	return &Executor{
		cfg:         cfg,
		factory:     factory,
		runtime:     runtime,
		interrupts:  interrupts,
		delegator:   delegator,
		bus:         bus,
		registry:    reg,
		recorder:    recorder,
		checkpoints: checkpoints,
	}
}

// plannedCall is a tool call after approval resolution.
type plannedCall struct {
	call       models.ToolCall
	skip       bool            // approval already granted
	fabricated *models.Message // respond/ignore replace execution entirely
}

// Run executes the graph for an already-registered execution until a
// terminal state. The returned error is non-nil only when the run could
// not start producing content and the caller may retry with a fallback
// model; every other failure lands inside Result.
func (x *Executor) Run(ctx context.Context, g *Graph, execID string, tracker *budget.Tracker, depth int, creds map[string]string) (*Result, error) {
	snap, err := x.registry.Get(execID)
	if err != nil {
		return nil, err
	}
	userID := snap.UserID

	client, err := x.factory.Get(g.Config.Model, g.Options)
	if err != nil {
		return nil, err
	}

	log := slog.With("execution_id", execID, "agent_id", g.AgentID)
	// The started event fires once per execution. A fallback-model retry
	// re-enters Run with the execution already running.
	firstEntry := false
	_ = x.registry.Update(execID, func(e *models.Execution) {
		firstEntry = e.Status == models.StatusPending
		e.SetStatus(models.StatusRunning)
	})
	if firstEntry {
		if started, err := x.registry.Get(execID); err == nil {
			x.publish(events.NewExecutionStarted(started))
		}
	}

	node := NodeAgent
	var planned []plannedCall
	firstModelCall := true

	for {
		if ctx.Err() != nil {
			return x.ctxFailure(ctx, execID, log), nil
		}

		switch node {
		case NodeAgent:
			step, within := tracker.NoteAgentStep()
			if !within {
				log.Info("Agent step budget exhausted, forcing final synthesis", "steps", step)
				return x.forceFinalize(ctx, g, execID, userID, client), nil
			}

			completion, err := x.invokeModel(ctx, g, execID, client, g.ToolSchemas)
			if err != nil {
				if firstModelCall && errors.Is(err, llm.ErrProviderUnavailable) {
					return nil, err
				}
				return x.modelFailure(ctx, execID, log, err), nil
			}
			firstModelCall = false
			x.recordUsage(execID, userID, g, completion.Usage)

			aiMsg := models.Message{
				ID:        uuid.New().String(),
				Role:      models.RoleAI,
				Content:   completion.Content,
				ToolCalls: completion.ToolCalls,
				Usage:     &completion.Usage,
			}
			x.appendMessage(execID, aiMsg)
			x.addStep(execID, userID, models.ExecutionStep{
				Kind:    models.StepThinking,
				AgentID: g.AgentID,
				Content: completion.Content,
			}, nil)

			if len(completion.ToolCalls) == 0 {
				return x.complete(execID, completion.Content), nil
			}
			planned = plan(completion.ToolCalls)
			node = NodeCheckApproval

		case NodeCheckApproval:
			node = NodeTools
			for _, p := range planned {
				if !tools.IsDelegation(p.call.Name) && x.runtime.Registry().RequiresApproval(p.call.Name) {
					node = NodeApproval
					break
				}
			}

		case NodeApproval:
			res := x.resolveApprovals(ctx, g, execID, userID, planned, tracker)
			if res != nil {
				return res, nil
			}
			node = NodeTools

		case NodeTools:
			res := x.runTools(ctx, g, execID, userID, depth, planned, tracker, creds, client)
			if res != nil {
				return res, nil
			}
			planned = nil
			node = NodeAgent
		}
	}
}

// plan wraps the model's calls in emission order.
func plan(calls []models.ToolCall) []plannedCall {
	out := make([]plannedCall, len(calls))
	for i, c := range calls {
		out[i] = plannedCall{call: c}
	}
	return out
}

func (x *Executor) invokeModel(ctx context.Context, g *Graph, execID string, client llm.Client, schemas []llm.ToolSchema) (*llm.Completion, error) {
	snap, err := x.registry.Get(execID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, nodeTimeout)
	defer cancel()
	return llm.Retry(callCtx, func(c context.Context) (*llm.Completion, error) {
		return client.Invoke(c, snap.Messages, schemas)
	})
}

// resolveApprovals parks on the interrupt manager for each gated call.
// Returns a terminal Result on timeout or cancellation, nil to continue.
func (x *Executor) resolveApprovals(ctx context.Context, g *Graph, execID, userID string, planned []plannedCall, tracker *budget.Tracker) *Result {
	for i := range planned {
		p := &planned[i]
		if tools.IsDelegation(p.call.Name) || !x.runtime.Registry().RequiresApproval(p.call.Name) {
			continue
		}

		intr := models.Interrupt{
			ExecutionID: execID,
			ToolCall:    p.call,
			Config:      models.DefaultInterruptConfig(),
			Description: fmt.Sprintf("Agent %s wants to run %s", g.AgentID, p.call.Name),
			CreatedAt:   time.Now(),
		}
		if snap, err := x.registry.Get(execID); err == nil {
			intr.ThreadKey = snap.ThreadKey
		}

		x.setStatus(execID, models.StatusAwaitingApproval)
		x.addStep(execID, userID, models.ExecutionStep{
			Kind:    models.StepApprovalRequest,
			AgentID: g.AgentID,
			Content: p.call.Name,
		}, nil)
		// Checkpoint before announcing: an observer reacting to the event
		// must find the suspension snapshot already durable.
		x.saveCheckpoint(ctx, execID, NodeApproval, tracker)
		x.publish(events.NewApprovalRequested(userID, intr))

		resp, err := x.interrupts.Request(ctx, intr)
		if err != nil {
			if errors.Is(err, interrupt.ErrApprovalTimeout) {
				return x.fail(execID, models.StatusFailed, models.ErrKindApprovalTimeout,
					fmt.Sprintf("approval for %s timed out", p.call.Name), false)
			}
			return x.ctxFailure(ctx, execID, slog.With("execution_id", execID))
		}

		x.deleteCheckpoint(ctx, execID)
		x.setStatus(execID, models.StatusRunning)
		x.addStep(execID, userID, models.ExecutionStep{
			Kind:    models.StepApprovalResponse,
			AgentID: g.AgentID,
			Content: string(resp.Type),
		}, nil)
		x.publish(events.NewApprovalResolved(execID, userID, resp.Type))

		switch resp.Type {
		case models.InterruptAccept:
			p.skip = true
		case models.InterruptEdit:
			p.call.Args = resp.Args
			p.skip = true
		case models.InterruptRespond:
			p.fabricated = fabricatedToolMessage(p.call, resp.Text)
		case models.InterruptIgnore:
			p.fabricated = fabricatedToolMessage(p.call, "cancelled by user")
		}
	}
	return nil
}

// fabricatedToolMessage satisfies a tool call without executing it.
func fabricatedToolMessage(call models.ToolCall, content string) *models.Message {
	return &models.Message{
		ID:         uuid.New().String(),
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// runTools executes the planned calls: non-delegation calls fan out in
// parallel, delegation calls run sequentially; results are appended in the
// model's emission order. Returns a terminal Result or nil to loop back to
// the agent node.
func (x *Executor) runTools(ctx context.Context, g *Graph, execID, userID string, depth int, planned []plannedCall, tracker *budget.Tracker, creds map[string]string, client llm.Client) *Result {
	for range planned {
		if err := tracker.NoteToolCall(); err != nil {
			slog.Info("Tool call budget exhausted, forcing final synthesis", "execution_id", execID)
			return x.forceFinalize(ctx, g, execID, userID, client)
		}
	}

	for _, p := range planned {
		x.publish(events.NewToolInvoking(execID, userID, p.call))
		x.addStep(execID, userID, models.ExecutionStep{
			Kind:    models.StepToolCall,
			AgentID: g.AgentID,
			Content: p.call.Name,
		}, nil)
	}

	messages := make([]*models.Message, len(planned))
	tcx := tools.Context{
		Context:     ctx,
		UserID:      userID,
		ExecutionID: execID,
		AgentID:     g.AgentID,
		Credentials: creds,
	}

	// Parallel fan-out of plain tool calls.
	var wg sync.WaitGroup
	for i, p := range planned {
		if p.fabricated != nil {
			messages[i] = p.fabricated
			continue
		}
		if tools.IsDelegation(p.call.Name) {
			continue
		}
		wg.Add(1)
		go func(i int, p plannedCall) {
			defer wg.Done()
			result, err := x.runtime.Invoke(tcx, p.call, p.skip)
			if err != nil {
				// The approval node already resolved every gated call;
				// reaching here means a registration raced the run.
				result = models.ToolResult{ID: p.call.ID, OK: false, Error: err.Error()}
			}
			messages[i] = toolResultMessage(p.call, result)
			x.publish(events.NewToolCompleted(execID, userID, result, p.call.Name))
		}(i, p)
	}
	wg.Wait()

	// Delegations run one at a time, in emission order. The model sometimes
	// emits the same delegation twice in a single batch; duplicates are
	// fulfilled from the first call's result without spawning another child.
	dedup := make(map[delegation.Key]int)
	for i, p := range planned {
		if p.fabricated != nil || !tools.IsDelegation(p.call.Name) {
			continue
		}
		key, keyed := delegationKey(g, execID, p.call)
		if keyed {
			if j, dup := dedup[key]; dup && messages[j] != nil {
				messages[i] = fabricatedToolMessage(p.call, messages[j].Content)
				continue
			}
		}
		msg, res := x.runDelegation(ctx, g, execID, userID, depth, p.call)
		if res != nil {
			return res
		}
		messages[i] = msg
		if keyed {
			dedup[key] = i
		}
	}

	for i, msg := range messages {
		if msg == nil {
			msg = fabricatedToolMessage(planned[i].call, "tool produced no result")
		}
		x.appendMessage(execID, *msg)
		x.addStep(execID, userID, models.ExecutionStep{
			Kind:    models.StepToolResult,
			AgentID: g.AgentID,
			Content: planned[i].call.Name,
		}, nil)
	}

	x.setStatus(execID, models.StatusRunning)
	return nil
}

// delegationKey builds the single-flight key for a delegation call so that
// identical calls within one batch share a single child execution.
// Unparseable args get no key; the validation failure is reported per call.
func delegationKey(g *Graph, execID string, call models.ToolCall) (delegation.Key, bool) {
	args, err := tools.ParseDelegationArgs(call.Args)
	if err != nil {
		return delegation.Key{}, false
	}
	return delegation.NewKey(delegation.Request{
		ParentExecutionID: execID,
		SourceAgentID:     g.AgentID,
		TargetAgentID:     strings.TrimPrefix(call.Name, models.DelegationToolPrefix),
		Args:              args,
	}), true
}

// runDelegation hands one delegation call to the coordinator. A child
// failure becomes an error payload in the tool message and the parent
// continues; only cancellation of the parent terminates the run.
func (x *Executor) runDelegation(ctx context.Context, g *Graph, execID, userID string, depth int, call models.ToolCall) (*models.Message, *Result) {
	target := strings.TrimPrefix(call.Name, models.DelegationToolPrefix)

	args, err := tools.ParseDelegationArgs(call.Args)
	if err != nil {
		return fabricatedToolMessage(call, errorPayload(models.ErrKindValidation, err.Error())), nil
	}

	x.setStatus(execID, models.StatusDelegating)
	x.addStep(execID, userID, models.ExecutionStep{
		Kind:    models.StepDelegationStart,
		AgentID: g.AgentID,
		Content: target,
	}, nil)

	res, err := x.delegator.Delegate(ctx, delegation.Request{
		ParentExecutionID: execID,
		ParentDepth:       depth,
		SourceAgentID:     g.AgentID,
		TargetAgentID:     target,
		UserID:            userID,
		Args:              args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, x.ctxFailure(ctx, execID, slog.With("execution_id", execID))
		}
		var execErr *models.ExecutionError
		if errors.As(err, &execErr) {
			return fabricatedToolMessage(call, errorPayload(execErr.Kind, execErr.Message)), nil
		}
		return fabricatedToolMessage(call, errorPayload(models.ErrKindTool, err.Error())), nil
	}

	x.addStep(execID, userID, models.ExecutionStep{
		Kind:    models.StepDelegationEnd,
		AgentID: g.AgentID,
		Content: target,
		Metadata: map[string]any{
			"child_execution_id": res.ChildExecutionID,
			"child_status":       string(res.Status),
		},
	}, nil)

	if res.Err != nil {
		return fabricatedToolMessage(call, errorPayload(res.Err.Kind, res.Err.Message)), nil
	}
	return fabricatedToolMessage(call, res.Content), nil
}

// forceFinalize makes one last model call without tools and completes the
// execution with the synthesized answer.
func (x *Executor) forceFinalize(ctx context.Context, g *Graph, execID, userID string, client llm.Client) *Result {
	if ctx.Err() != nil {
		return x.ctxFailure(ctx, execID, slog.With("execution_id", execID))
	}

	x.appendMessage(execID, models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleHuman,
		Content: finalizeNudge,
	})

	completion, err := x.invokeModel(ctx, g, execID, client, nil)
	if err != nil {
		return x.fail(execID, models.StatusFailed, models.ErrKindBudgetExceeded,
			fmt.Sprintf("budget exhausted and final synthesis failed: %v", err), true)
	}
	x.recordUsage(execID, userID, g, completion.Usage)

	x.appendMessage(execID, models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleAI,
		Content: completion.Content,
		Usage:   &completion.Usage,
	})
	x.addStep(execID, userID, models.ExecutionStep{
		Kind:     models.StepFinalize,
		AgentID:  g.AgentID,
		Content:  completion.Content,
		Metadata: map[string]any{"force_finalized": true},
	}, nil)
	_ = x.registry.Update(execID, func(e *models.Execution) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata["force_finalized"] = true
	})

	return x.complete(execID, completion.Content)
}

func toolResultMessage(call models.ToolCall, result models.ToolResult) *models.Message {
	content := result.Value
	if !result.OK {
		kind := models.ErrKindTool
		if result.TimedOut {
			kind = models.ErrKindTimeout
		}
		content = errorPayload(kind, result.Error)
	}
	return &models.Message{
		ID:         uuid.New().String(),
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// errorPayload is the structured error a tool message carries back to the
// model.
func errorPayload(kind models.ErrorKind, msg string) string {
	b, _ := json.Marshal(map[string]string{"error": string(kind), "message": msg})
	return string(b)
}

func (x *Executor) modelFailure(ctx context.Context, execID string, log *slog.Logger, err error) *Result {
	if ctx.Err() != nil {
		return x.ctxFailure(ctx, execID, log)
	}
	kind := models.ErrKindModel
	if errors.Is(err, llm.ErrProviderUnavailable) {
		kind = models.ErrKindProvider
	}
	log.Error("Model call failed", "error", err)
	return x.fail(execID, models.StatusFailed, kind, err.Error(), x.hasPartialContent(execID))
}

// ctxFailure classifies a dead context: budget deadline or cancellation.
func (x *Executor) ctxFailure(ctx context.Context, execID string, log *slog.Logger) *Result {
	if errors.Is(context.Cause(ctx), budget.ErrWallClockExceeded) {
		log.Warn("Execution hit wall-clock deadline")
		return x.fail(execID, models.StatusTimedOut, models.ErrKindTimeout,
			"wall clock budget exceeded", x.hasPartialContent(execID))
	}
	log.Info("Execution cancelled")
	return x.fail(execID, models.StatusCancelled, models.ErrKindCancelled,
		"execution cancelled", x.hasPartialContent(execID))
}

func (x *Executor) hasPartialContent(execID string) bool {
	snap, err := x.registry.Get(execID)
	if err != nil {
		return false
	}
	for _, m := range snap.Messages {
		if m.Role == models.RoleAI && m.Content != "" {
			return true
		}
	}
	return false
}

func (x *Executor) complete(execID, content string) *Result {
	x.setStatus(execID, models.StatusCompleted)
	if snap, err := x.registry.Get(execID); err == nil {
		x.publish(events.NewExecutionCompleted(snap, content))
	}
	x.deleteCheckpoint(context.Background(), execID)
	return &Result{FinalContent: content, Status: models.StatusCompleted}
}

func (x *Executor) fail(execID string, status models.ExecutionStatus, kind models.ErrorKind, msg string, partial bool) *Result {
	x.setStatus(execID, status)
	if snap, err := x.registry.Get(execID); err == nil {
		x.publish(events.NewExecutionFailed(snap, kind, msg))
	}
	x.deleteCheckpoint(context.Background(), execID)
	return &Result{
		Status: status,
		Err:    &models.ExecutionError{Kind: kind, Message: msg, Partial: partial},
	}
}

func (x *Executor) setStatus(execID string, status models.ExecutionStatus) {
	_ = x.registry.Update(execID, func(e *models.Execution) {
		e.SetStatus(status)
	})
}

func (x *Executor) appendMessage(execID string, msg models.Message) {
	_ = x.registry.Update(execID, func(e *models.Execution) {
		e.AppendMessage(msg)
	})
}

// addStep appends a trace step and publishes it. extra merges into the
// step metadata.
func (x *Executor) addStep(execID, userID string, step models.ExecutionStep, extra map[string]any) {
	step.ID = uuid.New().String()
	step.Timestamp = time.Now()
	for k, v := range extra {
		if step.Metadata == nil {
			step.Metadata = make(map[string]any)
		}
		step.Metadata[k] = v
	}
	_ = x.registry.Update(execID, func(e *models.Execution) {
		e.AppendStep(step)
	})
	x.publish(events.NewExecutionStep(execID, userID, step))
}

func (x *Executor) recordUsage(execID, userID string, g *Graph, u models.TokenUsage) {
	var cost float64
	if x.recorder != nil {
		cost = x.recorder.Record(execID, userID, g.AgentID, g.Config.Model, u)
	}
	_ = x.registry.Update(execID, func(e *models.Execution) {
		e.Usage.Add(u)
		e.CostUSD += cost
	})
}

func (x *Executor) saveCheckpoint(ctx context.Context, execID string, node Node, tracker *budget.Tracker) {
	if x.checkpoints == nil {
		return
	}
	snap, err := x.registry.Get(execID)
	if err != nil {
		return
	}
	cp := &checkpoint.Checkpoint{
		ExecutionID: execID,
		ThreadKey:   snap.ThreadKey,
		Node:        string(node),
		AgentSteps:  tracker.AgentSteps(),
		Messages:    snap.Messages,
		Steps:       snap.Steps,
	}
	if err := x.checkpoints.Save(ctx, cp); err != nil {
		slog.Warn("Checkpoint save failed", "execution_id", execID, "error", err)
	}
}

func (x *Executor) deleteCheckpoint(ctx context.Context, execID string) {
	if x.checkpoints == nil {
		return
	}
	if err := x.checkpoints.Delete(ctx, execID); err != nil {
		slog.Warn("Checkpoint delete failed", "execution_id", execID, "error", err)
	}
}

func (x *Executor) publish(e events.Event) {
	if x.bus != nil {
		x.bus.Publish(e)
	}
}
