// Package orchestrator is the engine's entry point. It resolves the
// execution mode, prepares the conversation, runs the compiled graph on a
// per-execution goroutine, and owns the execution lifecycle end to end.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/pkg/budget"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/delegation"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/graph"
	"github.com/loomctl/loom/pkg/interrupt"
	"github.com/loomctl/loom/pkg/llm"
	"github.com/loomctl/loom/pkg/models"
	"github.com/loomctl/loom/pkg/registry"
)

var (
	ErrAgentUnknown     = errors.New("unknown agent")
	ErrModeUnsupported  = errors.New("agent does not support requested mode")
	ErrExecutionUnknown = errors.New("unknown execution")
	ErrAlreadyTerminal  = errors.New("execution already terminal")
)

// AgentSource resolves agent configurations. Storage is a collaborator's
// concern; the engine only reads.
type AgentSource interface {
	AgentConfig(id string) (*models.AgentConfig, error)
}

// StaticAgents is the map-backed AgentSource used by tests and embedders.
type StaticAgents map[string]*models.AgentConfig

func (s StaticAgents) AgentConfig(id string) (*models.AgentConfig, error) {
	cfg, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, id)
	}
	return cfg, nil
}

// Request is one execution request.
type Request struct {
	AgentID     string
	UserID      string
	Input       string
	Mode        models.Mode // empty resolves from the agent's role
	Credentials map[string]string
	History     []models.Message // prior messages of the thread
	Budget      *config.Budget   // optional override of role defaults
}

// Result is the terminal outcome handed back to the caller.
type Result struct {
	ExecutionID  string
	Status       models.ExecutionStatus
	FinalContent string
	Err          *models.ExecutionError
	Usage        models.TokenUsage
	CostUSD      float64
}

// Options tune engine behavior beyond the runtime config.
type Options struct {
	// DefaultModel is the one-shot fallback when an agent's model provider
	// is unavailable at the start of a run. Empty disables the fallback.
	DefaultModel string

	// EnableTagHeuristic turns on the supervisor routing hint derived from
	// sub-agent tags. Off by default.
	EnableTagHeuristic bool
}

// Engine executes agents. Construct with NewEngine; all methods are safe
// for concurrent use.
type Engine struct {
	cfg      *config.Config
	opts     Options
	agents   AgentSource
	builder  *graph.Builder
	executor *graph.Executor
	registry *registry.Registry
	bus      *events.Bus
	intr     *interrupt.Manager

	coordinator *delegation.Coordinator

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine wires an engine. Call BindCoordinator before Execute if
// supervised mode is used; the coordinator needs the engine as its Spawner.
func NewEngine(
	cfg *config.Config,
	opts Options,
	agents AgentSource,
	builder *graph.Builder,
	executor *graph.Executor,
	reg *registry.Registry,
	bus *events.Bus,
	intr *interrupt.Manager,
) *Engine {
	return &Engine{
		cfg:      cfg,
		opts:     opts,
		agents:   agents,
		builder:  builder,
		executor: executor,
		registry: reg,
		bus:      bus,
		intr:     intr,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// BindCoordinator attaches the delegation coordinator. Kept separate from
// construction because the coordinator's Spawner is this engine.
func (e *Engine) BindCoordinator(c *delegation.Coordinator) { e.coordinator = c }

// SetAgentAlias registers an alternate name for a delegation target.
// Delegation tools addressed to the alias resolve to the canonical agent.
func (e *Engine) SetAgentAlias(alias, canonical string) {
	if e.coordinator != nil {
		e.coordinator.SetAlias(alias, canonical)
	}
}

// Execute runs the request to a terminal state and returns the result.
// Structural problems (unknown agent, bad mode) fail before an execution
// exists and return a plain error.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	agentCfg, err := e.agents.AgentConfig(req.AgentID)
	if err != nil {
		return nil, err
	}
	mode, err := resolveMode(agentCfg, req.Mode)
	if err != nil {
		return nil, err
	}
	g, err := e.builder.Compile(agentCfg)
	if err != nil {
		return nil, err
	}

	exec := e.createExecution(g, req, mode, "")
	return e.run(ctx, g, exec, req, 0)
}

// Cancel requests cancellation of a running execution; child executions
// sharing the context are cancelled too. Cancelling an execution that has
// already finished returns ErrAlreadyTerminal.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		snap, err := e.registry.Get(executionID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrExecutionUnknown, executionID)
		}
		if snap.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrAlreadyTerminal, executionID)
		}
		// Registered but not yet running; nothing to cancel.
		return nil
	}
	cancel()
	return nil
}

// GetSnapshot returns a deep copy of the execution's current state.
func (e *Engine) GetSnapshot(executionID string) (*models.Execution, error) {
	return e.registry.Get(executionID)
}

// Subscribe attaches an event stream matching the filter.
func (e *Engine) Subscribe(f events.Filter) *events.Subscription {
	return e.bus.Subscribe(f)
}

// RespondToInterrupt resolves a pending approval for the execution.
func (e *Engine) RespondToInterrupt(executionID string, resp models.InterruptResponse) error {
	return e.intr.Respond(executionID, resp)
}

// PendingInterrupt returns the execution's pending approval, if any.
func (e *Engine) PendingInterrupt(executionID string) (models.Interrupt, bool) {
	return e.intr.Peek(executionID)
}

// SpawnChild implements delegation.Spawner: it starts a child execution
// for the delegated task on its own goroutine and reports the terminal
// result on the returned channel.
func (e *Engine) SpawnChild(ctx context.Context, dreq delegation.Request) (string, <-chan delegation.Result, error) {
	agentCfg, err := e.agents.AgentConfig(dreq.TargetAgentID)
	if err != nil {
		return "", nil, err
	}
	g, err := e.builder.Compile(agentCfg)
	if err != nil {
		return "", nil, err
	}

	input := dreq.Args.TaskDescription
	if dreq.Args.Context != "" {
		input += "\n\nContext:\n" + dreq.Args.Context
	}
	req := Request{
		AgentID: dreq.TargetAgentID,
		UserID:  dreq.UserID,
		Input:   input,
		Mode:    models.ModeDirect,
	}

	exec := e.createExecution(g, req, models.ModeDirect, dreq.ParentExecutionID)

	out := make(chan delegation.Result, 1)
	go func() {
		res, err := e.run(ctx, g, exec, req, dreq.ParentDepth+1)
		if err != nil {
			out <- delegation.Result{
				ChildExecutionID: exec.ID,
				Status:           models.StatusFailed,
				Err:              &models.ExecutionError{Kind: models.ErrKindConfig, Message: err.Error()},
			}
			return
		}
		out <- delegation.Result{
			ChildExecutionID: exec.ID,
			Status:           res.Status,
			Content:          res.FinalContent,
			Err:              res.Err,
		}
	}()
	return exec.ID, out, nil
}

func (e *Engine) createExecution(g *graph.Graph, req Request, mode models.Mode, parentID string) *models.Execution {
	exec := &models.Execution{
		ID:                uuid.New().String(),
		AgentID:           req.AgentID,
		UserID:            req.UserID,
		ThreadKey:         models.ThreadKey(req.AgentID, mode),
		Mode:              mode,
		Status:            models.StatusPending,
		StartedAt:         time.Now(),
		ParentExecutionID: parentID,
	}
	exec.Messages = e.initialMessages(g, req, mode)
	e.registry.Create(exec)
	return exec
}

// run drives one execution to a terminal state, applying the one-shot
// model fallback when the provider is unavailable before any output.
func (e *Engine) run(ctx context.Context, g *graph.Graph, exec *models.Execution, req Request, depth int) (*Result, error) {
	b := config.BudgetForRole(g.Config.Role)
	if req.Budget != nil {
		b = b.Merge(*req.Budget)
	}
	tracker := budget.NewTracker(e.cfg, b)

	runCtx, cancel := tracker.Context(ctx)
	e.mu.Lock()
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, exec.ID)
		e.mu.Unlock()
	}()

	// Delegation progress feeds the adaptive wall-clock extension.
	progress := e.bus.Subscribe(events.Filter{
		ExecutionID: exec.ID,
		Kinds:       []events.Type{events.DelegationProgress},
	})
	defer progress.Close()
	go func() {
		for ev := range progress.C() {
			tracker.RecordProgress(ev.Progress)
		}
	}()

	res, err := e.executor.Run(runCtx, g, exec.ID, tracker, depth, req.Credentials)
	if err != nil && errors.Is(err, llm.ErrProviderUnavailable) &&
		e.opts.DefaultModel != "" && e.opts.DefaultModel != g.Config.Model {
		slog.Warn("Provider unavailable, falling back to default model",
			"execution_id", exec.ID, "model", g.Config.Model, "fallback", e.opts.DefaultModel)
		res, err = e.executor.Run(runCtx, g.WithModel(e.opts.DefaultModel), exec.ID, tracker, depth, req.Credentials)
	}
	if err != nil {
		// The run never started: mark and report a structured failure.
		kind := models.ErrKindModel
		if errors.Is(err, llm.ErrProviderUnavailable) {
			kind = models.ErrKindProvider
		} else if errors.Is(err, llm.ErrModelUnknown) {
			kind = models.ErrKindConfig
		}
		_ = e.registry.Update(exec.ID, func(x *models.Execution) {
			x.SetStatus(models.StatusFailed)
		})
		if snap, gerr := e.registry.Get(exec.ID); gerr == nil {
			e.bus.Publish(events.NewExecutionFailed(snap, kind, err.Error()))
		}
		return &Result{
			ExecutionID: exec.ID,
			Status:      models.StatusFailed,
			Err:         &models.ExecutionError{Kind: kind, Message: err.Error()},
		}, nil
	}

	out := &Result{
		ExecutionID:  exec.ID,
		Status:       res.Status,
		FinalContent: res.FinalContent,
		Err:          res.Err,
	}
	if snap, gerr := e.registry.Get(exec.ID); gerr == nil {
		out.Usage = snap.Usage
		out.CostUSD = snap.CostUSD
	}
	return out, nil
}

// initialMessages builds the conversation seed: system prompt, filtered
// thread history, then the user's input.
func (e *Engine) initialMessages(g *graph.Graph, req Request, mode models.Mode) []models.Message {
	system := g.SystemPrompt
	if e.opts.EnableTagHeuristic && g.Config.Role == models.RoleSupervisor {
		if hint := e.tagHint(&g.Config, req.Input); hint != "" {
			system += "\n\nHint: this request likely concerns the " + hint + " agent."
		}
	}

	msgs := []models.Message{{
		ID:      uuid.New().String(),
		Role:    models.RoleSystem,
		Content: system,
	}}

	history := req.History
	if g.Config.Role == models.RoleSupervisor && mode == models.ModeSupervised {
		history = focusedHistory(history, e.cfg.FocusedHistoryToolMessages)
	}
	msgs = append(msgs, models.CloneMessages(history)...)

	msgs = append(msgs, models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleHuman,
		Content: req.Input,
	})
	return msgs
}

// tagHint returns the sub-agent whose tags match the input, when exactly
// one does.
func (e *Engine) tagHint(sup *models.AgentConfig, input string) string {
	lower := strings.ToLower(input)
	var match string
	for _, subID := range sup.SubAgentIDs {
		sub, err := e.agents.AgentConfig(subID)
		if err != nil {
			continue
		}
		for _, tag := range sub.Tags {
			if tag != "" && strings.Contains(lower, strings.ToLower(tag)) {
				if match != "" && match != subID {
					return "" // ambiguous, no hint
				}
				match = subID
				break
			}
		}
	}
	return match
}

// focusedHistory keeps only the trailing tool messages of a supervisor
// thread, up to keep of them. Tool messages land in contiguous batches
// (one per agent turn); batches are kept or dropped whole, so a final
// delegation producing more than keep messages is retained in full.
func focusedHistory(history []models.Message, keep int) []models.Message {
	if keep <= 0 || len(history) == 0 {
		return nil
	}

	var batches [][]models.Message
	var current []models.Message
	for _, m := range history {
		if m.Role == models.RoleTool {
			current = append(current, m)
			continue
		}
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}

	var kept []models.Message
	total := 0
	for i := len(batches) - 1; i >= 0; i-- {
		if total >= keep {
			break
		}
		kept = append(batches[i], kept...)
		total += len(batches[i])
	}
	return kept
}

func resolveMode(cfg *models.AgentConfig, requested models.Mode) (models.Mode, error) {
	switch requested {
	case "":
		if cfg.Role == models.RoleSupervisor {
			return models.ModeSupervised, nil
		}
		return models.ModeDirect, nil
	case models.ModeDirect:
		return models.ModeDirect, nil
	case models.ModeSupervised:
		if cfg.Role != models.RoleSupervisor {
			return "", fmt.Errorf("%w: %s cannot run supervised", ErrModeUnsupported, cfg.ID)
		}
		return models.ModeSupervised, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrModeUnsupported, requested)
	}
}
