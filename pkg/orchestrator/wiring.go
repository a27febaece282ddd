package orchestrator

import (
	"context"

	"github.com/loomctl/loom/pkg/checkpoint"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/delegation"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/graph"
	"github.com/loomctl/loom/pkg/interrupt"
	"github.com/loomctl/loom/pkg/llm"
	"github.com/loomctl/loom/pkg/prompt"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/tools"
	"github.com/loomctl/loom/pkg/usage"
)

// New wires a complete engine from its leaf collaborators: event bus,
// execution registry, interrupt manager, model factory, tool runtime,
// graph builder/executor, delegation coordinator, and usage recorder.
// store may be nil to run without checkpoints.
func New(cfg *config.Config, opts Options, agents AgentSource, provider llm.Provider, toolReg *tools.Registry, store checkpoint.Store) *Engine {
	bus := events.NewBus(cfg.SubscriberBuffer)
	reg := registry.New(cfg.RegistryCapacity, cfg.RegistryTerminalGrace)
	intr := interrupt.NewManager(cfg.InterruptTTL)
	factory := llm.NewFactory(provider)
	runtime := tools.NewRuntime(toolReg, cfg.ToolTimeout)
	builder := graph.NewBuilder(toolReg, prompt.NewBuilder())
	recorder := usage.NewRecorder(bus, nil)

	engine := NewEngine(cfg, opts, agents, builder, nil, reg, bus, intr)
	coordinator := delegation.NewCoordinator(engine, bus, cfg.MaxDelegationDepth, cfg.DelegationTimeout, cfg.DelegationPollInterval)
	engine.BindCoordinator(coordinator)
	engine.executor = graph.NewExecutor(cfg, factory, runtime, intr, coordinator, bus, reg, recorder, store)
	return engine
}

// Start launches the engine's background loops: registry eviction and the
// interrupt expiry scanner.
func (e *Engine) Start(ctx context.Context) {
	e.registry.Start(ctx)
	e.intr.Start(ctx)
}

// Stop halts the background loops. Running executions are unaffected;
// cancel them explicitly.
func (e *Engine) Stop() {
	e.intr.Stop()
	e.registry.Stop()
}
