package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/checkpoint"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/llm"
	"github.com/loomctl/loom/pkg/models"
	"github.com/loomctl/loom/pkg/tools"
)

// scriptedClient replays a fixed sequence of completions.
type scriptedClient struct {
	mu    sync.Mutex
	steps []scriptStep
	i     int
}

type scriptStep struct {
	completion *llm.Completion
	err        error
}

func (c *scriptedClient) Invoke(ctx context.Context, _ []models.Message, _ []llm.ToolSchema) (*llm.Completion, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.i >= len(c.steps) {
		return &llm.Completion{Content: "(script exhausted)"}, nil
	}
	step := c.steps[c.i]
	c.i++
	if step.err != nil {
		return nil, step.err
	}
	out := *step.completion
	out.Usage = models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	return &out, nil
}

func say(content string) scriptStep {
	return scriptStep{completion: &llm.Completion{Content: content}}
}

func callTool(id, name, args string) scriptStep {
	return scriptStep{completion: &llm.Completion{
		ToolCalls: []models.ToolCall{{ID: id, Name: name, Args: json.RawMessage(args)}},
	}}
}

// callTools emits several tool calls in one AI turn.
func callTools(calls ...models.ToolCall) scriptStep {
	return scriptStep{completion: &llm.Completion{ToolCalls: calls}}
}

// scriptedProvider maps model names to scripted clients.
type scriptedProvider struct {
	mu          sync.Mutex
	clients     map[string]*scriptedClient
	unavailable map[string]bool
}

func newProvider() *scriptedProvider {
	return &scriptedProvider{
		clients:     make(map[string]*scriptedClient),
		unavailable: make(map[string]bool),
	}
}

func (p *scriptedProvider) script(model string, steps ...scriptStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[model] = &scriptedClient{steps: steps}
}

func (p *scriptedProvider) NewClient(model string, _ llm.Options) (llm.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable[model] {
		return nil, llm.ErrProviderUnavailable
	}
	c, ok := p.clients[model]
	if !ok {
		return nil, llm.ErrModelUnknown
	}
	return c, nil
}

func (p *scriptedProvider) SupportsNativeTools(string) bool { return true }

type harness struct {
	engine   *Engine
	provider *scriptedProvider
	store    *checkpoint.MemoryStore
	cfg      *config.Config
}

func newHarness(t *testing.T, agents StaticAgents, defs []tools.Definition, opts Options, tweak func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}
	require.NoError(t, cfg.Validate())

	reg := tools.NewRegistry()
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	for _, a := range agents {
		require.NoError(t, tools.RegisterDelegationTools(reg, a))
	}
	reg.Freeze()

	provider := newProvider()
	store := checkpoint.NewMemoryStore()
	engine := New(cfg, opts, agents, provider, reg, store)
	return &harness{engine: engine, provider: provider, store: store, cfg: cfg}
}

func echoTool() tools.Definition {
	return tools.Definition{
		Name:        "echo",
		Description: "echoes its message argument",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"]
		}`),
		Handler: func(_ tools.Context, args json.RawMessage) (string, error) {
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

func soloAgent() *models.AgentConfig {
	return &models.AgentConfig{
		ID:        "solo",
		Role:      models.RoleSpecialist,
		Model:     "m-solo",
		ToolNames: []string{"echo"},
		Revision:  1,
	}
}

// Direct execution with a single tool call round-trip.
func TestDirectSingleToolCall(t *testing.T) {
	h := newHarness(t, StaticAgents{"solo": soloAgent()}, []tools.Definition{echoTool()}, Options{}, nil)
	h.provider.script("m-solo",
		callTool("c1", "echo", `{"message": "ping"}`),
		say("the tool said: ping"),
	)

	sub := h.engine.Subscribe(events.Filter{})
	defer sub.Close()

	res, err := h.engine.Execute(context.Background(), Request{
		AgentID: "solo", UserID: "u1", Input: "run echo",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "the tool said: ping", res.FinalContent)
	assert.Nil(t, res.Err)
	assert.Equal(t, 30, res.Usage.TotalTokens) // two model calls

	snap, err := h.engine.GetSnapshot(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "solo_direct", snap.ThreadKey)
	require.Len(t, snap.Messages, 5) // system, human, ai+call, tool, ai final
	assert.Equal(t, models.RoleSystem, snap.Messages[0].Role)
	assert.Equal(t, models.RoleTool, snap.Messages[3].Role)
	assert.Equal(t, "ping", snap.Messages[3].Content)
	assert.Equal(t, "c1", snap.Messages[3].ToolCallID)

	var seen []events.Type
	deadline := time.After(time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != events.ToolCompleted {
		select {
		case ev := <-sub.C():
			seen = append(seen, ev.Type)
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, events.ExecutionStarted, seen[0])
	assert.Contains(t, seen, events.ToolInvoking)
	assert.Contains(t, seen, events.ToolCompleted)
}

// Supervised delegation where the child's tool is approval-gated.
func TestSupervisedDelegationWithApproval(t *testing.T) {
	deploy := echoTool()
	deploy.Name = "deploy"
	deploy.RequiresApproval = true

	worker := &models.AgentConfig{
		ID: "worker", Role: models.RoleSubAgent, Model: "m-worker",
		ToolNames: []string{"deploy"}, ParentAgentID: "boss", Revision: 1,
	}
	boss := &models.AgentConfig{
		ID: "boss", Role: models.RoleSupervisor, Model: "m-boss",
		ToolNames: []string{"delegate_to_worker"}, SubAgentIDs: []string{"worker"}, Revision: 1,
	}

	h := newHarness(t, StaticAgents{"boss": boss, "worker": worker},
		[]tools.Definition{deploy}, Options{}, nil)
	h.provider.script("m-boss",
		callTool("d1", "delegate_to_worker", `{"task_description": "deploy the app"}`),
		say("deployment delegated and finished"),
	)
	h.provider.script("m-worker",
		callTool("w1", "deploy", `{"message": "release-42"}`),
		say("deployed release-42"),
	)

	approvals := h.engine.Subscribe(events.Filter{Kinds: []events.Type{events.ApprovalRequested}})
	defer approvals.Close()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.engine.Execute(context.Background(), Request{
			AgentID: "boss", UserID: "u1", Input: "ship it", Mode: models.ModeSupervised,
		})
		done <- outcome{res, err}
	}()

	var childID string
	select {
	case ev := <-approvals.C():
		childID = ev.ExecutionID
		assert.Equal(t, "deploy", ev.ToolName)
		require.NotNil(t, ev.Interrupt)
	case <-time.After(2 * time.Second):
		t.Fatal("no approval request")
	}

	// The child is parked awaiting approval and has a checkpoint.
	childSnap, err := h.engine.GetSnapshot(childID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingApproval, childSnap.Status)
	_, err = h.store.Load(context.Background(), childID)
	assert.NoError(t, err)

	require.NoError(t, h.engine.RespondToInterrupt(childID, models.InterruptResponse{Type: models.InterruptAccept}))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, models.StatusCompleted, got.res.Status)
	assert.Equal(t, "deployment delegated and finished", got.res.FinalContent)

	parentSnap, err := h.engine.GetSnapshot(got.res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "boss_supervised", parentSnap.ThreadKey)
	var sawStart, sawEnd bool
	for _, s := range parentSnap.Steps {
		switch s.Kind {
		case models.StepDelegationStart:
			sawStart = true
		case models.StepDelegationEnd:
			sawEnd = true
			assert.Equal(t, childID, s.Metadata["child_execution_id"])
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawEnd)

	// Child linked to parent; the child's result reached the supervisor.
	childSnap, err = h.engine.GetSnapshot(childID)
	require.NoError(t, err)
	assert.Equal(t, got.res.ExecutionID, childSnap.ParentExecutionID)
	assert.Equal(t, models.StatusCompleted, childSnap.Status)

	var childResult string
	for _, m := range parentSnap.Messages {
		if m.Role == models.RoleTool && m.ToolName == "delegate_to_worker" {
			childResult = m.Content
		}
	}
	assert.Equal(t, "deployed release-42", childResult)

	// Resume consumed the checkpoint.
	_, err = h.store.Load(context.Background(), childID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

// Each approval response type shapes the tool message differently.
func TestApprovalResponseTypes(t *testing.T) {
	cases := []struct {
		name     string
		resp     models.InterruptResponse
		wantTool string // expected tool message content
	}{
		{
			name:     "accept runs original args",
			resp:     models.InterruptResponse{Type: models.InterruptAccept},
			wantTool: "original",
		},
		{
			name:     "edit runs replaced args",
			resp:     models.InterruptResponse{Type: models.InterruptEdit, Args: json.RawMessage(`{"message": "edited"}`)},
			wantTool: "edited",
		},
		{
			name:     "respond fabricates the user's text",
			resp:     models.InterruptResponse{Type: models.InterruptRespond, Text: "do it manually"},
			wantTool: "do it manually",
		},
		{
			name:     "ignore fabricates a cancellation",
			resp:     models.InterruptResponse{Type: models.InterruptIgnore},
			wantTool: "cancelled by user",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gated := echoTool()
			gated.RequiresApproval = true
			h := newHarness(t, StaticAgents{"solo": soloAgent()}, []tools.Definition{gated}, Options{}, nil)
			h.provider.script("m-solo",
				callTool("c1", "echo", `{"message": "original"}`),
				say("done"),
			)

			approvals := h.engine.Subscribe(events.Filter{Kinds: []events.Type{events.ApprovalRequested}})
			defer approvals.Close()

			done := make(chan *Result, 1)
			go func() {
				res, err := h.engine.Execute(context.Background(), Request{AgentID: "solo", UserID: "u1", Input: "go"})
				assert.NoError(t, err)
				done <- res
			}()

			var execID string
			select {
			case ev := <-approvals.C():
				execID = ev.ExecutionID
			case <-time.After(2 * time.Second):
				t.Fatal("no approval request")
			}
			require.NoError(t, h.engine.RespondToInterrupt(execID, tc.resp))

			res := <-done
			assert.Equal(t, models.StatusCompleted, res.Status)

			snap, err := h.engine.GetSnapshot(execID)
			require.NoError(t, err)
			var toolContent string
			for _, m := range snap.Messages {
				if m.Role == models.RoleTool {
					toolContent = m.Content
				}
			}
			assert.Equal(t, tc.wantTool, toolContent)
		})
	}
}

// A tool exceeding its per-call deadline surfaces a timeout result and the
// run continues.
func TestToolTimeoutSurfacedToModel(t *testing.T) {
	slow := tools.Definition{
		Name: "slow",
		Handler: func(ctx tools.Context, _ json.RawMessage) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	agent := soloAgent()
	agent.ToolNames = []string{"slow"}

	h := newHarness(t, StaticAgents{"solo": agent}, []tools.Definition{slow}, Options{},
		func(c *config.Config) { c.ToolTimeout = 100 * time.Millisecond })
	h.provider.script("m-solo",
		callTool("c1", "slow", `{}`),
		say("could not finish in time"),
	)

	res, err := h.engine.Execute(context.Background(), Request{AgentID: "solo", UserID: "u1", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)

	snap, err := h.engine.GetSnapshot(res.ExecutionID)
	require.NoError(t, err)
	var toolMsg string
	for _, m := range snap.Messages {
		if m.Role == models.RoleTool {
			toolMsg = m.Content
		}
	}
	assert.Contains(t, toolMsg, "timed out")
	assert.Contains(t, toolMsg, string(models.ErrKindTimeout))
}

// Exhausting the agent-step budget forces a final no-tools synthesis.
func TestStepBudgetForceFinalize(t *testing.T) {
	h := newHarness(t, StaticAgents{"solo": soloAgent()}, []tools.Definition{echoTool()}, Options{}, nil)
	h.provider.script("m-solo",
		callTool("c1", "echo", `{"message": "one"}`),
		say("forced summary"),
	)

	res, err := h.engine.Execute(context.Background(), Request{
		AgentID: "solo", UserID: "u1", Input: "loop forever",
		Budget: &config.Budget{MaxAgentSteps: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "forced summary", res.FinalContent)

	snap, err := h.engine.GetSnapshot(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, true, snap.Metadata["force_finalized"])

	var finalize *models.ExecutionStep
	for i := range snap.Steps {
		if snap.Steps[i].Kind == models.StepFinalize {
			finalize = &snap.Steps[i]
		}
	}
	require.NotNil(t, finalize)
	assert.Equal(t, true, finalize.Metadata["force_finalized"])
}

// Cancelling a supervisor mid-delegation terminates the child first, then
// the parent.
func TestCancelMidDelegation(t *testing.T) {
	block := tools.Definition{
		Name: "block",
		Handler: func(ctx tools.Context, _ json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	worker := &models.AgentConfig{
		ID: "worker", Role: models.RoleSubAgent, Model: "m-worker",
		ToolNames: []string{"block"}, Revision: 1,
	}
	boss := &models.AgentConfig{
		ID: "boss", Role: models.RoleSupervisor, Model: "m-boss",
		ToolNames: []string{"delegate_to_worker"}, SubAgentIDs: []string{"worker"}, Revision: 1,
	}

	h := newHarness(t, StaticAgents{"boss": boss, "worker": worker},
		[]tools.Definition{block}, Options{},
		func(c *config.Config) { c.ToolTimeout = 10 * time.Second })
	h.provider.script("m-boss",
		callTool("d1", "delegate_to_worker", `{"task_description": "wait forever"}`),
		say("should never be reached"),
	)
	h.provider.script("m-worker",
		callTool("w1", "block", `{}`),
		say("should never be reached"),
	)

	starts := h.engine.Subscribe(events.Filter{Kinds: []events.Type{events.ExecutionStarted}})
	defer starts.Close()

	done := make(chan *Result, 1)
	go func() {
		res, err := h.engine.Execute(context.Background(), Request{
			AgentID: "boss", UserID: "u1", Input: "never finish",
		})
		assert.NoError(t, err)
		done <- res
	}()

	var parentID, childID string
	for childID == "" {
		select {
		case ev := <-starts.C():
			if parentID == "" {
				parentID = ev.ExecutionID
			} else {
				childID = ev.ExecutionID
			}
		case <-time.After(2 * time.Second):
			t.Fatal("child never started")
		}
	}

	require.NoError(t, h.engine.Cancel(parentID))

	res := <-done
	assert.Equal(t, models.StatusCancelled, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, models.ErrKindCancelled, res.Err.Kind)

	parentSnap, err := h.engine.GetSnapshot(parentID)
	require.NoError(t, err)
	childSnap, err := h.engine.GetSnapshot(childID)
	require.NoError(t, err)
	assert.True(t, parentSnap.Status.IsTerminal())
	assert.True(t, childSnap.Status.IsTerminal())
	require.NotNil(t, parentSnap.EndedAt)
	require.NotNil(t, childSnap.EndedAt)
	assert.False(t, childSnap.EndedAt.After(*parentSnap.EndedAt))

	// A second cancel reports the execution already finished.
	assert.ErrorIs(t, h.engine.Cancel(parentID), ErrAlreadyTerminal)
}

// A supervisor emitting the same delegation twice in one turn gets one
// child execution; both tool calls receive the child's result.
func TestDuplicateDelegationSingleChild(t *testing.T) {
	worker := &models.AgentConfig{
		ID: "worker", Role: models.RoleSubAgent, Model: "m-worker",
		ToolNames: []string{"echo"}, Revision: 1,
	}
	boss := &models.AgentConfig{
		ID: "boss", Role: models.RoleSupervisor, Model: "m-boss",
		ToolNames: []string{"delegate_to_worker"}, SubAgentIDs: []string{"worker"}, Revision: 1,
	}

	h := newHarness(t, StaticAgents{"boss": boss, "worker": worker},
		[]tools.Definition{echoTool()}, Options{}, nil)
	h.provider.script("m-boss",
		callTools(
			models.ToolCall{ID: "d1", Name: "delegate_to_worker", Args: json.RawMessage(`{"task_description": "summarize the report"}`)},
			models.ToolCall{ID: "d2", Name: "delegate_to_worker", Args: json.RawMessage(`{"task_description": "summarize the report"}`)},
		),
		say("both handled"),
	)
	h.provider.script("m-worker", say("the summary"))

	starts := h.engine.Subscribe(events.Filter{Kinds: []events.Type{events.ExecutionStarted}})
	defer starts.Close()

	res, err := h.engine.Execute(context.Background(), Request{
		AgentID: "boss", UserID: "u1", Input: "summarize twice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)

	// Parent plus exactly one child started.
	started := 0
	for draining := true; draining; {
		select {
		case <-starts.C():
			started++
		case <-time.After(200 * time.Millisecond):
			draining = false
		}
	}
	assert.Equal(t, 2, started)

	// Both tool calls were answered with the single child's result.
	snap, err := h.engine.GetSnapshot(res.ExecutionID)
	require.NoError(t, err)
	var contents []string
	var callIDs []string
	for _, m := range snap.Messages {
		if m.Role == models.RoleTool && m.ToolName == "delegate_to_worker" {
			contents = append(contents, m.Content)
			callIDs = append(callIDs, m.ToolCallID)
		}
	}
	require.Len(t, contents, 2)
	assert.Equal(t, "the summary", contents[0])
	assert.Equal(t, "the summary", contents[1])
	assert.Equal(t, []string{"d1", "d2"}, callIDs)
}

// Independent tool calls in one turn run concurrently, and their results
// land in the model's emission order regardless of completion order.
func TestParallelToolFanOut(t *testing.T) {
	release := make(chan struct{})
	alpha := tools.Definition{
		Name: "alpha",
		Handler: func(ctx tools.Context, _ json.RawMessage) (string, error) {
			// Completes only after beta has run. Sequential execution in
			// emission order would deadlock into the per-call timeout.
			select {
			case <-release:
				return "alpha done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	beta := tools.Definition{
		Name: "beta",
		Handler: func(tools.Context, json.RawMessage) (string, error) {
			close(release)
			return "beta done", nil
		},
	}
	agent := soloAgent()
	agent.ToolNames = []string{"alpha", "beta"}

	h := newHarness(t, StaticAgents{"solo": agent}, []tools.Definition{alpha, beta}, Options{},
		func(c *config.Config) { c.ToolTimeout = 2 * time.Second })
	h.provider.script("m-solo",
		callTools(
			models.ToolCall{ID: "a1", Name: "alpha", Args: json.RawMessage(`{}`)},
			models.ToolCall{ID: "b1", Name: "beta", Args: json.RawMessage(`{}`)},
		),
		say("both ran"),
	)

	res, err := h.engine.Execute(context.Background(), Request{AgentID: "solo", UserID: "u1", Input: "fan out"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)

	snap, err := h.engine.GetSnapshot(res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 6) // system, human, ai+calls, tool, tool, ai final
	assert.Equal(t, "a1", snap.Messages[3].ToolCallID)
	assert.Equal(t, "alpha done", snap.Messages[3].Content)
	assert.Equal(t, "b1", snap.Messages[4].ToolCallID)
	assert.Equal(t, "beta done", snap.Messages[4].Content)
}

// Provider outage at startup falls back to the default model exactly once.
func TestProviderUnavailableFallback(t *testing.T) {
	agent := soloAgent()
	agent.Model = "m-broken"

	h := newHarness(t, StaticAgents{"solo": agent}, []tools.Definition{echoTool()},
		Options{DefaultModel: "m-solo"}, nil)
	h.provider.mu.Lock()
	h.provider.unavailable["m-broken"] = true
	h.provider.mu.Unlock()
	h.provider.script("m-solo", say("answered by fallback"))

	res, err := h.engine.Execute(context.Background(), Request{AgentID: "solo", UserID: "u1", Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "answered by fallback", res.FinalContent)
}

func TestProviderUnavailableNoFallbackFails(t *testing.T) {
	agent := soloAgent()
	agent.Model = "m-broken"

	h := newHarness(t, StaticAgents{"solo": agent}, []tools.Definition{echoTool()}, Options{}, nil)
	h.provider.mu.Lock()
	h.provider.unavailable["m-broken"] = true
	h.provider.mu.Unlock()

	res, err := h.engine.Execute(context.Background(), Request{AgentID: "solo", UserID: "u1", Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, models.ErrKindProvider, res.Err.Kind)
}

// A fallback retry of the same execution must not announce it twice.
func TestFallbackPublishesSingleStartedEvent(t *testing.T) {
	agent := soloAgent()
	agent.Model = "m-flaky"

	h := newHarness(t, StaticAgents{"solo": agent}, []tools.Definition{echoTool()},
		Options{DefaultModel: "m-solo"}, nil)
	// The client connects but the first call reports the provider down,
	// so the run is already announced when the fallback re-enters.
	h.provider.script("m-flaky", scriptStep{err: llm.ErrProviderUnavailable})
	h.provider.script("m-solo", say("answered by fallback"))

	starts := h.engine.Subscribe(events.Filter{Kinds: []events.Type{events.ExecutionStarted}})
	defer starts.Close()

	res, err := h.engine.Execute(context.Background(), Request{AgentID: "solo", UserID: "u1", Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "answered by fallback", res.FinalContent)

	started := 0
	for draining := true; draining; {
		select {
		case <-starts.C():
			started++
		case <-time.After(200 * time.Millisecond):
			draining = false
		}
	}
	assert.Equal(t, 1, started)
}

// Delegation tools naming an agent alias reach the canonical agent.
func TestAgentAliasDelegation(t *testing.T) {
	worker := &models.AgentConfig{
		ID: "worker", Role: models.RoleSubAgent, Model: "m-worker",
		ToolNames: []string{"echo"}, Revision: 1,
	}
	boss := &models.AgentConfig{
		ID: "boss", Role: models.RoleSupervisor, Model: "m-boss",
		ToolNames: []string{"delegate_to_researcher"}, SubAgentIDs: []string{"researcher"}, Revision: 1,
	}

	h := newHarness(t, StaticAgents{"boss": boss, "worker": worker},
		[]tools.Definition{echoTool()}, Options{}, nil)
	h.engine.SetAgentAlias("researcher", "worker")
	h.provider.script("m-boss",
		callTool("d1", "delegate_to_researcher", `{"task_description": "dig up the figures"}`),
		say("figures delivered"),
	)
	h.provider.script("m-worker", say("here are the figures"))

	res, err := h.engine.Execute(context.Background(), Request{
		AgentID: "boss", UserID: "u1", Input: "research this",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)

	snap, err := h.engine.GetSnapshot(res.ExecutionID)
	require.NoError(t, err)
	var childID, toolContent string
	for _, s := range snap.Steps {
		if s.Kind == models.StepDelegationEnd {
			childID, _ = s.Metadata["child_execution_id"].(string)
		}
	}
	for _, m := range snap.Messages {
		if m.Role == models.RoleTool && m.ToolName == "delegate_to_researcher" {
			toolContent = m.Content
		}
	}
	assert.Equal(t, "here are the figures", toolContent)

	require.NotEmpty(t, childID)
	childSnap, err := h.engine.GetSnapshot(childID)
	require.NoError(t, err)
	assert.Equal(t, "worker", childSnap.AgentID)
}

func TestModeResolution(t *testing.T) {
	boss := &models.AgentConfig{ID: "boss", Role: models.RoleSupervisor, Model: "m"}
	solo := &models.AgentConfig{ID: "solo", Role: models.RoleSpecialist, Model: "m"}

	mode, err := resolveMode(boss, "")
	require.NoError(t, err)
	assert.Equal(t, models.ModeSupervised, mode)

	mode, err = resolveMode(solo, "")
	require.NoError(t, err)
	assert.Equal(t, models.ModeDirect, mode)

	mode, err = resolveMode(boss, models.ModeDirect)
	require.NoError(t, err)
	assert.Equal(t, models.ModeDirect, mode)

	_, err = resolveMode(solo, models.ModeSupervised)
	assert.ErrorIs(t, err, ErrModeUnsupported)

	_, err = resolveMode(solo, models.Mode("weird"))
	assert.ErrorIs(t, err, ErrModeUnsupported)
}

func TestExecuteUnknownAgent(t *testing.T) {
	h := newHarness(t, StaticAgents{}, nil, Options{}, nil)
	_, err := h.engine.Execute(context.Background(), Request{AgentID: "ghost", Input: "hi"})
	assert.ErrorIs(t, err, ErrAgentUnknown)
}

func TestCancelUnknownExecution(t *testing.T) {
	h := newHarness(t, StaticAgents{}, nil, Options{}, nil)
	assert.ErrorIs(t, h.engine.Cancel("nope"), ErrExecutionUnknown)
}

func toolMsg(callID string) models.Message {
	return models.Message{
		ID: "m-" + callID, Role: models.RoleTool,
		ToolCallID: callID, Content: "result " + callID,
	}
}

func TestFocusedHistory(t *testing.T) {
	ai := func(id string) models.Message {
		return models.Message{ID: id, Role: models.RoleAI, Content: "thinking"}
	}

	// Two batches of 3; keep=5 retains both whole batches (6 messages)
	// because batches are atomic.
	history := []models.Message{
		ai("a1"), toolMsg("t1"), toolMsg("t2"), toolMsg("t3"),
		ai("a2"), toolMsg("t4"), toolMsg("t5"), toolMsg("t6"),
	}
	kept := focusedHistory(history, 5)
	require.Len(t, kept, 6)
	assert.Equal(t, "m-t1", kept[0].ID)
	assert.Equal(t, "m-t6", kept[5].ID)

	// A final batch larger than keep is retained in full.
	big := []models.Message{ai("a1")}
	for i := 0; i < 8; i++ {
		big = append(big, toolMsg(fmt.Sprintf("b%d", i)))
	}
	kept = focusedHistory(big, 5)
	assert.Len(t, kept, 8)

	// keep satisfied by the last batch alone drops earlier batches.
	history = []models.Message{
		ai("a1"), toolMsg("x1"),
		ai("a2"), toolMsg("y1"), toolMsg("y2"), toolMsg("y3"), toolMsg("y4"), toolMsg("y5"),
	}
	kept = focusedHistory(history, 5)
	require.Len(t, kept, 5)
	assert.Equal(t, "m-y1", kept[0].ID)

	assert.Nil(t, focusedHistory(history, 0))
	assert.Nil(t, focusedHistory(nil, 5))
}

func TestTagHintRouting(t *testing.T) {
	worker := &models.AgentConfig{
		ID: "dbops", Role: models.RoleSubAgent, Model: "m-worker",
		Tags: []string{"database", "postgres"}, Revision: 1,
	}
	other := &models.AgentConfig{
		ID: "netops", Role: models.RoleSubAgent, Model: "m-worker",
		Tags: []string{"network"}, Revision: 1,
	}
	boss := &models.AgentConfig{
		ID: "boss", Role: models.RoleSupervisor, Model: "m-boss",
		ToolNames:   []string{"delegate_to_dbops", "delegate_to_netops"},
		SubAgentIDs: []string{"dbops", "netops"}, Revision: 1,
	}

	h := newHarness(t, StaticAgents{"boss": boss, "dbops": worker, "netops": other},
		nil, Options{EnableTagHeuristic: true}, nil)

	assert.Equal(t, "dbops", h.engine.tagHint(boss, "the postgres instance is down"))
	assert.Equal(t, "netops", h.engine.tagHint(boss, "check the network switch"))
	// Ambiguous input gives no hint.
	assert.Equal(t, "", h.engine.tagHint(boss, "database and network are both broken"))
	assert.Equal(t, "", h.engine.tagHint(boss, "something unrelated"))
}
