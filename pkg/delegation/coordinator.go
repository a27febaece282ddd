// Package delegation coordinates agent handoffs. A supervisor's
// delegate_to_X tool call becomes a child execution spawned through the
// orchestrator; the coordinator bounds delegation depth, deduplicates
// identical in-flight requests, and relays child progress onto the
// parent's event stream.
package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/models"
	"github.com/loomctl/loom/pkg/tools"
)

// Request describes one delegation from a running parent execution.
type Request struct {
	ParentExecutionID string
	ParentDepth       int // 0 for a root execution
	SourceAgentID     string
	TargetAgentID     string
	UserID            string
	Args              tools.DelegationArgs
}

// Result is the outcome of a delegation, shared verbatim by every
// deduplicated waiter.
type Result struct {
	ChildExecutionID string
	Status           models.ExecutionStatus
	Content          string
	Err              *models.ExecutionError
}

// Spawner starts child executions. Implemented by the orchestrator; the
// returned channel delivers exactly one Result when the child terminates.
type Spawner interface {
	SpawnChild(ctx context.Context, req Request) (childExecutionID string, result <-chan Result, err error)
}

// Key identifies a delegation for single-flight deduplication. Two
// requests collide only when the same parent delegates the same
// canonicalized task to the same target. TargetAgentID is already
// alias-resolved when the key is built.
type Key struct {
	ParentExecutionID string
	SourceAgentID     string
	TargetAgentID     string
	TaskHash          string
}

// NewKey canonicalizes the request's task text and hashes it.
func NewKey(req Request) Key {
	h := sha256.New()
	h.Write([]byte(canonicalize(req.Args.TaskDescription)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalize(req.Args.Context)))
	return Key{
		ParentExecutionID: req.ParentExecutionID,
		SourceAgentID:     req.SourceAgentID,
		TargetAgentID:     req.TargetAgentID,
		TaskHash:          hex.EncodeToString(h.Sum(nil)),
	}
}

// canonicalize lowercases and collapses runs of whitespace so trivially
// reworded duplicates hash identically.
func canonicalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type flight struct {
	done   chan struct{} // closed once result is set
	result Result
}

// Coordinator is the process-wide delegation broker.
type Coordinator struct {
	spawner  Spawner
	bus      *events.Bus
	maxDepth int
	timeout  time.Duration

	poll time.Duration

	mu      sync.Mutex
	flights map[Key]*flight
	aliases map[string]string
}

// NewCoordinator creates a coordinator. maxDepth bounds the delegation
// chain length; timeout caps how long a parent waits on one child; poll is
// the grace the coordinator gives a cancelled child to report its own
// terminal result before synthesizing one.
func NewCoordinator(spawner Spawner, bus *events.Bus, maxDepth int, timeout, poll time.Duration) *Coordinator {
	return &Coordinator{
		spawner:  spawner,
		bus:      bus,
		maxDepth: maxDepth,
		timeout:  timeout,
		poll:     poll,
		flights:  make(map[Key]*flight),
		aliases:  make(map[string]string),
	}
}

// SetAlias maps an alternate agent name to its canonical ID. Aliases are
// resolved before spawning and before single-flight keying, so a request
// naming the alias and one naming the canonical ID deduplicate together.
func (c *Coordinator) SetAlias(alias, canonical string) {
	c.mu.Lock()
	c.aliases[alias] = canonical
	c.mu.Unlock()
}

func (c *Coordinator) resolveTarget(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if canonical, ok := c.aliases[name]; ok {
		return canonical
	}
	return name
}

// Delegate runs one delegation to completion and returns the child's
// result. Failures of the child arrive inside Result; the error return is
// reserved for depth violations, spawn failures, and cancellation.
func (c *Coordinator) Delegate(ctx context.Context, req Request) (Result, error) {
	req.TargetAgentID = c.resolveTarget(req.TargetAgentID)

	if req.ParentDepth+1 > c.maxDepth {
		return Result{}, &models.ExecutionError{
			Kind: models.ErrKindDelegationDepth,
			Message: fmt.Sprintf("delegation from %s to %s exceeds max depth %d",
				req.SourceAgentID, req.TargetAgentID, c.maxDepth),
		}
	}

	key := NewKey(req)

	c.mu.Lock()
	if f, inFlight := c.flights[key]; inFlight {
		c.mu.Unlock()
		slog.Info("Joining in-flight delegation",
			"parent_execution_id", req.ParentExecutionID,
			"target_agent_id", req.TargetAgentID)
		return c.await(ctx, f)
	}
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	c.publish(events.NewDelegationRequested(req.ParentExecutionID, req.UserID, req.TargetAgentID))
	result := c.run(ctx, req)

	c.mu.Lock()
	f.result = result
	delete(c.flights, key)
	c.mu.Unlock()
	close(f.done)

	c.publish(events.NewDelegationCompleted(
		req.ParentExecutionID, req.UserID, req.TargetAgentID,
		result.ChildExecutionID, result.Status))
	return result, nil
}

// InFlight returns the number of delegations currently executing.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

func (c *Coordinator) await(ctx context.Context, f *flight) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, req Request) Result {
	childCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	childID, resultCh, err := c.spawner.SpawnChild(childCtx, req)
	if err != nil {
		return Result{
			Status: models.StatusFailed,
			Err: &models.ExecutionError{
				Kind:    models.ErrKindConfig,
				Message: fmt.Sprintf("spawn %s: %v", req.TargetAgentID, err),
			},
		}
	}

	stopRelay := c.relayProgress(req, childID)
	defer stopRelay()

	select {
	case res := <-resultCh:
		return res
	case <-childCtx.Done():
	}

	// Give the cancelled child one poll interval to report its own
	// terminal result, keeping child-before-parent termination order.
	grace := time.NewTimer(c.poll)
	defer grace.Stop()
	select {
	case res := <-resultCh:
		return res
	case <-grace.C:
	}

	kind := models.ErrKindCancelled
	msg := "delegation cancelled"
	if ctx.Err() == nil {
		kind = models.ErrKindTimeout
		msg = fmt.Sprintf("delegation to %s timed out after %s", req.TargetAgentID, c.timeout)
	}
	return Result{
		ChildExecutionID: childID,
		Status:           models.StatusFailed,
		Err:              &models.ExecutionError{Kind: kind, Message: msg},
	}
}

// relayProgress republishes the child's step events as delegation.progress
// on the parent's stream. Progress is a monotone estimate, never 100; the
// delegation.completed event is the terminal signal.
func (c *Coordinator) relayProgress(req Request, childID string) (stop func()) {
	if c.bus == nil {
		return func() {}
	}
	sub := c.bus.Subscribe(events.Filter{
		ExecutionID: childID,
		Kinds:       []events.Type{events.ExecutionStep},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		progress := 0
		for range sub.C() {
			if progress < 95 {
				progress += 5
			}
			c.publish(events.NewDelegationProgress(
				req.ParentExecutionID, req.UserID, req.TargetAgentID, childID, progress))
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

func (c *Coordinator) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
