// Package budget enforces per-execution limits: wall clock, tool-call
// count, and agent-step count. The wall-clock deadline is adaptive — it
// can be extended while the execution demonstrates forward progress,
// up to a configured cumulative cap.
package budget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/config"
)

// Budget dimension sentinels. When two dimensions expire in the same
// instant, wall clock is the reported reason.
var (
	ErrWallClockExceeded = errors.New("wall clock budget exceeded")
	ErrToolCallBudget    = errors.New("tool call budget exceeded")
	ErrAgentStepBudget   = errors.New("agent step budget exceeded")
)

// Tracker owns one execution's budget accounting. All methods are safe
// for concurrent use; in practice the owning executor calls them, and
// progress events may arrive from a child execution's goroutine.
type Tracker struct {
	mu sync.Mutex

	budget config.Budget

	minDelta        int
	staleAfter      time.Duration
	extendBy        time.Duration
	maxExtension    time.Duration

	startedAt        time.Time
	totalExtension   time.Duration
	lastProgress     int
	lastProgressAt   time.Time
	progressAtExtend int

	toolCalls  int
	agentSteps int

	// wake nudges the deadline goroutine after an extension.
	wake chan struct{}
}

// NewTracker starts budget accounting now, against the given limits and
// the adaptive-extension knobs from cfg.
func NewTracker(cfg *config.Config, b config.Budget) *Tracker {
	now := time.Now()
	return &Tracker{
		budget:         b,
		minDelta:       cfg.ProgressMinDelta,
		staleAfter:     cfg.NoProgressNoExtendAfter,
		extendBy:       cfg.ExtendOnProgress,
		maxExtension:   cfg.MaxTotalExtension,
		startedAt:      now,
		lastProgressAt: now,
		wake:           make(chan struct{}, 1),
	}
}

// Deadline returns the current (possibly extended) wall-clock deadline.
func (t *Tracker) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadlineLocked()
}

func (t *Tracker) deadlineLocked() time.Time {
	return t.startedAt.Add(t.budget.WallClock + t.totalExtension)
}

// TotalExtension returns the cumulative extension granted so far.
func (t *Tracker) TotalExtension() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalExtension
}

// RecordProgress notes a progress signal (monotonic 0-100) and extends the
// deadline when the event qualifies. Returns true if an extension was
// granted.
//
// Qualifying rules: the jump since the last extension must reach the
// configured minimum delta, progress must not have been flat longer than
// the staleness window, and the cumulative extension must stay under its
// cap. At most one extension is granted per qualifying event.
func (t *Tracker) RecordProgress(progress int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	changed := progress > t.lastProgress
	if changed {
		t.lastProgress = progress
	}

	stale := now.Sub(t.lastProgressAt) > t.staleAfter
	if changed {
		t.lastProgressAt = now
	}
	if !changed || stale {
		return false
	}
	if progress-t.progressAtExtend < t.minDelta {
		return false
	}
	remaining := t.maxExtension - t.totalExtension
	if remaining <= 0 {
		return false
	}
	grant := t.extendBy
	if grant > remaining {
		grant = remaining
	}
	t.totalExtension += grant
	t.progressAtExtend = progress

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// NoteToolCall counts one tool call against the budget.
func (t *Tracker) NoteToolCall() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolCalls++
	if t.budget.MaxToolCalls > 0 && t.toolCalls > t.budget.MaxToolCalls {
		return ErrToolCallBudget
	}
	return nil
}

// NoteAgentStep counts one traversal of the agent node. It returns the
// step ordinal and whether the step budget still has room. A false return
// tells the executor to force a final synthesis step.
func (t *Tracker) NoteAgentStep() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agentSteps++
	within := t.budget.MaxAgentSteps <= 0 || t.agentSteps <= t.budget.MaxAgentSteps
	return t.agentSteps, within
}

// ToolCalls returns the tool calls counted so far.
func (t *Tracker) ToolCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolCalls
}

// AgentSteps returns the agent steps counted so far.
func (t *Tracker) AgentSteps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agentSteps
}

// Context derives a context that is cancelled at the adaptive deadline.
// Extensions granted after the call re-arm the cancellation timer. The
// returned cause is ErrWallClockExceeded when the deadline fires; use
// context.Cause to distinguish budget expiry from parent cancellation.
func (t *Tracker) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		for {
			remaining := time.Until(t.Deadline())
			if remaining <= 0 {
				cancel(ErrWallClockExceeded)
				return
			}
			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
				// Re-check: an extension may have landed while waiting.
			case <-t.wake:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()

	return ctx, func() { cancel(context.Canceled) }
}

// Expired reports whether the wall-clock deadline has passed.
func (t *Tracker) Expired() bool {
	return time.Now().After(t.Deadline())
}
