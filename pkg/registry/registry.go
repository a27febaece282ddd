// Package registry tracks live executions for the process. The owning
// graph executor mutates an execution through Update; every other reader
// gets a deep-copied snapshot. Terminal executions are retained for a
// grace period so late observers can still read final state, then evicted
// oldest-first.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// ErrNotFound is returned for unknown execution IDs.
var ErrNotFound = errors.New("execution not found")

// Registry is the process-wide execution index.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
	capacity   int
	grace      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a registry bounded at capacity entries, retaining terminal
// executions for at least grace before eviction.
func New(capacity int, grace time.Duration) *Registry {
	return &Registry{
		executions: make(map[string]*models.Execution),
		capacity:   capacity,
		grace:      grace,
	}
}

// Create registers a new execution. Eviction of expired terminal entries
// runs before the insert so capacity exhaustion cannot occur while any
// terminal executions remain.
func (r *Registry) Create(exec *models.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.executions) >= r.capacity {
		r.evictTerminalLocked(r.grace)
		if len(r.executions) >= r.capacity {
			// Still full — drop the oldest terminal regardless of grace.
			r.evictOldestTerminalLocked()
		}
		if len(r.executions) >= r.capacity {
			slog.Warn("Execution registry over capacity with no terminal entries to evict",
				"capacity", r.capacity, "live", len(r.executions))
		}
	}
	r.executions[exec.ID] = exec
}

// Get returns a snapshot of the execution, or ErrNotFound.
func (r *Registry) Get(id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Snapshot(), nil
}

// Update applies a mutation to the live execution under the registry lock.
// Only the owning executor may call this; snapshots handed out by Get are
// unaffected.
func (r *Registry) Update(id string, fn func(*models.Execution)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[id]
	if !ok {
		return ErrNotFound
	}
	fn(exec)
	return nil
}

// ListActive returns snapshots of all non-terminal executions.
func (r *Registry) ListActive() []*models.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Execution, 0)
	for _, exec := range r.executions {
		if !exec.Status.IsTerminal() {
			out = append(out, exec.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the total number of tracked executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}

// EvictTerminalOlderThan removes terminal executions whose end time is
// older than the given age. Returns the number evicted.
func (r *Registry) EvictTerminalOlderThan(age time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictTerminalLocked(age)
}

func (r *Registry) evictTerminalLocked(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	evicted := 0
	for id, exec := range r.executions {
		if exec.Status.IsTerminal() && exec.EndedAt != nil && exec.EndedAt.Before(cutoff) {
			delete(r.executions, id)
			evicted++
		}
	}
	return evicted
}

func (r *Registry) evictOldestTerminalLocked() {
	var oldestID string
	var oldestEnd time.Time
	for id, exec := range r.executions {
		if !exec.Status.IsTerminal() || exec.EndedAt == nil {
			continue
		}
		if oldestID == "" || exec.EndedAt.Before(oldestEnd) {
			oldestID = id
			oldestEnd = *exec.EndedAt
		}
	}
	if oldestID != "" {
		delete(r.executions, oldestID)
	}
}

// Start launches the background eviction loop. Safe to call once.
func (r *Registry) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop signals the eviction loop to exit and waits for it.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	interval := r.grace
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictTerminalOlderThan(r.grace); n > 0 {
				slog.Debug("Evicted terminal executions", "count", n)
			}
		}
	}
}
