// Package interrupt manages human-in-the-loop approvals. An executor that
// hits an approval-gated tool parks on the manager; a human (or the parent
// supervisor) resolves the pending interrupt and the executor resumes.
package interrupt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/models"
)

var (
	ErrInterruptInFlight  = errors.New("execution already has a pending interrupt")
	ErrNoPendingInterrupt = errors.New("no pending interrupt for execution")
	ErrAlreadyResolved    = errors.New("interrupt already resolved")
	ErrApprovalTimeout    = errors.New("approval timed out")
	ErrResponseNotAllowed = errors.New("response type not allowed for this interrupt")
)

const scanInterval = 5 * time.Second

type waiter struct {
	intr      models.Interrupt
	respCh    chan models.InterruptResponse
	expiredCh chan struct{}
	done      bool
}

// Manager tracks at most one pending interrupt per execution. Request
// blocks the calling executor; Respond is called from any goroutine.
type Manager struct {
	ttl time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
	// resolved remembers resolution times so a duplicate Respond maps to
	// ErrAlreadyResolved rather than ErrNoPendingInterrupt. Entries are
	// pruned by the scanner after the TTL.
	resolved map[string]time.Time

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewManager creates a manager with the given interrupt TTL.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		ttl:      ttl,
		waiters:  make(map[string]*waiter),
		resolved: make(map[string]time.Time),
	}
}

// Request registers a pending interrupt for the execution and blocks until
// it is resolved, expires, or ctx is cancelled. A second concurrent
// Request for the same execution fails with ErrInterruptInFlight.
func (m *Manager) Request(ctx context.Context, intr models.Interrupt) (models.InterruptResponse, error) {
	if intr.ExpiresAt.IsZero() {
		intr.ExpiresAt = intr.CreatedAt.Add(m.ttl)
	}

	w := &waiter{
		intr:      intr,
		respCh:    make(chan models.InterruptResponse, 1),
		expiredCh: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.waiters[intr.ExecutionID]; exists {
		m.mu.Unlock()
		return models.InterruptResponse{}, ErrInterruptInFlight
	}
	m.waiters[intr.ExecutionID] = w
	// A fresh interrupt supersedes the previous one's resolution marker.
	delete(m.resolved, intr.ExecutionID)
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(intr.ExpiresAt))
	defer timer.Stop()

	select {
	case resp := <-w.respCh:
		return resp, nil
	case <-w.expiredCh:
		return models.InterruptResponse{}, ErrApprovalTimeout
	case <-timer.C:
		m.expire(intr.ExecutionID)
		return models.InterruptResponse{}, ErrApprovalTimeout
	case <-ctx.Done():
		m.abandon(intr.ExecutionID, w)
		return models.InterruptResponse{}, ctx.Err()
	}
}

// Respond resolves the execution's pending interrupt. Resolving twice
// returns ErrAlreadyResolved; resolving a response type the interrupt's
// config forbids returns ErrResponseNotAllowed.
func (m *Manager) Respond(executionID string, resp models.InterruptResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.waiters[executionID]
	if !ok {
		if _, was := m.resolved[executionID]; was {
			return ErrAlreadyResolved
		}
		return ErrNoPendingInterrupt
	}
	if err := allowed(w.intr.Config, resp); err != nil {
		return err
	}

	w.done = true
	delete(m.waiters, executionID)
	m.resolved[executionID] = time.Now()
	w.respCh <- resp
	return nil
}

// Peek returns a copy of the execution's pending interrupt, if any.
func (m *Manager) Peek(executionID string) (models.Interrupt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiters[executionID]
	if !ok || w.done {
		return models.Interrupt{}, false
	}
	return w.intr, true
}

// ListPending returns copies of all pending interrupts.
func (m *Manager) ListPending() []models.Interrupt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Interrupt, 0, len(m.waiters))
	for _, w := range m.waiters {
		if !w.done {
			out = append(out, w.intr)
		}
	}
	return out
}

// Start launches the background scanner that expires stale interrupts.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireStale(time.Now())
			}
		}
	}()
}

// Stop halts the scanner and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.doneCh
}

func (m *Manager) expireStale(now time.Time) {
	m.mu.Lock()
	var stale []string
	for id, w := range m.waiters {
		if !w.done && now.After(w.intr.ExpiresAt) {
			stale = append(stale, id)
		}
	}
	for id, at := range m.resolved {
		if now.Sub(at) > m.ttl {
			delete(m.resolved, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		slog.Info("Expiring stale interrupt", "execution_id", id)
		m.expire(id)
	}
}

func (m *Manager) expire(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiters[executionID]
	if !ok || w.done {
		return
	}
	w.done = true
	delete(m.waiters, executionID)
	close(w.expiredCh)
}

// abandon removes a waiter whose Request was cancelled. A response that
// raced the cancellation is discarded.
func (m *Manager) abandon(executionID string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.waiters[executionID]; ok && cur == w {
		w.done = true
		delete(m.waiters, executionID)
	}
}

func allowed(cfg models.InterruptConfig, resp models.InterruptResponse) error {
	switch resp.Type {
	case models.InterruptAccept:
		if !cfg.AllowAccept {
			return ErrResponseNotAllowed
		}
	case models.InterruptEdit:
		if !cfg.AllowEdit {
			return ErrResponseNotAllowed
		}
		if len(resp.Args) == 0 {
			return errors.New("edit response requires args")
		}
	case models.InterruptRespond:
		if !cfg.AllowRespond {
			return ErrResponseNotAllowed
		}
		if resp.Text == "" {
			return errors.New("respond response requires text")
		}
	case models.InterruptIgnore:
		if !cfg.AllowIgnore {
			return ErrResponseNotAllowed
		}
	default:
		return errors.New("unknown interrupt response type")
	}
	return nil
}
