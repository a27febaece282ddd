// Package checkpoint persists execution state so interrupted or crashed
// executions can resume. A checkpoint is a versioned blob of the
// conversation, trace, and graph position at the last safe point.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/models"
)

// SchemaVersion is the current checkpoint blob layout. Loads of a newer
// version fail rather than guess.
const SchemaVersion = 1

var (
	ErrNotFound      = errors.New("checkpoint not found")
	ErrSchemaVersion = errors.New("unsupported checkpoint schema version")
)

// Checkpoint is the persisted state of one execution.
type Checkpoint struct {
	SchemaVersion int                    `json:"schema_version"`
	ExecutionID   string                 `json:"execution_id"`
	ThreadKey     string                 `json:"thread_key"`
	Node          string                 `json:"node"` // graph node to resume at
	AgentSteps    int                    `json:"agent_steps"`
	Messages      []models.Message       `json:"messages"`
	Steps         []models.ExecutionStep `json:"steps"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Store persists checkpoints keyed by execution ID. Save overwrites.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, executionID string) (*Checkpoint, error)
	Delete(ctx context.Context, executionID string) error
}

func validate(cp *Checkpoint) error {
	if cp.ExecutionID == "" {
		return fmt.Errorf("checkpoint: missing execution id")
	}
	if cp.SchemaVersion == 0 {
		cp.SchemaVersion = SchemaVersion
	}
	if cp.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrSchemaVersion, cp.SchemaVersion)
	}
	return nil
}

// MemoryStore is the in-process Store used by tests and single-node runs.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Checkpoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	stored := *cp
	stored.Messages = models.CloneMessages(cp.Messages)
	stored.Steps = append([]models.ExecutionStep(nil), cp.Steps...)
	stored.UpdatedAt = time.Now()

	s.mu.Lock()
	s.byID[cp.ExecutionID] = &stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, executionID string) (*Checkpoint, error) {
	s.mu.RLock()
	stored, ok := s.byID[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	out := *stored
	out.Messages = models.CloneMessages(stored.Messages)
	out.Steps = append([]models.ExecutionStep(nil), stored.Steps...)
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	delete(s.byID, executionID)
	s.mu.Unlock()
	return nil
}
