package engine

import (
	"context"
	"sync"
)

// Checkpoint is the progress token of a resumable task.
type Checkpoint struct {
	// Progress is the last completed iteration.
	Progress int64

	// Done records that iteration Progress ended the task, and Result is the
	// value it produced. A resumed task with a Done checkpoint finishes
	// with that result instead of iterating again.
	Done   bool
	Result any
}

// ProgressStore persists the progress token of resumable tasks, keyed by
// task identity.
//
// Implemented by MemoryProgressStore and store.Store (SQLite).
type ProgressStore interface {
	// LoadProgress returns the stored checkpoint and whether one exists.
	LoadProgress(ctx context.Context, taskID string) (Checkpoint, bool, error)
	// SaveProgress records cp for taskID.
	SaveProgress(ctx context.Context, taskID string, cp Checkpoint) error
	// ClearProgress removes any token for taskID. Clearing an absent token
	// is not an error.
	ClearProgress(ctx context.Context, taskID string) error
}

// MemoryProgressStore is an in-process ProgressStore. Writes are
// last-writer-wins. Safe for concurrent use.
type MemoryProgressStore struct {
	mu     sync.Mutex
	tokens map[string]Checkpoint
	saves  int
}

// NewMemoryProgressStore creates an empty store.
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{tokens: make(map[string]Checkpoint)}
}

// LoadProgress implements ProgressStore.
func (m *MemoryProgressStore) LoadProgress(_ context.Context, taskID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.tokens[taskID]
	return v, ok, nil
}

// SaveProgress implements ProgressStore.
func (m *MemoryProgressStore) SaveProgress(_ context.Context, taskID string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[taskID] = cp
	m.saves++
	return nil
}

// ClearProgress implements ProgressStore.
func (m *MemoryProgressStore) ClearProgress(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, taskID)
	return nil
}

// Saves returns how many times SaveProgress was called.
func (m *MemoryProgressStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
