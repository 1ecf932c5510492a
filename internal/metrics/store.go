package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Store persists run and batch rows. Writers serialize through the store;
// readers of historical rows never block them.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	InsertBatch(ctx context.Context, batch Batch) error
}

// MemoryStore keeps rows in process memory, for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]Run
	batches []Batch
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]Run)}
}

// CreateRun implements Store.
func (s *MemoryStore) CreateRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRun implements Store.
func (s *MemoryStore) UpdateRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("run %s does not exist", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// InsertBatch implements Store.
func (s *MemoryStore) InsertBatch(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

// Run returns a stored run row and whether it exists.
func (s *MemoryStore) Run(id uuid.UUID) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

// Batches returns a copy of all stored batch rows.
func (s *MemoryStore) Batches() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}
