// Package pending holds the set of groups whose balances must be recomputed.
// Marking is idempotent: any number of marks collapse into one sweep pass.
package pending

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

type Set interface {
	Mark(ctx context.Context, groupID uuid.UUID) error
	List(ctx context.Context) ([]uuid.UUID, error)
	Clear(ctx context.Context, groupID uuid.UUID) error
}

// MemorySet keeps the pending groups in process memory.
type MemorySet struct {
	mu     sync.Mutex
	groups map[uuid.UUID]struct{}
}

func NewMemorySet() *MemorySet {
	return &MemorySet{groups: make(map[uuid.UUID]struct{})}
}

func (s *MemorySet) Mark(_ context.Context, groupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = struct{}{}
	return nil
}

func (s *MemorySet) List(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.SortedFunc(maps.Keys(s.groups), func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	}), nil
}

func (s *MemorySet) Clear(_ context.Context, groupID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
	return nil
}
