package metadata

import (
	"context"
	"sync"

	"github.com/devrev/quorumkv/internal/model"
)

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *model.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	return s.snapshot.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, expected uint64, next *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if s.snapshot != nil {
		current = s.snapshot.Version
	}
	if current != expected {
		return ErrVersionMismatch
	}
	s.snapshot = next.Clone()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
