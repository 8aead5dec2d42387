package router

import (
	"context"
	"sync"
	"time"
)

// IdempotencyStore remembers the result of client writes by idempotency
// key so a retried request gets the first outcome back.
type IdempotencyStore interface {
	// Get returns the stored result, or nil when the key is unknown.
	Get(ctx context.Context, key string) (*Result, error)
	Set(ctx context.Context, key string, result *Result, ttl time.Duration) error
	Close() error
}

// MemoryIdempotencyStore is an IdempotencyStore kept in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	data    map[string]*idempotencyItem
	maxSize int
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type idempotencyItem struct {
	result    Result
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a store holding at most maxSize results
// and sweeps expired ones every sweepInterval.
func NewMemoryIdempotencyStore(maxSize int, sweepInterval time.Duration) *MemoryIdempotencyStore {
	if maxSize <= 0 {
		maxSize = 100000
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &MemoryIdempotencyStore{
		data:    make(map[string]*idempotencyItem),
		maxSize: maxSize,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	return s
}

func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.data[key]
	if !ok || s.now().After(item.expiresAt) {
		return nil, nil
	}
	res := item.result
	return &res, nil
}

func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, result *Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && len(s.data) >= s.maxSize {
		s.sweepLocked()
		if len(s.data) >= s.maxSize {
			s.evictOldestLocked()
		}
	}
	s.data[key] = &idempotencyItem{result: *result, expiresAt: s.now().Add(ttl)}
	return nil
}

// Len returns the number of stored results, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryIdempotencyStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}

func (s *MemoryIdempotencyStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked()
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryIdempotencyStore) sweepLocked() {
	now := s.now()
	for k, item := range s.data {
		if now.After(item.expiresAt) {
			delete(s.data, k)
		}
	}
}

func (s *MemoryIdempotencyStore) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, item := range s.data {
		if oldestKey == "" || item.expiresAt.Before(oldest) {
			oldestKey, oldest = k, item.expiresAt
		}
	}
	delete(s.data, oldestKey)
}
