package policy

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps policies in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]Policy),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, providerID string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[providerID]
	if !ok {
		return Policy{}, ErrNoPolicy
	}
	return p, nil
}

func (s *MemoryStore) Upsert(_ context.Context, p Policy) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = s.now()
	s.policies[p.ProviderID] = p
	return p, nil
}
