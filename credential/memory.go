package credential

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store. It is the test double for the platform
// keystore and a usable default for embedders that manage identity elsewhere.
type MemoryStore struct {
	mu  sync.Mutex
	id  string
	set bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, accountID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = accountID
	s.set = true
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.set, nil
}

func (s *MemoryStore) Delete(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.set = false
	return nil
}
