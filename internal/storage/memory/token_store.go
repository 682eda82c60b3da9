package memory

import (
	"context"
	"sort"
	"sync"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// TokenStore is an in-memory implementation of storage.TokenStore.
type TokenStore struct {
	mu   sync.RWMutex
	data map[string]*domain.TrackedToken // keyed by address
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		data: make(map[string]*domain.TrackedToken),
	}
}

// Upsert inserts or replaces a tracked token.
func (s *TokenStore) Upsert(_ context.Context, t *domain.TrackedToken) error {
	if t == nil || t.Address == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *t
	s.data[t.Address] = &copy
	return nil
}

// Get retrieves a token by address.
func (s *TokenStore) Get(_ context.Context, address string) (*domain.TrackedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *t
	return &copy, nil
}

// List returns all tracked tokens ordered by address.
func (s *TokenStore) List(_ context.Context) ([]*domain.TrackedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.TrackedToken, 0, len(s.data))
	for _, t := range s.data {
		copy := *t
		result = append(result, &copy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})
	return result, nil
}

var _ storage.TokenStore = (*TokenStore)(nil)
