package memory

import (
	"context"
	"sync"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SyncCursor // keyed by token address
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{
		data: make(map[string]*domain.SyncCursor),
	}
}

// Get retrieves a token's cursor.
func (s *CursorStore) Get(_ context.Context, token string) (*domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *c
	return &copy, nil
}

// Upsert inserts or replaces a token's cursor.
func (s *CursorStore) Upsert(_ context.Context, c *domain.SyncCursor) error {
	if c == nil || c.TokenAddress == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *c
	s.data[c.TokenAddress] = &copy
	return nil
}

var _ storage.CursorStore = (*CursorStore)(nil)
