package memory

import (
	"context"
	"sync"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// TransactionStore is an in-memory implementation of storage.TransactionStore.
type TransactionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Transaction // keyed by hash
}

// NewTransactionStore creates a new in-memory transaction store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		data: make(map[string]*domain.Transaction),
	}
}

// Upsert inserts or replaces a transaction keyed by hash.
func (s *TransactionStore) Upsert(_ context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.Hash == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[tx.Hash] = tx.Clone()
	return nil
}

// Get retrieves a transaction by hash.
func (s *TransactionStore) Get(_ context.Context, hash string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.data[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return tx.Clone(), nil
}

// CountByToken returns the number of transactions stored for a tracked token.
func (s *TransactionStore) CountByToken(_ context.Context, token string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, tx := range s.data {
		if tx.TokenAddress == token {
			n++
		}
	}
	return n, nil
}

var _ storage.TransactionStore = (*TransactionStore)(nil)
