package memory

import (
	"context"
	"sort"
	"sync"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

type positionKey struct {
	wallet string
	token  string
}

// PositionStore is an in-memory implementation of storage.PositionStore.
// Positions and ledger entries share one lock so Apply is atomic.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[positionKey]*domain.Position
	entries   map[string]*domain.LedgerEntry // keyed by leg_id
}

// NewPositionStore creates a new in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[positionKey]*domain.Position),
		entries:   make(map[string]*domain.LedgerEntry),
	}
}

// Get retrieves the position for (wallet, token).
func (s *PositionStore) Get(_ context.Context, wallet, token string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{wallet, token}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// ListByToken retrieves all positions of a token ordered by wallet.
func (s *PositionStore) ListByToken(_ context.Context, token string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for k, p := range s.positions {
		if k.token == token {
			result = append(result, p.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Wallet < result[j].Wallet
	})
	return result, nil
}

// ListByWallet retrieves all positions of a wallet ordered by token.
func (s *PositionStore) ListByWallet(_ context.Context, wallet string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for k, p := range s.positions {
		if k.wallet == wallet {
			result = append(result, p.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TokenAddress < result[j].TokenAddress
	})
	return result, nil
}

// IsApplied reports whether a leg has already been applied.
func (s *PositionStore) IsApplied(_ context.Context, legID string) (bool, error) {
	if legID == "" {
		return false, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[legID]
	return ok, nil
}

// Apply records the entry and replaces the position in one step.
func (s *PositionStore) Apply(_ context.Context, p *domain.Position, entry *domain.LedgerEntry) error {
	if entry == nil || entry.LegID == "" {
		return storage.ErrInvalidInput
	}
	if p != nil && (p.Wallet == "" || p.TokenAddress == "") {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.LegID]; exists {
		return storage.ErrDuplicateKey
	}

	s.entries[entry.LegID] = entry.Clone()
	if p != nil {
		s.positions[positionKey{p.Wallet, p.TokenAddress}] = p.Clone()
	}
	return nil
}

// GetEntries retrieves the ledger entries for (wallet, token) ordered by block time ASC.
func (s *PositionStore) GetEntries(_ context.Context, wallet, token string) ([]*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.LedgerEntry
	for _, e := range s.entries {
		if e.Wallet == wallet && e.TokenAddress == token {
			result = append(result, e.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].BlockTime.Equal(result[j].BlockTime) {
			return result[i].BlockTime.Before(result[j].BlockTime)
		}
		return result[i].AppliedAt.Before(result[j].AppliedAt)
	})
	return result, nil
}

var _ storage.PositionStore = (*PositionStore)(nil)
