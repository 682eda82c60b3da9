package memory

import (
	"context"
	"sort"
	"sync"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// TradeLegStore is an in-memory implementation of storage.TradeLegStore.
type TradeLegStore struct {
	mu   sync.RWMutex
	data map[string]*domain.TradeLeg // keyed by leg_id
}

// NewTradeLegStore creates a new in-memory trade leg store.
func NewTradeLegStore() *TradeLegStore {
	return &TradeLegStore{
		data: make(map[string]*domain.TradeLeg),
	}
}

// InsertBulk adds legs, ignoring leg IDs that already exist.
// Validation runs over the whole batch before anything is written.
func (s *TradeLegStore) InsertBulk(_ context.Context, legs []*domain.TradeLeg) (int, error) {
	for _, l := range legs {
		if l == nil || l.LegID == "" || l.TxHash == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, l := range legs {
		if _, exists := s.data[l.LegID]; exists {
			continue
		}
		s.data[l.LegID] = l.Clone()
		inserted++
	}
	return inserted, nil
}

// GetByTxHash retrieves all legs of a transaction ordered by leg ID.
func (s *TradeLegStore) GetByTxHash(_ context.Context, txHash string) ([]*domain.TradeLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeLeg
	for _, l := range s.data {
		if l.TxHash == txHash {
			result = append(result, l.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LegID < result[j].LegID
	})
	return result, nil
}

// GetByWallet retrieves a wallet's legs for a token ordered by block time ASC.
func (s *TradeLegStore) GetByWallet(_ context.Context, wallet, token string) ([]*domain.TradeLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeLeg
	for _, l := range s.data {
		if l.Wallet == wallet && l.TokenAddress == token {
			result = append(result, l.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].BlockTime.Equal(result[j].BlockTime) {
			return result[i].BlockTime.Before(result[j].BlockTime)
		}
		return result[i].LegID < result[j].LegID
	})
	return result, nil
}

// CountByToken returns the number of legs stored for a tracked token.
func (s *TradeLegStore) CountByToken(_ context.Context, token string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, l := range s.data {
		if l.TokenAddress == token {
			n++
		}
	}
	return n, nil
}

// LatestPriced returns the newest non-fee leg of token priced from the trade itself.
func (s *TradeLegStore) LatestPriced(_ context.Context, token string) (*domain.TradeLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.TradeLeg
	for _, l := range s.data {
		if l.TokenAddress != token || l.IsFee || !l.PriceUSD.IsPositive() {
			continue
		}
		if l.PriceSource != domain.PriceSourceImpliedUSD && l.PriceSource != domain.PriceSourceRatio {
			continue
		}
		if latest == nil || l.BlockTime.After(latest.BlockTime) ||
			(l.BlockTime.Equal(latest.BlockTime) && l.LegID > latest.LegID) {
			latest = l
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest.Clone(), nil
}

// InsertLegs lets the store double as an audit sink in tests and memory mode.
func (s *TradeLegStore) InsertLegs(ctx context.Context, legs []*domain.TradeLeg) error {
	_, err := s.InsertBulk(ctx, legs)
	return err
}

var (
	_ storage.TradeLegStore = (*TradeLegStore)(nil)
	_ storage.LegAuditSink  = (*TradeLegStore)(nil)
)
