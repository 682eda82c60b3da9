package postgres

import (
	"context"
	"time"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// TokenStore is a PostgreSQL implementation of storage.TokenStore.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new PostgreSQL token store.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

var _ storage.TokenStore = (*TokenStore)(nil)

// Upsert inserts or replaces a tracked token.
func (s *TokenStore) Upsert(ctx context.Context, t *domain.TrackedToken) (err error) {
	if t == nil || t.Address == "" {
		return storage.ErrInvalidInput
	}
	defer observe("token_upsert", time.Now(), &err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tracked_tokens (address, symbol, decimals)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
		SET symbol = EXCLUDED.symbol,
		    decimals = EXCLUDED.decimals
	`, t.Address, t.Symbol, t.Decimals)
	return err
}

// Get retrieves a token by address.
func (s *TokenStore) Get(ctx context.Context, address string) (_ *domain.TrackedToken, err error) {
	defer observe("token_get", time.Now(), &err)

	var t domain.TrackedToken
	err = s.pool.QueryRow(ctx, `
		SELECT address, symbol, decimals
		FROM tracked_tokens
		WHERE address = $1
	`, address).Scan(&t.Address, &t.Symbol, &t.Decimals)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// List returns all tracked tokens ordered by address.
func (s *TokenStore) List(ctx context.Context) (_ []*domain.TrackedToken, err error) {
	defer observe("token_list", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT address, symbol, decimals
		FROM tracked_tokens
		ORDER BY address ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*domain.TrackedToken
	for rows.Next() {
		var t domain.TrackedToken
		if err := rows.Scan(&t.Address, &t.Symbol, &t.Decimals); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}
