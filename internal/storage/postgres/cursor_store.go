package postgres

import (
	"context"
	"time"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// CursorStore is a PostgreSQL implementation of storage.CursorStore.
// One row per tracked token in sync_cursors.
type CursorStore struct {
	pool *Pool
}

// NewCursorStore creates a new PostgreSQL cursor store.
func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

var _ storage.CursorStore = (*CursorStore)(nil)

// Get retrieves a token's cursor.
func (s *CursorStore) Get(ctx context.Context, token string) (_ *domain.SyncCursor, err error) {
	defer observe("cursor_get", time.Now(), &err)

	var c domain.SyncCursor
	err = s.pool.QueryRow(ctx, `
		SELECT token_address, covered_until, last_block, last_tx_hash, pages, updated_at
		FROM sync_cursors
		WHERE token_address = $1
	`, token).Scan(&c.TokenAddress, &c.CoveredUntil, &c.LastBlock, &c.LastTxHash, &c.Pages, &c.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	c.CoveredUntil = c.CoveredUntil.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// Upsert inserts or replaces a token's cursor.
func (s *CursorStore) Upsert(ctx context.Context, c *domain.SyncCursor) (err error) {
	if c == nil || c.TokenAddress == "" {
		return storage.ErrInvalidInput
	}
	defer observe("cursor_upsert", time.Now(), &err)

	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (token_address, covered_until, last_block, last_tx_hash, pages, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_address) DO UPDATE
		SET covered_until = EXCLUDED.covered_until,
		    last_block = EXCLUDED.last_block,
		    last_tx_hash = EXCLUDED.last_tx_hash,
		    pages = EXCLUDED.pages,
		    updated_at = EXCLUDED.updated_at
	`, c.TokenAddress, c.CoveredUntil, c.LastBlock, c.LastTxHash, c.Pages, updatedAt)
	return err
}
