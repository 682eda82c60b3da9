package storage

import (
	"context"

	"dex-pnl-indexer/internal/domain"
)

// TokenStore provides access to tracked_tokens storage.
type TokenStore interface {
	// Upsert inserts or replaces a tracked token keyed by address.
	Upsert(ctx context.Context, t *domain.TrackedToken) error

	// Get retrieves a token by address. Returns ErrNotFound if not exists.
	Get(ctx context.Context, address string) (*domain.TrackedToken, error)

	// List returns all tracked tokens ordered by address.
	List(ctx context.Context) ([]*domain.TrackedToken, error)
}

// TransactionStore provides access to transactions storage.
type TransactionStore interface {
	// Upsert inserts or replaces a transaction keyed by hash.
	Upsert(ctx context.Context, tx *domain.Transaction) error

	// Get retrieves a transaction by hash. Returns ErrNotFound if not exists.
	Get(ctx context.Context, hash string) (*domain.Transaction, error)

	// CountByToken returns the number of transactions stored for a tracked token.
	CountByToken(ctx context.Context, token string) (int, error)
}

// TradeLegStore provides access to trade_legs storage.
type TradeLegStore interface {
	// InsertBulk adds legs, silently ignoring leg IDs that already exist.
	// Returns the number of legs actually inserted.
	InsertBulk(ctx context.Context, legs []*domain.TradeLeg) (int, error)

	// GetByTxHash retrieves all legs of a transaction ordered by leg ID.
	GetByTxHash(ctx context.Context, txHash string) ([]*domain.TradeLeg, error)

	// GetByWallet retrieves a wallet's legs for a token ordered by block time ASC.
	GetByWallet(ctx context.Context, wallet, token string) ([]*domain.TradeLeg, error)

	// CountByToken returns the number of legs stored for a tracked token.
	CountByToken(ctx context.Context, token string) (int, error)

	// LatestPriced returns the newest non-fee leg of token whose price came
	// from the trade itself. Returns ErrNotFound if there is none.
	LatestPriced(ctx context.Context, token string) (*domain.TradeLeg, error)
}

// PositionStore provides access to positions, position_lots and ledger_entries storage.
type PositionStore interface {
	// Get retrieves the position for (wallet, token). Returns ErrNotFound if not exists.
	Get(ctx context.Context, wallet, token string) (*domain.Position, error)

	// ListByToken retrieves all positions of a token ordered by wallet.
	ListByToken(ctx context.Context, token string) ([]*domain.Position, error)

	// ListByWallet retrieves all positions of a wallet ordered by token.
	ListByWallet(ctx context.Context, wallet string) ([]*domain.Position, error)

	// IsApplied reports whether a leg has already been applied to the ledger.
	IsApplied(ctx context.Context, legID string) (bool, error)

	// Apply atomically records the entry and, when p is non-nil, replaces the
	// position with its lots. Returns ErrDuplicateKey if the entry's leg was
	// already applied; nothing is written in that case.
	Apply(ctx context.Context, p *domain.Position, entry *domain.LedgerEntry) error

	// GetEntries retrieves the ledger entries for (wallet, token) ordered by block time ASC.
	GetEntries(ctx context.Context, wallet, token string) ([]*domain.LedgerEntry, error)
}

// CursorStore provides access to sync_cursors storage.
type CursorStore interface {
	// Get retrieves a token's cursor. Returns ErrNotFound if no sync has completed a page.
	Get(ctx context.Context, token string) (*domain.SyncCursor, error)

	// Upsert inserts or replaces a token's cursor.
	Upsert(ctx context.Context, c *domain.SyncCursor) error
}

// LegAuditSink receives every persisted leg, fee legs included, for analytics.
type LegAuditSink interface {
	InsertLegs(ctx context.Context, legs []*domain.TradeLeg) error
}
