package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// PositionStore is a PostgreSQL implementation of storage.PositionStore.
// Uses three tables:
//   - positions: one row per (wallet, token) aggregate
//   - position_lots: open lots ordered by seq
//   - ledger_entries: applied-leg markers keyed by leg_id
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PostgreSQL position store.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ storage.PositionStore = (*PositionStore)(nil)

const selectPositionSQL = `
	SELECT wallet, token_address, decimals, remaining::text, cost_basis_usd::text,
	       realized_pnl_usd::text, updated_at
	FROM positions
`

// Get retrieves the position for (wallet, token) with its lots.
func (s *PositionStore) Get(ctx context.Context, wallet, token string) (_ *domain.Position, err error) {
	defer observe("position_get", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectPositionSQL+` WHERE wallet = $1 AND token_address = $2`, wallet, token)
	if err != nil {
		return nil, err
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, storage.ErrNotFound
	}

	if err := s.loadLots(ctx, positions); err != nil {
		return nil, err
	}
	return positions[0], nil
}

// ListByToken retrieves all positions of a token ordered by wallet.
func (s *PositionStore) ListByToken(ctx context.Context, token string) (_ []*domain.Position, err error) {
	defer observe("position_list_token", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectPositionSQL+` WHERE token_address = $1 ORDER BY wallet ASC`, token)
	if err != nil {
		return nil, err
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	return positions, s.loadLots(ctx, positions)
}

// ListByWallet retrieves all positions of a wallet ordered by token.
func (s *PositionStore) ListByWallet(ctx context.Context, wallet string) (_ []*domain.Position, err error) {
	defer observe("position_list_wallet", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectPositionSQL+` WHERE wallet = $1 ORDER BY token_address ASC`, wallet)
	if err != nil {
		return nil, err
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	return positions, s.loadLots(ctx, positions)
}

// IsApplied reports whether a leg has already been applied.
func (s *PositionStore) IsApplied(ctx context.Context, legID string) (_ bool, err error) {
	if legID == "" {
		return false, storage.ErrInvalidInput
	}
	defer observe("ledger_is_applied", time.Now(), &err)

	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE leg_id = $1)
	`, legID).Scan(&exists)
	return exists, err
}

// Apply writes the entry and, when p is non-nil, replaces the position and
// its lots, all in one transaction.
func (s *PositionStore) Apply(ctx context.Context, p *domain.Position, entry *domain.LedgerEntry) (err error) {
	if entry == nil || entry.LegID == "" {
		return storage.ErrInvalidInput
	}
	if p != nil && (p.Wallet == "" || p.TokenAddress == "") {
		return storage.ErrInvalidInput
	}
	defer observe("ledger_apply", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (
			leg_id, wallet, token_address, side, outcome, amount, consumed, shortfall,
			price_usd, realized_pnl_usd, block_time, applied_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11, $12)
		ON CONFLICT (leg_id) DO NOTHING
	`,
		entry.LegID, entry.Wallet, entry.TokenAddress, string(entry.Side), string(entry.Outcome),
		intText(entry.Amount), intText(entry.Consumed), intText(entry.Shortfall),
		entry.PriceUSD.String(), entry.RealizedPnL.String(), entry.BlockTime, entry.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}

	if p != nil {
		if err := writePosition(ctx, tx, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetEntries retrieves the ledger entries for (wallet, token) ordered by block time ASC.
func (s *PositionStore) GetEntries(ctx context.Context, wallet, token string) (_ []*domain.LedgerEntry, err error) {
	defer observe("ledger_entries", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT leg_id, wallet, token_address, side, outcome, amount::text, consumed::text,
		       shortfall::text, price_usd::text, realized_pnl_usd::text, block_time, applied_at
		FROM ledger_entries
		WHERE wallet = $1 AND token_address = $2
		ORDER BY block_time ASC, applied_at ASC
	`, wallet, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		var (
			e                           domain.LedgerEntry
			side, outcome               string
			amount, consumed, shortfall string
			price, realized             string
		)
		err := rows.Scan(&e.LegID, &e.Wallet, &e.TokenAddress, &side, &outcome,
			&amount, &consumed, &shortfall, &price, &realized, &e.BlockTime, &e.AppliedAt)
		if err != nil {
			return nil, err
		}

		e.Side = domain.Side(side)
		e.Outcome = domain.LedgerOutcome(outcome)
		e.BlockTime = e.BlockTime.UTC()
		e.AppliedAt = e.AppliedAt.UTC()
		if e.Amount, err = parseInt(amount); err != nil {
			return nil, err
		}
		if e.Consumed, err = parseInt(consumed); err != nil {
			return nil, err
		}
		if e.Shortfall, err = parseInt(shortfall); err != nil {
			return nil, err
		}
		if e.PriceUSD, err = parseDecimal(price); err != nil {
			return nil, err
		}
		if e.RealizedPnL, err = parseDecimal(realized); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func writePosition(ctx context.Context, tx pgx.Tx, p *domain.Position) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO positions (wallet, token_address, decimals, remaining, cost_basis_usd, realized_pnl_usd, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7)
		ON CONFLICT (wallet, token_address) DO UPDATE
		SET decimals = EXCLUDED.decimals,
		    remaining = EXCLUDED.remaining,
		    cost_basis_usd = EXCLUDED.cost_basis_usd,
		    realized_pnl_usd = EXCLUDED.realized_pnl_usd,
		    updated_at = EXCLUDED.updated_at
	`, p.Wallet, p.TokenAddress, p.Decimals, intText(p.Remaining),
		p.CostBasisUSD.String(), p.RealizedPnL.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM position_lots WHERE wallet = $1 AND token_address = $2
	`, p.Wallet, p.TokenAddress)
	if err != nil {
		return fmt.Errorf("clear lots: %w", err)
	}

	if len(p.Lots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, lot := range p.Lots {
		batch.Queue(`
			INSERT INTO position_lots (wallet, token_address, seq, leg_id, opened_at, original, remaining, unit_cost)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric)
		`, p.Wallet, p.TokenAddress, i, lot.LegID, lot.OpenedAt,
			intText(lot.Original), intText(lot.Remaining), lot.UnitCost.String())
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert lots: %w", err)
	}
	return nil
}

func scanPositions(rows pgx.Rows) ([]*domain.Position, error) {
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var (
			p                         domain.Position
			remaining, cost, realized string
		)
		err := rows.Scan(&p.Wallet, &p.TokenAddress, &p.Decimals, &remaining, &cost, &realized, &p.UpdatedAt)
		if err != nil {
			return nil, err
		}

		p.UpdatedAt = p.UpdatedAt.UTC()
		if p.Remaining, err = parseInt(remaining); err != nil {
			return nil, err
		}
		if p.CostBasisUSD, err = parseDecimal(cost); err != nil {
			return nil, err
		}
		if p.RealizedPnL, err = parseDecimal(realized); err != nil {
			return nil, err
		}
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

// loadLots fills the lots of each position, oldest first.
func (s *PositionStore) loadLots(ctx context.Context, positions []*domain.Position) error {
	for _, p := range positions {
		rows, err := s.pool.Query(ctx, `
			SELECT leg_id, opened_at, original::text, remaining::text, unit_cost::text
			FROM position_lots
			WHERE wallet = $1 AND token_address = $2
			ORDER BY seq ASC
		`, p.Wallet, p.TokenAddress)
		if err != nil {
			return err
		}

		for rows.Next() {
			var (
				lot                           domain.Lot
				original, remaining, unitCost string
			)
			if err := rows.Scan(&lot.LegID, &lot.OpenedAt, &original, &remaining, &unitCost); err != nil {
				rows.Close()
				return err
			}
			lot.OpenedAt = lot.OpenedAt.UTC()
			if lot.Original, err = parseInt(original); err == nil {
				if lot.Remaining, err = parseInt(remaining); err == nil {
					lot.UnitCost, err = parseDecimal(unitCost)
				}
			}
			if err != nil {
				rows.Close()
				return err
			}
			p.Lots = append(p.Lots, &lot)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}
