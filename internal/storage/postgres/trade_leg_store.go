package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// TradeLegStore is a PostgreSQL implementation of storage.TradeLegStore.
type TradeLegStore struct {
	pool *Pool
}

// NewTradeLegStore creates a new PostgreSQL trade leg store.
func NewTradeLegStore(pool *Pool) *TradeLegStore {
	return &TradeLegStore{pool: pool}
}

var _ storage.TradeLegStore = (*TradeLegStore)(nil)

const insertLegSQL = `
	INSERT INTO trade_legs (
		leg_id, tx_hash, block_number, block_time, side, wallet, wallet_source, token_address,
		token_in_address, token_in_amount, token_in_decimals,
		token_out_address, token_out_amount, token_out_decimals,
		price_usd, notional_usd, price_source, protocol, is_fee
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8,
		$9, $10::numeric, $11,
		$12, $13::numeric, $14,
		$15::numeric, $16::numeric, $17, $18, $19
	)
	ON CONFLICT (leg_id) DO NOTHING
`

const selectLegSQL = `
	SELECT leg_id, tx_hash, block_number, block_time, side, wallet, wallet_source, token_address,
	       token_in_address, token_in_amount::text, token_in_decimals,
	       token_out_address, token_out_amount::text, token_out_decimals,
	       price_usd::text, notional_usd::text, price_source, protocol, is_fee
	FROM trade_legs
`

// InsertBulk adds legs in one transaction, ignoring leg IDs that already exist.
func (s *TradeLegStore) InsertBulk(ctx context.Context, legs []*domain.TradeLeg) (_ int, err error) {
	if len(legs) == 0 {
		return 0, nil
	}
	for _, l := range legs {
		if l == nil || l.LegID == "" || l.TxHash == "" {
			return 0, storage.ErrInvalidInput
		}
	}
	defer observe("legs_insert", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, l := range legs {
		batch.Queue(insertLegSQL,
			l.LegID, l.TxHash, l.BlockNumber, l.BlockTime, string(l.Side), l.Wallet, string(l.WalletSource), l.TokenAddress,
			l.TokenInAddress, intText(l.TokenInAmount), l.TokenInDecimals,
			l.TokenOutAddress, intText(l.TokenOutAmount), l.TokenOutDecimals,
			l.PriceUSD.String(), l.NotionalUSD.String(), string(l.PriceSource), l.Protocol, l.IsFee,
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range legs {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert leg: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// GetByTxHash retrieves all legs of a transaction ordered by leg ID.
func (s *TradeLegStore) GetByTxHash(ctx context.Context, txHash string) (_ []*domain.TradeLeg, err error) {
	defer observe("legs_by_tx", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectLegSQL+` WHERE tx_hash = $1 ORDER BY leg_id ASC`, txHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLegs(rows)
}

// GetByWallet retrieves a wallet's legs for a token ordered by block time ASC.
func (s *TradeLegStore) GetByWallet(ctx context.Context, wallet, token string) (_ []*domain.TradeLeg, err error) {
	defer observe("legs_by_wallet", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectLegSQL+`
		WHERE wallet = $1 AND token_address = $2
		ORDER BY block_time ASC, leg_id ASC
	`, wallet, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLegs(rows)
}

// CountByToken returns the number of legs stored for a tracked token.
func (s *TradeLegStore) CountByToken(ctx context.Context, token string) (_ int, err error) {
	defer observe("legs_count", time.Now(), &err)

	var n int
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trade_legs WHERE token_address = $1`, token).Scan(&n)
	return n, err
}

// LatestPriced returns the newest non-fee leg of token priced from the trade itself.
func (s *TradeLegStore) LatestPriced(ctx context.Context, token string) (_ *domain.TradeLeg, err error) {
	defer observe("legs_latest_priced", time.Now(), &err)

	rows, err := s.pool.Query(ctx, selectLegSQL+`
		WHERE token_address = $1
		  AND NOT is_fee
		  AND price_source IN ($2, $3)
		  AND price_usd > 0
		ORDER BY block_time DESC, leg_id DESC
		LIMIT 1
	`, token, string(domain.PriceSourceImpliedUSD), string(domain.PriceSourceRatio))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	legs, err := scanLegs(rows)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, storage.ErrNotFound
	}
	return legs[0], nil
}

func scanLegs(rows pgx.Rows) ([]*domain.TradeLeg, error) {
	var legs []*domain.TradeLeg
	for rows.Next() {
		var (
			l                     domain.TradeLeg
			side, walletSource    string
			priceSource           string
			amountIn, amountOut   string
			priceUSD, notionalUSD string
		)
		err := rows.Scan(
			&l.LegID, &l.TxHash, &l.BlockNumber, &l.BlockTime, &side, &l.Wallet, &walletSource, &l.TokenAddress,
			&l.TokenInAddress, &amountIn, &l.TokenInDecimals,
			&l.TokenOutAddress, &amountOut, &l.TokenOutDecimals,
			&priceUSD, &notionalUSD, &priceSource, &l.Protocol, &l.IsFee,
		)
		if err != nil {
			return nil, err
		}

		l.BlockTime = l.BlockTime.UTC()
		l.Side = domain.Side(side)
		l.WalletSource = domain.WalletSource(walletSource)
		l.PriceSource = domain.PriceSource(priceSource)
		if l.TokenInAmount, err = parseInt(amountIn); err != nil {
			return nil, err
		}
		if l.TokenOutAmount, err = parseInt(amountOut); err != nil {
			return nil, err
		}
		if l.PriceUSD, err = parseDecimal(priceUSD); err != nil {
			return nil, err
		}
		if l.NotionalUSD, err = parseDecimal(notionalUSD); err != nil {
			return nil, err
		}
		legs = append(legs, &l)
	}
	return legs, rows.Err()
}
