package clickhouse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/observability"
	"dex-pnl-indexer/internal/storage"
)

// TradeLegStore is the analytics copy of trade legs.
// The table is a ReplacingMergeTree keyed by leg_id, so re-sent legs collapse
// on merge and reads use FINAL.
type TradeLegStore struct {
	conn *Conn
}

// NewTradeLegStore creates a new TradeLegStore.
func NewTradeLegStore(conn *Conn) *TradeLegStore {
	return &TradeLegStore{conn: conn}
}

// Compile-time interface check.
var _ storage.LegAuditSink = (*TradeLegStore)(nil)

// InsertLegs appends legs in one batch.
func (s *TradeLegStore) InsertLegs(ctx context.Context, legs []*domain.TradeLeg) (err error) {
	if len(legs) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "insert_legs", time.Since(start).Seconds(), err)
	}()

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trade_legs (
			leg_id, tx_hash, block_number, block_time, side, wallet, wallet_source,
			token_address, token_in_address, token_in_amount, token_in_decimals,
			token_out_address, token_out_amount, token_out_decimals,
			price_usd, notional_usd, price_source, protocol, is_fee
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, l := range legs {
		if l == nil || l.LegID == "" {
			return storage.ErrInvalidInput
		}
		var isFee uint8
		if l.IsFee {
			isFee = 1
		}
		err = batch.Append(
			l.LegID, l.TxHash, l.BlockNumber, l.BlockTime.UTC(), string(l.Side), l.Wallet, string(l.WalletSource),
			l.TokenAddress, l.TokenInAddress, amountString(l.TokenInAmount), l.TokenInDecimals,
			l.TokenOutAddress, amountString(l.TokenOutAmount), l.TokenOutDecimals,
			l.PriceUSD, l.NotionalUSD, string(l.PriceSource), l.Protocol, isFee,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByToken retrieves the deduplicated legs of a token ordered by block time.
func (s *TradeLegStore) GetByToken(ctx context.Context, token string) ([]*domain.TradeLeg, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT leg_id, tx_hash, block_number, block_time, side, wallet, wallet_source,
			token_address, token_in_address, token_in_amount, token_in_decimals,
			token_out_address, token_out_amount, token_out_decimals,
			price_usd, notional_usd, price_source, protocol, is_fee
		FROM trade_legs FINAL
		WHERE token_address = ?
		ORDER BY block_time ASC, leg_id ASC
	`, token)
	if err != nil {
		return nil, fmt.Errorf("query by token: %w", err)
	}
	defer rows.Close()

	return scanLegs(rows)
}

// FeeSummary returns the number and total notional of fee-flagged legs for a token.
func (s *TradeLegStore) FeeSummary(ctx context.Context, token string) (uint64, decimal.Decimal, error) {
	var (
		count    uint64
		notional decimal.Decimal
	)
	err := s.conn.QueryRow(ctx, `
		SELECT count(), toDecimal128(sum(notional_usd), 18)
		FROM trade_legs FINAL
		WHERE token_address = ? AND is_fee = 1
	`, token).Scan(&count, &notional)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("query fee summary: %w", err)
	}
	return count, notional, nil
}

func scanLegs(rows driver.Rows) ([]*domain.TradeLeg, error) {
	var legs []*domain.TradeLeg

	for rows.Next() {
		var (
			l                   domain.TradeLeg
			side, walletSource  string
			priceSource         string
			amountIn, amountOut string
			isFee               uint8
		)
		err := rows.Scan(
			&l.LegID, &l.TxHash, &l.BlockNumber, &l.BlockTime, &side, &l.Wallet, &walletSource,
			&l.TokenAddress, &l.TokenInAddress, &amountIn, &l.TokenInDecimals,
			&l.TokenOutAddress, &amountOut, &l.TokenOutDecimals,
			&l.PriceUSD, &l.NotionalUSD, &priceSource, &l.Protocol, &isFee,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade leg row: %w", err)
		}

		l.Side = domain.Side(side)
		l.WalletSource = domain.WalletSource(walletSource)
		l.PriceSource = domain.PriceSource(priceSource)
		l.IsFee = isFee == 1
		l.TokenInAmount = parseAmount(amountIn)
		l.TokenOutAmount = parseAmount(amountOut)
		legs = append(legs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade leg rows: %w", err)
	}
	return legs, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
