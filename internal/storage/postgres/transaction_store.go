package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

// TransactionStore is a PostgreSQL implementation of storage.TransactionStore.
// Net token maps are stored as JSONB objects of decimal strings.
type TransactionStore struct {
	pool *Pool
}

// NewTransactionStore creates a new PostgreSQL transaction store.
func NewTransactionStore(pool *Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

var _ storage.TransactionStore = (*TransactionStore)(nil)

// Upsert inserts or replaces a transaction keyed by hash.
func (s *TransactionStore) Upsert(ctx context.Context, tx *domain.Transaction) (err error) {
	if tx == nil || tx.Hash == "" {
		return storage.ErrInvalidInput
	}
	defer observe("transaction_upsert", time.Now(), &err)

	tokenIn, err := encodeAmounts(tx.TokenIn)
	if err != nil {
		return err
	}
	tokenOut, err := encodeAmounts(tx.TokenOut)
	if err != nil {
		return err
	}
	protocols := tx.Protocols
	if protocols == nil {
		protocols = []string{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transactions (
			hash, token_address, block_number, block_time, initiator, protocols,
			token_in, token_out, notional_usd, leg_count, fee_leg_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::numeric, $10, $11, NOW())
		ON CONFLICT (hash) DO UPDATE
		SET token_address = EXCLUDED.token_address,
		    block_number = EXCLUDED.block_number,
		    block_time = EXCLUDED.block_time,
		    initiator = EXCLUDED.initiator,
		    protocols = EXCLUDED.protocols,
		    token_in = EXCLUDED.token_in,
		    token_out = EXCLUDED.token_out,
		    notional_usd = EXCLUDED.notional_usd,
		    leg_count = EXCLUDED.leg_count,
		    fee_leg_count = EXCLUDED.fee_leg_count,
		    updated_at = NOW()
	`,
		tx.Hash, tx.TokenAddress, tx.BlockNumber, tx.BlockTime, tx.Initiator, protocols,
		tokenIn, tokenOut, tx.NotionalUSD.String(), tx.LegCount, tx.FeeLegCount,
	)
	return err
}

// Get retrieves a transaction by hash.
func (s *TransactionStore) Get(ctx context.Context, hash string) (_ *domain.Transaction, err error) {
	defer observe("transaction_get", time.Now(), &err)

	var (
		tx                domain.Transaction
		tokenIn, tokenOut string
		notional          string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT hash, token_address, block_number, block_time, initiator, protocols,
		       token_in::text, token_out::text, notional_usd::text, leg_count, fee_leg_count
		FROM transactions
		WHERE hash = $1
	`, hash).Scan(
		&tx.Hash, &tx.TokenAddress, &tx.BlockNumber, &tx.BlockTime, &tx.Initiator, &tx.Protocols,
		&tokenIn, &tokenOut, &notional, &tx.LegCount, &tx.FeeLegCount,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	tx.BlockTime = tx.BlockTime.UTC()
	if tx.TokenIn, err = decodeAmounts(tokenIn); err != nil {
		return nil, err
	}
	if tx.TokenOut, err = decodeAmounts(tokenOut); err != nil {
		return nil, err
	}
	if tx.NotionalUSD, err = parseDecimal(notional); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CountByToken returns the number of transactions stored for a tracked token.
func (s *TransactionStore) CountByToken(ctx context.Context, token string) (_ int, err error) {
	defer observe("transaction_count", time.Now(), &err)

	var n int
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE token_address = $1`, token).Scan(&n)
	return n, err
}

func encodeAmounts(m map[string]*big.Int) (string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = intText(v)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode amounts: %w", err)
	}
	return string(data), nil
}

func decodeAmounts(s string) (map[string]*big.Int, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode amounts: %w", err)
	}
	out := make(map[string]*big.Int, len(raw))
	for k, v := range raw {
		n, err := parseInt(v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}
