package postgres

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

func TestTransactionStore_Upsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTransactionStore(pool)

	tx := &domain.Transaction{
		Hash:         "0xhash",
		TokenAddress: "0xtoken",
		BlockNumber:  42,
		BlockTime:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Initiator:    "0xsender",
		Protocols:    []string{"sushiswap", "uniswap_v3"},
		TokenIn:      map[string]*big.Int{"0xweth": big.NewInt(7)},
		TokenOut:     map[string]*big.Int{"0xtoken": big.NewInt(9000)},
		NotionalUSD:  decimal.RequireFromString("21.5"),
		LegCount:     2,
		FeeLegCount:  1,
	}
	require.NoError(t, store.Upsert(ctx, tx))

	tx.NotionalUSD = decimal.RequireFromString("22")
	require.NoError(t, store.Upsert(ctx, tx))

	got, err := store.Get(ctx, "0xhash")
	require.NoError(t, err)
	assert.True(t, got.NotionalUSD.Equal(decimal.NewFromInt(22)))
	assert.Equal(t, []string{"sushiswap", "uniswap_v3"}, got.Protocols)
	assert.Equal(t, int64(9000), got.TokenOut["0xtoken"].Int64())
	assert.Equal(t, uint64(42), got.BlockNumber)

	n, err := store.CountByToken(ctx, "0xtoken")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "0xmissing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCursorStore_Upsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewCursorStore(pool)

	_, err := store.Get(ctx, "0xtoken")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	covered := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, &domain.SyncCursor{TokenAddress: "0xtoken", CoveredUntil: covered, Pages: 1}))
	require.NoError(t, store.Upsert(ctx, &domain.SyncCursor{
		TokenAddress: "0xtoken",
		CoveredUntil: covered.Add(24 * time.Hour),
		LastBlock:    100,
		LastTxHash:   "0xlast",
		Pages:        2,
	}))

	got, err := store.Get(ctx, "0xtoken")
	require.NoError(t, err)
	assert.True(t, got.CoveredUntil.Equal(covered.Add(24*time.Hour)))
	assert.Equal(t, uint64(100), got.LastBlock)
	assert.Equal(t, int64(2), got.Pages)
}

func TestTokenStore_UpsertAndList(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTokenStore(pool)

	require.NoError(t, store.Upsert(ctx, &domain.TrackedToken{Address: "0xbb", Symbol: "BBB", Decimals: 9}))
	require.NoError(t, store.Upsert(ctx, &domain.TrackedToken{Address: "0xaa", Symbol: "AAA", Decimals: 18}))
	require.NoError(t, store.Upsert(ctx, &domain.TrackedToken{Address: "0xbb", Symbol: "BBB2", Decimals: 9}))

	tokens, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "0xaa", tokens[0].Address)
	assert.Equal(t, "BBB2", tokens[1].Symbol)

	got, err := store.Get(ctx, "0xaa")
	require.NoError(t, err)
	assert.Equal(t, int32(18), got.Decimals)
}
