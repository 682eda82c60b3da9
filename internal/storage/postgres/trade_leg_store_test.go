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

func testLeg(id, wallet string, at time.Time) *domain.TradeLeg {
	huge, _ := new(big.Int).SetString("98765432109876543210987654321", 10)
	return &domain.TradeLeg{
		LegID:            id,
		TxHash:           "0xtx",
		BlockNumber:      18_500_000,
		BlockTime:        at,
		Side:             domain.SideSell,
		Wallet:           wallet,
		WalletSource:     domain.WalletSourceReported,
		TokenAddress:     "0xtoken",
		TokenInAddress:   "0xtoken",
		TokenInAmount:    huge,
		TokenInDecimals:  18,
		TokenOutAddress:  "0xusdc",
		TokenOutAmount:   big.NewInt(2_500_000),
		TokenOutDecimals: 6,
		PriceUSD:         decimal.RequireFromString("0.0000000000000000000253"),
		NotionalUSD:      decimal.RequireFromString("2.5"),
		PriceSource:      domain.PriceSourceImpliedUSD,
		Protocol:         "uniswap_v2",
	}
}

func TestTradeLegStore_InsertBulkIdempotent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTradeLegStore(pool)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	n, err := store.InsertBulk(ctx, []*domain.TradeLeg{testLeg("a", "0xw1", at), testLeg("b", "0xw1", at.Add(time.Second))})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.InsertBulk(ctx, []*domain.TradeLeg{testLeg("a", "0xw1", at), testLeg("c", "0xw2", at)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := store.CountByToken(ctx, "0xtoken")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	legs, err := store.GetByWallet(ctx, "0xw1", "0xtoken")
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, "a", legs[0].LegID)
	assert.Equal(t, 0, legs[0].TokenInAmount.Cmp(testLeg("a", "", at).TokenInAmount))
	assert.True(t, legs[0].PriceUSD.Equal(decimal.RequireFromString("0.0000000000000000000253")))
	assert.Equal(t, domain.WalletSourceReported, legs[0].WalletSource)
	assert.True(t, legs[0].BlockTime.Equal(at))

	byTx, err := store.GetByTxHash(ctx, "0xtx")
	require.NoError(t, err)
	assert.Len(t, byTx, 3)

	_, err = store.InsertBulk(ctx, []*domain.TradeLeg{{LegID: "x"}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestTradeLegStore_LatestPriced(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTradeLegStore(pool)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := store.LatestPriced(ctx, "0xtoken")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	older := testLeg("a", "0xw1", at)
	newer := testLeg("b", "0xw1", at.Add(time.Minute))
	newer.PriceSource = domain.PriceSourceRatio
	newer.PriceUSD = decimal.RequireFromString("0.5")
	unpriced := testLeg("c", "0xw1", at.Add(time.Hour))
	unpriced.PriceSource = domain.PriceSourceNone
	unpriced.PriceUSD = decimal.Zero

	_, err = store.InsertBulk(ctx, []*domain.TradeLeg{older, newer, unpriced})
	require.NoError(t, err)

	got, err := store.LatestPriced(ctx, "0xtoken")
	require.NoError(t, err)
	assert.Equal(t, "b", got.LegID)
	assert.True(t, got.PriceUSD.Equal(decimal.RequireFromString("0.5")))
}
