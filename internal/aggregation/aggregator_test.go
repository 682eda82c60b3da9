package aggregation

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/evm"
	"dex-pnl-indexer/internal/evm/stub"
	"dex-pnl-indexer/internal/pricing"
	"dex-pnl-indexer/internal/storage/memory"
	"dex-pnl-indexer/internal/tradesource"
)

const (
	tokenAddr  = "0x1111111111111111111111111111111111111111"
	usdcAddr   = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	wethAddr   = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	routerAddr = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
	poolAddr   = "0x00000000000000000000000000000000000000d1"
	alice      = "0x00000000000000000000000000000000000a11ce"
	bob        = "0x0000000000000000000000000000000000000b0b"
	txHash     = "0x00000000000000000000000000000000000000000000000000000000000000aa"
)

var tracked = domain.TrackedToken{Address: tokenAddr, Symbol: "TKN", Decimals: 18}

func units(n int64, decimals int32) *big.Int {
	return domain.ToRaw(decimal.NewFromInt(n), decimals)
}

// buyLeg is a leg where the wallet receives tokens tokens for usdc USDC.
func buyLeg(tokens, usdc int64) tradesource.RawTradeLeg {
	return tradesource.RawTradeLeg{
		BlockNumber:     100,
		BlockTime:       time.Unix(1700000000, 0).UTC(),
		TxHash:          txHash,
		Protocol:        "uniswap_v2",
		ProtocolAddress: poolAddr,
		Buy:             tradesource.Currency{Address: tokenAddr, Decimals: 18},
		BuyAmount:       units(tokens, 18),
		Buyer:           routerAddr,
		Sell:            tradesource.Currency{Address: usdcAddr, Decimals: 6},
		SellAmount:      units(usdc, 6),
		Seller:          routerAddr,
	}
}

func sellLeg(tokens, usdc int64) tradesource.RawTradeLeg {
	l := buyLeg(tokens, usdc)
	l.Buy, l.Sell = l.Sell, l.Buy
	l.BuyAmount, l.SellAmount = units(usdc, 6), units(tokens, 18)
	return l
}

func newAggregator(t *testing.T, client evm.Client) *Aggregator {
	t.Helper()
	fees, err := NewFeeClassifier(decimal.RequireFromString("0.50"), []string{`fee.?locker`, `clanker`}, nil)
	require.NoError(t, err)

	resolver := pricing.NewResolver(pricing.Options{
		Stablecoins: []string{usdcAddr},
		Cache:       pricing.NewTTLCache(time.Minute, nil),
		Logger:      zerolog.Nop(),
	})

	return New(Options{
		Excluded: NewAddressSet([]string{routerAddr}),
		Pricer:   resolver,
		Fees:     fees,
		Client:   client,
		Logger:   zerolog.Nop(),
	})
}

func group(legs ...tradesource.RawTradeLeg) *tradesource.TransactionGroup {
	return &tradesource.TransactionGroup{
		TxHash:      txHash,
		BlockNumber: 100,
		BlockTime:   time.Unix(1700000000, 0).UTC(),
		TxFrom:      bob,
		Legs:        legs,
	}
}

func addTransfer(client *stub.Client, from, to string, amount *big.Int) {
	client.AddTransfer(common.HexToHash(txHash), 100, evm.Transfer{
		Token: common.HexToAddress(tokenAddr),
		From:  common.HexToAddress(from),
		To:    common.HexToAddress(to),
		Value: amount,
	})
}

func TestAggregate_BuyResolvedFromTransferLog(t *testing.T) {
	client := stub.NewClient()
	// pool -> router -> alice; router hop is skipped, amount matches alice.
	addTransfer(client, poolAddr, routerAddr, units(1000, 18))
	addTransfer(client, routerAddr, alice, units(1000, 18))

	agg := newAggregator(t, client)
	res, err := agg.Aggregate(context.Background(), tracked, group(buyLeg(1000, 10)))
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)

	leg := res.Legs[0]
	assert.Equal(t, domain.SideBuy, leg.Side)
	assert.Equal(t, alice, leg.Wallet)
	assert.Equal(t, domain.WalletSourceTransferLog, leg.WalletSource)
	assert.Equal(t, usdcAddr, leg.TokenInAddress)
	assert.Equal(t, tokenAddr, leg.TokenOutAddress)
	assert.Equal(t, domain.PriceSourceRatio, leg.PriceSource)
	assert.True(t, leg.PriceUSD.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, leg.NotionalUSD.Equal(decimal.NewFromInt(10)))
	assert.False(t, leg.IsFee)
	assert.Len(t, leg.LegID, 64)
}

func TestAggregate_SellResolvedFromTransferSender(t *testing.T) {
	client := stub.NewClient()
	addTransfer(client, alice, poolAddr, units(500, 18))

	agg := newAggregator(t, client)
	res, err := agg.Aggregate(context.Background(), tracked, group(sellLeg(500, 10)))
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, domain.SideSell, res.Legs[0].Side)
	assert.Equal(t, alice, res.Legs[0].Wallet)
	assert.Equal(t, 0, units(500, 18).Cmp(res.Legs[0].TrackedAmount()))
}

func TestAggregate_FallsBackToReportedThenSender(t *testing.T) {
	client := stub.NewClient() // no receipts: transfer lookback fails

	leg := buyLeg(10, 1)
	leg.Buyer = alice
	agg := newAggregator(t, client)

	res, err := agg.Aggregate(context.Background(), tracked, group(leg))
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, alice, res.Legs[0].Wallet)
	assert.Equal(t, domain.WalletSourceReported, res.Legs[0].WalletSource)

	// Reported buyer is the router: the tx sender wins.
	res, err = agg.Aggregate(context.Background(), tracked, group(buyLeg(10, 1)))
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, bob, res.Legs[0].Wallet)
	assert.Equal(t, domain.WalletSourceTxSender, res.Legs[0].WalletSource)
}

func TestAggregate_TxSenderFromChainWhenMissing(t *testing.T) {
	client := stub.NewClient()
	client.Transactions[common.HexToHash(txHash)] = &evm.Transaction{
		Hash: common.HexToHash(txHash),
		From: common.HexToAddress(bob),
	}

	g := group(buyLeg(10, 1))
	g.TxFrom = ""
	res, err := newAggregator(t, client).Aggregate(context.Background(), tracked, g)
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, bob, res.Legs[0].Wallet)
	assert.Equal(t, bob, res.Transaction.Initiator)
	assert.Equal(t, 1, client.CallCount("TransactionByHash"), "sender lookup memoized per tx")
}

func TestAggregate_DiscardsUntrackedAndSkipsZero(t *testing.T) {
	client := stub.NewClient()

	untracked := buyLeg(1, 1)
	untracked.Buy = tradesource.Currency{Address: wethAddr, Decimals: 18}
	zero := buyLeg(0, 1)

	res, err := newAggregator(t, client).Aggregate(context.Background(), tracked, group(untracked, zero))
	require.NoError(t, err)
	assert.Empty(t, res.Legs)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, 1, res.Skipped)
}

func TestAggregate_FeeLegFlaggedAndRetained(t *testing.T) {
	client := stub.NewClient()

	swap := buyLeg(1000, 10)
	swap.Buyer = alice

	fee := buyLeg(10, 0) // priced below the threshold
	fee.SellAmount = big.NewInt(300000) // 0.30 USDC
	fee.Protocol = "Clanker FeeLocker"
	fee.Buyer = "0x00000000000000000000000000000000000000fe"

	res, err := newAggregator(t, client).Aggregate(context.Background(), tracked, group(swap, fee))
	require.NoError(t, err)
	require.Len(t, res.Legs, 2)

	assert.False(t, res.Legs[0].IsFee)
	assert.True(t, res.Legs[1].IsFee)
	assert.True(t, res.Legs[1].NotionalUSD.Equal(decimal.RequireFromString("0.3")))

	tx := res.Transaction
	require.NotNil(t, tx)
	assert.Equal(t, 2, tx.LegCount)
	assert.Equal(t, 1, tx.FeeLegCount)
	assert.True(t, tx.NotionalUSD.Equal(decimal.NewFromInt(10)), "fee legs excluded from notional")
	assert.Equal(t, 0, units(1000, 18).Cmp(tx.TokenOut[tokenAddr]))
	assert.Equal(t, []string{"Clanker FeeLocker", "uniswap_v2"}, tx.Protocols)
}

func TestAggregate_SmallNonFeeProtocolNotFlagged(t *testing.T) {
	leg := buyLeg(10, 0)
	leg.SellAmount = big.NewInt(100000) // 0.10 USDC
	leg.Buyer = alice

	res, err := newAggregator(t, stub.NewClient()).Aggregate(context.Background(), tracked, group(leg))
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.False(t, res.Legs[0].IsFee)
}

func TestAggregate_LegIDStable(t *testing.T) {
	leg := buyLeg(10, 1)
	leg.Buyer = alice
	agg := newAggregator(t, stub.NewClient())

	first, err := agg.Aggregate(context.Background(), tracked, group(leg))
	require.NoError(t, err)
	second, err := agg.Aggregate(context.Background(), tracked, group(leg))
	require.NoError(t, err)

	assert.Equal(t, first.Legs[0].LegID, second.Legs[0].LegID)
}

func TestAggregate_ChainOutageFailsGroupThenRecovers(t *testing.T) {
	client := stub.NewClient()
	addTransfer(client, poolAddr, alice, units(1000, 18))

	leg := buyLeg(1000, 10)
	leg.Buyer = "0x00000000000000000000000000000000000000b1"
	agg := newAggregator(t, client)
	legs := memory.NewTradeLegStore()

	client.Err = errors.New("connection refused")
	res, err := agg.Aggregate(context.Background(), tracked, group(leg))
	require.ErrorIs(t, err, ErrLookupUnavailable)
	assert.Nil(t, res, "nothing is attributed to the reported buyer while the chain is down")

	client.Err = nil
	res, err = agg.Aggregate(context.Background(), tracked, group(leg))
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, alice, res.Legs[0].Wallet)
	assert.Equal(t, domain.WalletSourceTransferLog, res.Legs[0].WalletSource)

	n, err := legs.InsertBulk(context.Background(), res.Legs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := agg.Aggregate(context.Background(), tracked, group(leg))
	require.NoError(t, err)
	n, err = legs.InsertBulk(context.Background(), again.Legs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, countLegs(t, legs))
}

func TestAggregate_LegIDIndependentOfResolvedWallet(t *testing.T) {
	leg := buyLeg(1000, 10)
	leg.Buyer = "0x00000000000000000000000000000000000000b1"

	// No transfer logs: the reported buyer is used.
	reported, err := newAggregator(t, stub.NewClient()).Aggregate(context.Background(), tracked, group(leg))
	require.NoError(t, err)
	require.Len(t, reported.Legs, 1)
	assert.Equal(t, domain.WalletSourceReported, reported.Legs[0].WalletSource)

	client := stub.NewClient()
	addTransfer(client, poolAddr, alice, units(1000, 18))
	fromLogs, err := newAggregator(t, client).Aggregate(context.Background(), tracked, group(leg))
	require.NoError(t, err)
	require.Len(t, fromLogs.Legs, 1)
	assert.Equal(t, alice, fromLogs.Legs[0].Wallet)

	assert.Equal(t, reported.Legs[0].LegID, fromLogs.Legs[0].LegID)
}

func countLegs(t *testing.T, legs *memory.TradeLegStore) int {
	t.Helper()
	n, err := legs.CountByToken(context.Background(), tokenAddr)
	require.NoError(t, err)
	return n
}

func TestFeeClassifier_Denylist(t *testing.T) {
	fc, err := NewFeeClassifier(decimal.RequireFromString("0.50"), nil, []string{"0x00000000000000000000000000000000000000FE"})
	require.NoError(t, err)

	isFee, reason := fc.Classify("uniswap_v3", poolAddr, "0x00000000000000000000000000000000000000fe", decimal.NewFromInt(1000))
	assert.True(t, isFee)
	assert.Equal(t, "wallet_denylisted", reason)

	isFee, _ = fc.Classify("fee locker", poolAddr, alice, decimal.NewFromInt(1000))
	assert.False(t, isFee, "large notional is never a pattern fee")
}

func TestNewFeeClassifier_BadPattern(t *testing.T) {
	_, err := NewFeeClassifier(decimal.Zero, []string{"("}, nil)
	assert.Error(t, err)
}
