package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-pnl-indexer/internal/aggregation"
	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/evm/stub"
	"dex-pnl-indexer/internal/ledger"
	"dex-pnl-indexer/internal/pricing"
	"dex-pnl-indexer/internal/provider"
	"dex-pnl-indexer/internal/status"
	"dex-pnl-indexer/internal/storage"
	"dex-pnl-indexer/internal/storage/memory"
	"dex-pnl-indexer/internal/tradesource"
)

const (
	tokenAddr = "0x1111111111111111111111111111111111111111"
	otherAddr = "0x2222222222222222222222222222222222222222"
	usdcAddr  = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	poolAddr  = "0x00000000000000000000000000000000000000d1"
	alice     = "0x00000000000000000000000000000000000a11ce"
	bob       = "0x0000000000000000000000000000000000000b0b"
)

var (
	t0      = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tracked = domain.TrackedToken{Address: tokenAddr, Symbol: "TKN", Decimals: 18}
	other   = domain.TrackedToken{Address: otherAddr, Symbol: "OTH", Decimals: 18}
)

func units(n string, decimals int32) *big.Int {
	return domain.ToRaw(decimal.RequireFromString(n), decimals)
}

func hash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// trade builds a group with one leg where wallet buys (or sells) tokens of
// token against usdc USDC.
func trade(n int, at time.Time, token, wallet string, buy bool, tokens, usdc string) tradesource.TransactionGroup {
	leg := tradesource.RawTradeLeg{
		BlockNumber:     uint64(1000 + n),
		BlockTime:       at,
		TxHash:          hash(n),
		Protocol:        "uniswap_v2",
		ProtocolAddress: poolAddr,
		Buy:             tradesource.Currency{Address: token, Decimals: 18},
		BuyAmount:       units(tokens, 18),
		Buyer:           wallet,
		Sell:            tradesource.Currency{Address: usdcAddr, Decimals: 6},
		SellAmount:      units(usdc, 6),
		Seller:          wallet,
	}
	if !buy {
		leg.Buy, leg.Sell = leg.Sell, leg.Buy
		leg.BuyAmount, leg.SellAmount = units(usdc, 6), units(tokens, 18)
	}
	return tradesource.TransactionGroup{
		TxHash:      leg.TxHash,
		BlockNumber: leg.BlockNumber,
		BlockTime:   at,
		TxFrom:      wallet,
		Legs:        []tradesource.RawTradeLeg{leg},
	}
}

func feeTrade(n int, at time.Time) tradesource.TransactionGroup {
	g := trade(n, at, tokenAddr, bob, true, "10", "0.30")
	g.Legs[0].Protocol = "Clanker FeeLocker"
	return g
}

type sourceCall struct {
	token    string
	from, to time.Time
}

// fakeSource replays fixed pages per token.
type fakeSource struct {
	mu    sync.Mutex
	pages map[string][]tradesource.Page
	errs  map[string]error
	calls []sourceCall
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: map[string][]tradesource.Page{}, errs: map[string]error{}}
}

func (f *fakeSource) FetchAllTrades(ctx context.Context, token string, from, to time.Time, handler tradesource.PageHandler) error {
	f.mu.Lock()
	f.calls = append(f.calls, sourceCall{token, from, to})
	pages, err := f.pages[token], f.errs[token]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	for _, p := range pages {
		if !from.IsZero() && !p.NextStart.After(from) {
			continue
		}
		if err := handler(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// countingLegStore counts InsertBulk calls.
type countingLegStore struct {
	*memory.TradeLegStore
	mu      sync.Mutex
	batches []int
}

func (s *countingLegStore) InsertBulk(ctx context.Context, legs []*domain.TradeLeg) (int, error) {
	s.mu.Lock()
	s.batches = append(s.batches, len(legs))
	s.mu.Unlock()
	return s.TradeLegStore.InsertBulk(ctx, legs)
}

type fixture struct {
	source    *fakeSource
	txs       *memory.TransactionStore
	legs      *countingLegStore
	positions *memory.PositionStore
	cursors   *memory.CursorStore
	tokens    *memory.TokenStore
	audit     *memory.TradeLegStore
	clock     *provider.ManualClock
}

func newFixture() *fixture {
	return &fixture{
		source:    newFakeSource(),
		txs:       memory.NewTransactionStore(),
		legs:      &countingLegStore{TradeLegStore: memory.NewTradeLegStore()},
		positions: memory.NewPositionStore(),
		cursors:   memory.NewCursorStore(),
		tokens:    memory.NewTokenStore(),
		audit:     memory.NewTradeLegStore(),
		clock:     provider.NewManualClock(t0.Add(24 * time.Hour)),
	}
}

func (f *fixture) orchestrator(t *testing.T, mutate ...func(*Options)) *Orchestrator {
	t.Helper()

	fees, err := aggregation.NewFeeClassifier(decimal.RequireFromString("0.50"), []string{`fee.?locker`}, nil)
	require.NoError(t, err)

	agg := aggregation.New(aggregation.Options{
		Excluded: aggregation.NewAddressSet([]string{poolAddr}),
		Pricer: pricing.NewResolver(pricing.Options{
			Stablecoins: []string{usdcAddr},
			Cache:       pricing.NewTTLCache(time.Minute, f.clock),
			Logger:      zerolog.Nop(),
		}),
		Fees:   fees,
		Client: stub.NewClient(),
		Logger: zerolog.Nop(),
	})

	l, err := ledger.New(ledger.Options{Store: f.positions, Clock: f.clock, Logger: zerolog.Nop()})
	require.NoError(t, err)

	opts := Options{
		Source:       f.source,
		Aggregator:   agg,
		Ledger:       l,
		Transactions: f.txs,
		Legs:         f.legs,
		Cursors:      f.cursors,
		Tokens:       f.tokens,
		Audit:        f.audit,
		Tracker:      status.NewTracker(status.Options{Clock: f.clock}),
		Clock:        f.clock,
		Logger:       zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}

	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func basicPage() tradesource.Page {
	return tradesource.Page{
		Index:       1,
		WindowStart: t0,
		WindowEnd:   t0.Add(7 * 24 * time.Hour),
		NextStart:   t0.Add(2*time.Hour + time.Second),
		Groups: []tradesource.TransactionGroup{
			trade(1, t0, tokenAddr, alice, true, "1000000", "10000"),
			trade(2, t0.Add(time.Hour), tokenAddr, alice, false, "400000", "8000"),
			feeTrade(3, t0.Add(2*time.Hour)),
		},
	}
}

func TestRunAll_EndToEnd(t *testing.T) {
	f := newFixture()
	f.source.pages[tokenAddr] = []tradesource.Page{basicPage()}
	o := f.orchestrator(t)
	ctx := context.Background()

	run, err := o.RunAll(ctx, []domain.TrackedToken{tracked})
	require.NoError(t, err)
	require.Len(t, run.Tokens, 1)
	assert.NotEmpty(t, run.RunID)
	assert.Zero(t, run.Failed())

	res := run.Tokens[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 3, res.Transactions)
	assert.Equal(t, 3, res.Legs)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.FeeLegs)
	assert.Equal(t, 1, res.Wallets, "fee wallet is not counted")
	assert.Equal(t, 2, res.Outcomes[domain.OutcomeApplied])

	pos, err := f.positions.Get(ctx, alice, tokenAddr)
	require.NoError(t, err)
	assert.Equal(t, 0, pos.Remaining.Cmp(units("600000", 18)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(4000)), "got %s", pos.RealizedPnL)
	assert.Equal(t, 0, pos.LotSum().Cmp(pos.Remaining))

	// Fee leg is stored for audit but never reaches the ledger.
	_, err = f.positions.Get(ctx, bob, tokenAddr)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	feeLegs, err := f.legs.GetByWallet(ctx, bob, tokenAddr)
	require.NoError(t, err)
	require.Len(t, feeLegs, 1)
	assert.True(t, feeLegs[0].IsFee)

	auditCount, _ := f.audit.CountByToken(ctx, tokenAddr)
	assert.Equal(t, 3, auditCount)

	cursor, err := f.cursors.Get(ctx, tokenAddr)
	require.NoError(t, err)
	assert.True(t, cursor.CoveredUntil.Equal(basicPage().NextStart))
	assert.Equal(t, hash(3), cursor.LastTxHash)
	assert.Equal(t, int64(1), cursor.Pages)

	stored, _ := f.tokens.Get(ctx, tokenAddr)
	require.NotNil(t, stored)
	assert.Equal(t, "TKN", stored.Symbol)

	snap := o.Tracker().Snapshot()
	assert.False(t, snap.Running)
	require.Len(t, snap.Tokens, 1)
	assert.Equal(t, status.PhaseDone, snap.Tokens[0].Phase)
	assert.Equal(t, int64(3), snap.Legs)
	assert.Equal(t, int64(1), snap.FeeLegs)
	assert.Equal(t, int64(1), snap.Wallets)
}

func TestRunAll_ReingestionIsIdempotent(t *testing.T) {
	f := newFixture()
	f.source.pages[tokenAddr] = []tradesource.Page{basicPage()}
	ctx := context.Background()

	_, err := f.orchestrator(t).RunAll(ctx, []domain.TrackedToken{tracked})
	require.NoError(t, err)

	// Lose the cursor so the same page is processed again.
	f.cursors = memory.NewCursorStore()
	run, err := f.orchestrator(t).RunAll(ctx, []domain.TrackedToken{tracked})
	require.NoError(t, err)

	res := run.Tokens[0]
	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Outcomes[domain.OutcomeDuplicate])

	legCount, _ := f.legs.CountByToken(ctx, tokenAddr)
	assert.Equal(t, 3, legCount)
	txCount, _ := f.txs.CountByToken(ctx, tokenAddr)
	assert.Equal(t, 3, txCount)

	pos, err := f.positions.Get(ctx, alice, tokenAddr)
	require.NoError(t, err)
	assert.Equal(t, 0, pos.Remaining.Cmp(units("600000", 18)))
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(4000)))
}

func TestSyncToken_ResumesFromCursor(t *testing.T) {
	f := newFixture()
	f.source.pages[tokenAddr] = []tradesource.Page{basicPage()}
	ctx := context.Background()

	resume := t0.Add(30 * time.Minute)
	require.NoError(t, f.cursors.Upsert(ctx, &domain.SyncCursor{TokenAddress: tokenAddr, CoveredUntil: resume, Pages: 4}))

	res := f.orchestrator(t).SyncToken(ctx, tracked)
	require.NoError(t, res.Err)

	require.Equal(t, 1, f.source.callCount())
	assert.True(t, f.source.calls[0].from.Equal(resume))
	assert.True(t, f.source.calls[0].to.Equal(f.clock.Now().UTC()))

	cursor, err := f.cursors.Get(ctx, tokenAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor.Pages)
}

func TestSyncToken_UpToDateSkipsSource(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.cursors.Upsert(ctx, &domain.SyncCursor{TokenAddress: tokenAddr, CoveredUntil: f.clock.Now()}))

	res := f.orchestrator(t).SyncToken(ctx, tracked)
	require.NoError(t, res.Err)
	assert.Zero(t, f.source.callCount())
}

func TestRunAll_TokenFailureIsolated(t *testing.T) {
	f := newFixture()
	f.source.pages[tokenAddr] = []tradesource.Page{basicPage()}
	f.source.errs[otherAddr] = errors.New("upstream exploded")
	ctx := context.Background()

	o := f.orchestrator(t)
	run, err := o.RunAll(ctx, []domain.TrackedToken{tracked, other})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failed())

	require.NoError(t, run.Tokens[0].Err)
	assert.Error(t, run.Tokens[1].Err)

	n, _ := f.legs.CountByToken(ctx, tokenAddr)
	assert.Equal(t, 3, n)

	_, err = f.cursors.Get(ctx, otherAddr)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	snap := o.Tracker().Snapshot()
	require.Len(t, snap.Tokens, 2)
	assert.Equal(t, status.PhaseFailed, snap.Tokens[1].Phase)
	assert.Contains(t, snap.Tokens[1].Error, "upstream exploded")
}

func TestSyncToken_BatchesGroups(t *testing.T) {
	f := newFixture()
	page := tradesource.Page{Index: 1, WindowStart: t0, NextStart: t0.Add(time.Hour)}
	for i := 0; i < 120; i++ {
		page.Groups = append(page.Groups, trade(i+1, t0.Add(time.Duration(i)*time.Second), tokenAddr, alice, true, "1", "1"))
	}
	f.source.pages[tokenAddr] = []tradesource.Page{page}

	res := f.orchestrator(t).SyncToken(context.Background(), tracked)
	require.NoError(t, res.Err)
	assert.Equal(t, []int{50, 50, 20}, f.legs.batches)
	assert.Equal(t, 120, res.Outcomes[domain.OutcomeApplied])
}

func TestSyncToken_LedgerAppliesInTimeOrder(t *testing.T) {
	f := newFixture()
	page := basicPage()
	// Sell listed first but happens after the buy.
	page.Groups[0], page.Groups[1] = page.Groups[1], page.Groups[0]
	f.source.pages[tokenAddr] = []tradesource.Page{page}
	ctx := context.Background()

	res := f.orchestrator(t).SyncToken(ctx, tracked)
	require.NoError(t, res.Err)
	assert.Zero(t, res.Outcomes[domain.OutcomeSkipped])

	pos, err := f.positions.Get(ctx, alice, tokenAddr)
	require.NoError(t, err)
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(4000)))
}

func TestSyncToken_SellWithoutPositionSkipped(t *testing.T) {
	f := newFixture()
	f.source.pages[tokenAddr] = []tradesource.Page{{
		Index:     1,
		NextStart: t0.Add(time.Second),
		Groups:    []tradesource.TransactionGroup{trade(9, t0, tokenAddr, alice, false, "5", "5")},
	}}
	ctx := context.Background()

	res := f.orchestrator(t).SyncToken(ctx, tracked)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Outcomes[domain.OutcomeSkipped])
	assert.Equal(t, 1, res.Legs, "sell is still recorded as a leg")

	_, err := f.positions.Get(ctx, alice, tokenAddr)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSyncToken_UnpricedLegKeptOutOfLedger(t *testing.T) {
	f := newFixture()
	g := trade(10, t0, tokenAddr, alice, true, "100", "1")
	g.Legs[0].Sell = tradesource.Currency{Address: "0x3333333333333333333333333333333333333333", Decimals: 18}
	g.Legs[0].SellAmount = units("1", 18)
	f.source.pages[tokenAddr] = []tradesource.Page{{
		Index:     1,
		NextStart: t0.Add(time.Second),
		Groups:    []tradesource.TransactionGroup{g},
	}}
	ctx := context.Background()

	res := f.orchestrator(t).SyncToken(ctx, tracked)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Legs)
	assert.Equal(t, 1, res.Outcomes[domain.OutcomeUnpriced])
	assert.Zero(t, res.Outcomes[domain.OutcomeApplied])

	_, err := f.positions.Get(ctx, alice, tokenAddr)
	assert.ErrorIs(t, err, storage.ErrNotFound, "no zero-cost lot opened")

	legs, err := f.legs.GetByTxHash(ctx, g.TxHash)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, domain.PriceSourceNone, legs[0].PriceSource)

	applied, err := f.positions.IsApplied(ctx, legs[0].LegID)
	require.NoError(t, err)
	assert.True(t, applied, "recorded so a replay is a duplicate")
}

func TestLoop_StopsOnCancel(t *testing.T) {
	f := newFixture()
	f.source.pages[tokenAddr] = []tradesource.Page{basicPage()}

	o := f.orchestrator(t, func(opts *Options) { opts.Interval = 10 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Loop(ctx, []domain.TrackedToken{tracked}) }()

	require.Eventually(t, func() bool { return f.source.callCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Loop did not return after cancel")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
