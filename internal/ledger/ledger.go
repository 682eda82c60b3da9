// Package ledger maintains FIFO cost-basis positions per (wallet, token).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/observability"
	"dex-pnl-indexer/internal/provider"
	"dex-pnl-indexer/internal/storage"
)

// unitCostPrecision is the number of decimal places kept for per-token costs.
const unitCostPrecision = 18

var (
	// ErrInvalidTrade is returned for trades missing a leg ID, wallet, token or positive amount.
	ErrInvalidTrade = errors.New("invalid trade")

	// ErrFeeLeg is returned when a fee-flagged leg is passed to Apply.
	ErrFeeLeg = errors.New("fee legs have no ledger effect")
)

// Trade is one ledger mutation for a (wallet, token) pair.
type Trade struct {
	LegID    string
	Wallet   string
	Token    string
	Decimals int32
	Amount   *big.Int        // raw units of the tracked token
	PriceUSD decimal.Decimal // per whole token
	CostUSD  decimal.Decimal // buys only; zero means Amount × PriceUSD
	At       time.Time       // block time
}

// TradeFromLeg builds the ledger mutation for a non-fee leg.
func TradeFromLeg(l *domain.TradeLeg) Trade {
	t := Trade{
		LegID:    l.LegID,
		Wallet:   l.Wallet,
		Token:    l.TokenAddress,
		Decimals: l.TrackedDecimals(),
		Amount:   l.TrackedAmount(),
		PriceUSD: l.PriceUSD,
		At:       l.BlockTime,
	}
	if l.Side == domain.SideBuy {
		t.CostUSD = l.NotionalUSD
	}
	return t
}

func (t Trade) validate() error {
	if t.LegID == "" || t.Wallet == "" || t.Token == "" {
		return ErrInvalidTrade
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTrade)
	}
	return nil
}

// priced reports whether the trade carries a USD valuation.
func (t Trade) priced() bool {
	return t.PriceUSD.IsPositive() || t.CostUSD.IsPositive()
}

// Ledger applies buys and sells to persisted positions.
// Mutations of one (wallet, token) are serialized; each leg is applied at most once.
type Ledger struct {
	store  storage.PositionStore
	locks  *keyedMutex
	clock  provider.Clock
	logger zerolog.Logger
}

// Options configures a Ledger.
type Options struct {
	Store  storage.PositionStore
	Clock  provider.Clock
	Logger zerolog.Logger
}

// New creates a ledger backed by store.
func New(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger: position store is required")
	}
	l := &Ledger{
		store:  opts.Store,
		locks:  newKeyedMutex(),
		clock:  opts.Clock,
		logger: opts.Logger.With().Str("component", "ledger").Logger(),
	}
	if l.clock == nil {
		l.clock = provider.SystemClock{}
	}
	return l, nil
}

// Apply dispatches a stored leg to ApplyBuy or ApplySell.
func (l *Ledger) Apply(ctx context.Context, leg *domain.TradeLeg) (*domain.LedgerEntry, error) {
	if leg == nil {
		return nil, ErrInvalidTrade
	}
	if leg.IsFee {
		return nil, ErrFeeLeg
	}
	t := TradeFromLeg(leg)
	if leg.PriceSource == domain.PriceSourceNone {
		t.PriceUSD, t.CostUSD = decimal.Zero, decimal.Zero
	}
	switch leg.Side {
	case domain.SideBuy:
		return l.ApplyBuy(ctx, t)
	case domain.SideSell:
		return l.ApplySell(ctx, t)
	default:
		return nil, fmt.Errorf("%w: side %q", ErrInvalidTrade, leg.Side)
	}
}

// ApplyBuy opens a new lot with the trade's amount and cost basis.
func (l *Ledger) ApplyBuy(ctx context.Context, t Trade) (*domain.LedgerEntry, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(key(t.Wallet, t.Token))
	defer unlock()

	entry := l.newEntry(t, domain.SideBuy)
	if dup, err := l.alreadyApplied(ctx, entry); dup || err != nil {
		return entry, err
	}
	if !t.priced() {
		return l.recordUnpriced(ctx, entry)
	}

	pos, err := l.load(ctx, t)
	if err != nil {
		return nil, err
	}

	human := domain.ToHuman(t.Amount, t.Decimals)
	cost := t.CostUSD
	if !cost.IsPositive() {
		cost = t.PriceUSD.Mul(human)
	}
	unitCost := t.PriceUSD
	if human.IsPositive() {
		unitCost = cost.DivRound(human, unitCostPrecision)
	}

	pos.Lots = append(pos.Lots, &domain.Lot{
		LegID:     t.LegID,
		OpenedAt:  t.At,
		Original:  new(big.Int).Set(t.Amount),
		Remaining: new(big.Int).Set(t.Amount),
		UnitCost:  unitCost,
	})
	pos.Remaining.Add(pos.Remaining, t.Amount)
	pos.CostBasisUSD = pos.CostBasisUSD.Add(cost)
	pos.UpdatedAt = l.clock.Now()

	entry.Outcome = domain.OutcomeApplied
	entry.Consumed = new(big.Int).Set(t.Amount)

	return l.commit(ctx, pos, entry)
}

// ApplySell consumes lots oldest first and realizes (price - unit cost) on each.
// Selling more than the open lots hold records the excess as shortfall;
// selling with no open position records a skipped entry and changes nothing.
// A trade without a USD price records an unpriced entry and changes nothing.
func (l *Ledger) ApplySell(ctx context.Context, t Trade) (*domain.LedgerEntry, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(key(t.Wallet, t.Token))
	defer unlock()

	entry := l.newEntry(t, domain.SideSell)
	if dup, err := l.alreadyApplied(ctx, entry); dup || err != nil {
		return entry, err
	}
	if !t.priced() {
		return l.recordUnpriced(ctx, entry)
	}

	pos, err := l.load(ctx, t)
	if err != nil {
		return nil, err
	}

	if !pos.IsOpen() {
		entry.Outcome = domain.OutcomeSkipped
		entry.Shortfall = new(big.Int).Set(t.Amount)
		l.logger.Debug().
			Str("wallet", t.Wallet).
			Str("token", t.Token).
			Str("leg_id", t.LegID).
			Msg("sell without open position skipped")
		return l.commit(ctx, nil, entry)
	}

	need := new(big.Int).Set(t.Amount)
	consumed := new(big.Int)
	realized := decimal.Zero
	costReleased := decimal.Zero

	kept := pos.Lots[:0]
	for _, lot := range pos.Lots {
		if need.Sign() == 0 {
			kept = append(kept, lot)
			continue
		}

		take := new(big.Int).Set(lot.Remaining)
		if take.Cmp(need) > 0 {
			take.Set(need)
		}
		takeHuman := domain.ToHuman(take, pos.Decimals)

		realized = realized.Add(t.PriceUSD.Sub(lot.UnitCost).Mul(takeHuman))
		costReleased = costReleased.Add(lot.UnitCost.Mul(takeHuman))

		lot.Remaining.Sub(lot.Remaining, take)
		need.Sub(need, take)
		consumed.Add(consumed, take)

		if lot.Remaining.Sign() > 0 {
			kept = append(kept, lot)
		}
	}
	pos.Lots = kept

	pos.Remaining.Sub(pos.Remaining, consumed)
	if len(pos.Lots) == 0 {
		pos.CostBasisUSD = decimal.Zero
	} else {
		pos.CostBasisUSD = pos.CostBasisUSD.Sub(costReleased)
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.UpdatedAt = l.clock.Now()

	entry.Consumed = consumed
	entry.RealizedPnL = realized
	entry.Outcome = domain.OutcomeApplied
	if need.Sign() > 0 {
		entry.Outcome = domain.OutcomePartial
		entry.Shortfall = need
		l.logger.Warn().
			Str("wallet", t.Wallet).
			Str("token", t.Token).
			Str("leg_id", t.LegID).
			Str("shortfall", need.String()).
			Msg("sell exceeds open lots")
	}

	return l.commit(ctx, pos, entry)
}

// Position returns the current position, or an empty one if none exists.
func (l *Ledger) Position(ctx context.Context, wallet, token string) (*domain.Position, error) {
	pos, err := l.store.Get(ctx, wallet, token)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewPosition(wallet, token, 0), nil
	}
	return pos, err
}

// UnrealizedPnL values the open lots of (wallet, token) at price.
func (l *Ledger) UnrealizedPnL(ctx context.Context, wallet, token string, price decimal.Decimal) (decimal.Decimal, error) {
	pos, err := l.Position(ctx, wallet, token)
	if err != nil {
		return decimal.Zero, err
	}
	return UnrealizedPnL(pos, price), nil
}

// UnrealizedPnL returns (price - average remaining cost) × remaining amount.
func UnrealizedPnL(pos *domain.Position, price decimal.Decimal) decimal.Decimal {
	if !pos.IsOpen() {
		return decimal.Zero
	}
	return price.Mul(pos.RemainingHuman()).Sub(pos.CostBasisUSD)
}

func (l *Ledger) newEntry(t Trade, side domain.Side) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		LegID:        t.LegID,
		Wallet:       t.Wallet,
		TokenAddress: t.Token,
		Side:         side,
		Amount:       new(big.Int).Set(t.Amount),
		Consumed:     new(big.Int),
		Shortfall:    new(big.Int),
		PriceUSD:     t.PriceUSD,
		RealizedPnL:  decimal.Zero,
		BlockTime:    t.At,
		AppliedAt:    l.clock.Now(),
	}
}

func (l *Ledger) alreadyApplied(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	applied, err := l.store.IsApplied(ctx, entry.LegID)
	if err != nil {
		return false, fmt.Errorf("check applied leg %s: %w", entry.LegID, err)
	}
	if applied {
		entry.Outcome = domain.OutcomeDuplicate
		observability.RecordLedgerOutcome(string(entry.Side), string(entry.Outcome))
	}
	return applied, nil
}

// recordUnpriced marks the leg as seen without touching the position, so a zero
// price never opens a free lot or books a loss.
func (l *Ledger) recordUnpriced(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	entry.Outcome = domain.OutcomeUnpriced
	l.logger.Warn().
		Str("wallet", entry.Wallet).
		Str("token", entry.TokenAddress).
		Str("leg_id", entry.LegID).
		Str("side", string(entry.Side)).
		Msg("leg has no USD price, ledger unchanged")
	return l.commit(ctx, nil, entry)
}

func (l *Ledger) load(ctx context.Context, t Trade) (*domain.Position, error) {
	pos, err := l.store.Get(ctx, t.Wallet, t.Token)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.NewPosition(t.Wallet, t.Token, t.Decimals), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s/%s: %w", t.Wallet, t.Token, err)
	}
	return pos, nil
}

func (l *Ledger) commit(ctx context.Context, pos *domain.Position, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	err := l.store.Apply(ctx, pos, entry)
	if errors.Is(err, storage.ErrDuplicateKey) {
		// Another writer applied the leg between the check and the write.
		entry.Outcome = domain.OutcomeDuplicate
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist leg %s: %w", entry.LegID, err)
	}
	observability.RecordLedgerOutcome(string(entry.Side), string(entry.Outcome))
	return entry, nil
}

func key(wallet, token string) string {
	return wallet + "|" + token
}
