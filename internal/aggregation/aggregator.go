// Package aggregation turns trade source transaction groups into priced, wallet-attributed
// trade legs and per-transaction aggregates.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/evm"
	"dex-pnl-indexer/internal/idhash"
	"dex-pnl-indexer/internal/observability"
	"dex-pnl-indexer/internal/pricing"
	"dex-pnl-indexer/internal/provider"
	"dex-pnl-indexer/internal/tradesource"
)

// Pricer prices one leg.
type Pricer interface {
	PriceFor(ctx context.Context, in pricing.Input) (pricing.Quote, error)
}

// Aggregator normalizes transaction groups for one tracked token at a time.
type Aggregator struct {
	resolvers []WalletResolver
	pricer    Pricer
	fees      *FeeClassifier
	client    evm.Client
	logger    zerolog.Logger
}

// Options contains configuration for creating an Aggregator.
type Options struct {
	Resolvers []WalletResolver // defaults to DefaultResolvers(Excluded)
	Excluded  AddressSet
	Pricer    Pricer
	Fees      *FeeClassifier
	Client    evm.Client // chain reads for transfer lookback and tx sender
	Logger    zerolog.Logger
}

// New creates an Aggregator.
func New(opts Options) *Aggregator {
	resolvers := opts.Resolvers
	if len(resolvers) == 0 {
		excluded := opts.Excluded
		if excluded == nil {
			excluded = NewAddressSet(nil)
		}
		resolvers = DefaultResolvers(excluded)
	}
	fees := opts.Fees
	if fees == nil {
		fees, _ = NewFeeClassifier(decimal.Zero, nil, nil)
	}
	return &Aggregator{
		resolvers: resolvers,
		pricer:    opts.Pricer,
		fees:      fees,
		client:    opts.Client,
		logger:    opts.Logger.With().Str("component", "aggregation").Logger(),
	}
}

// Result is the normalized form of one transaction group.
type Result struct {
	Transaction *domain.Transaction // nil when no leg touched the tracked token
	Legs        []*domain.TradeLeg  // fee legs included, flagged
	Discarded   int                 // legs not touching the tracked token
	Skipped     int                 // legs that could not be normalized
}

// ErrLookupUnavailable is returned when a wallet strategy could not reach the chain.
// The whole group fails so it is retried later instead of being attributed by a
// weaker strategy.
var ErrLookupUnavailable = errors.New("wallet lookup unavailable")

// Aggregate normalizes group for token. Context cancellation and ErrLookupUnavailable
// are returned as errors; other per-leg problems are logged and counted.
func (a *Aggregator) Aggregate(ctx context.Context, token domain.TrackedToken, group *tradesource.TransactionGroup) (*Result, error) {
	log := a.logger.With().Str("token", token.Address).Str("tx", group.TxHash).Logger()
	scope := &txScope{client: a.client, token: token.Address, group: group}
	res := &Result{}

	for i := range group.Legs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw := &group.Legs[i]
		leg, err := a.normalize(ctx, token, group, raw, scope, log)
		if err != nil {
			if errors.Is(err, errNotTracked) {
				res.Discarded++
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrLookupUnavailable) {
				return nil, err
			}
			res.Skipped++
			log.Warn().Err(err).Msg("skipping leg")
			continue
		}
		res.Legs = append(res.Legs, leg)
	}

	if len(res.Legs) == 0 {
		return res, nil
	}

	res.Transaction = a.buildTransaction(ctx, token, group, scope, res.Legs)

	var buys, sells, fees int
	for _, l := range res.Legs {
		switch {
		case l.IsFee:
			fees++
		case l.Side == domain.SideBuy:
			buys++
		default:
			sells++
		}
	}
	observability.RecordTransaction(token.Address, buys, sells, fees)

	return res, nil
}

var (
	errNotTracked = errors.New("leg does not touch tracked token")
	errZeroAmount = errors.New("zero tracked amount")
	errNoWallet   = errors.New("no wallet resolved")
)

func (a *Aggregator) normalize(ctx context.Context, token domain.TrackedToken, group *tradesource.TransactionGroup,
	raw *tradesource.RawTradeLeg, scope *txScope, log zerolog.Logger) (*domain.TradeLeg, error) {

	var (
		side                   domain.Side
		in, out                tradesource.Currency
		inAmount, outAmount    *big.Int
		trackedUSD, counterUSD decimal.NullDecimal
	)

	// TokenIn is what the wallet gave, TokenOut what it received.
	switch {
	case raw.Buy.Address == token.Address && raw.Sell.Address != token.Address:
		side = domain.SideBuy
		in, inAmount = raw.Sell, raw.SellAmount
		out, outAmount = raw.Buy, raw.BuyAmount
		trackedUSD, counterUSD = raw.BuyAmountUSD, raw.SellAmountUSD
	case raw.Sell.Address == token.Address && raw.Buy.Address != token.Address:
		side = domain.SideSell
		in, inAmount = raw.Sell, raw.SellAmount
		out, outAmount = raw.Buy, raw.BuyAmount
		trackedUSD, counterUSD = raw.SellAmountUSD, raw.BuyAmountUSD
	default:
		return nil, errNotTracked
	}

	tracked := outAmount
	if side == domain.SideSell {
		tracked = inAmount
	}
	if tracked == nil || tracked.Sign() <= 0 {
		return nil, errZeroAmount
	}

	// Configured decimals win over what the source reported.
	if token.Decimals >= 0 {
		if side == domain.SideBuy {
			out.Decimals = token.Decimals
		} else {
			in.Decimals = token.Decimals
		}
	}

	lc := &LegContext{
		Token:  token.Address,
		Side:   side,
		Amount: tracked,
		Leg:    raw,
		Group:  group,
		tx:     scope,
	}
	wallet, source, err := a.resolveWallet(ctx, lc, log)
	if err != nil {
		return nil, err
	}

	leg := &domain.TradeLeg{
		LegID:            idhash.ComputeLegID(group.TxHash, token.Address, side.String(), raw.Signature()),
		TxHash:           group.TxHash,
		BlockNumber:      raw.BlockNumber,
		BlockTime:        raw.BlockTime,
		Side:             side,
		Wallet:           wallet,
		WalletSource:     source,
		TokenAddress:     token.Address,
		TokenInAddress:   in.Address,
		TokenInAmount:    inAmount,
		TokenInDecimals:  in.Decimals,
		TokenOutAddress:  out.Address,
		TokenOutAmount:   outAmount,
		TokenOutDecimals: out.Decimals,
		Protocol:         raw.Protocol,
		PriceSource:      domain.PriceSourceNone,
	}

	if a.pricer != nil {
		usd := counterUSD
		if !usd.Valid {
			usd = trackedUSD
		}
		counter, counterAmount, counterDecimals := leg.CounterAsset()
		quote, err := a.pricer.PriceFor(ctx, pricing.Input{
			Token:           token.Address,
			TokenAmount:     tracked,
			TokenDecimals:   leg.TrackedDecimals(),
			Counter:         counter,
			CounterAmount:   counterAmount,
			CounterDecimals: counterDecimals,
			CounterUSD:      usd,
		})
		if err != nil {
			log.Warn().Err(err).Str("leg", leg.LegID).Msg("leg left unpriced")
		}
		leg.PriceUSD = quote.PriceUSD
		leg.NotionalUSD = quote.NotionalUSD
		leg.PriceSource = quote.Source
	}

	if isFee, reason := a.fees.Classify(raw.Protocol, raw.ProtocolAddress, wallet, leg.NotionalUSD); isFee {
		leg.IsFee = true
		log.Debug().
			Str("leg", leg.LegID).
			Str("protocol", raw.Protocol).
			Str("notional_usd", leg.NotionalUSD.String()).
			Str("reason", reason).
			Msg("leg classified as protocol fee")
	}

	return leg, nil
}

// resolveWallet walks the strategy list and returns the first confident answer.
// A retryable failure stops the walk; only a terminal failure or a decline moves on.
func (a *Aggregator) resolveWallet(ctx context.Context, lc *LegContext, log zerolog.Logger) (string, domain.WalletSource, error) {
	for _, r := range a.resolvers {
		wallet, ok, err := r.Resolve(ctx, lc)
		if err != nil {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			if provider.Classify(err).IsRetryable() {
				return "", "", fmt.Errorf("%w: %s: %w", ErrLookupUnavailable, r.Source(), err)
			}
			log.Debug().Err(err).Str("strategy", string(r.Source())).Msg("wallet strategy failed")
			continue
		}
		if ok {
			return wallet, r.Source(), nil
		}
	}
	return "", "", errNoWallet
}

func (a *Aggregator) buildTransaction(ctx context.Context, token domain.TrackedToken, group *tradesource.TransactionGroup,
	scope *txScope, legs []*domain.TradeLeg) *domain.Transaction {

	tx := &domain.Transaction{
		Hash:         group.TxHash,
		TokenAddress: token.Address,
		BlockNumber:  group.BlockNumber,
		BlockTime:    group.BlockTime,
		TokenIn:      make(map[string]*big.Int),
		TokenOut:     make(map[string]*big.Int),
		NotionalUSD:  decimal.Zero,
		LegCount:     len(legs),
	}
	if sender, err := scope.sender(ctx); err == nil {
		tx.Initiator = sender
	}

	protocols := map[string]bool{}
	for _, l := range legs {
		if l.Protocol != "" {
			protocols[l.Protocol] = true
		}
		if l.IsFee {
			tx.FeeLegCount++
			continue
		}
		addAmount(tx.TokenIn, l.TokenInAddress, l.TokenInAmount)
		addAmount(tx.TokenOut, l.TokenOutAddress, l.TokenOutAmount)
		tx.NotionalUSD = tx.NotionalUSD.Add(l.NotionalUSD)
	}
	for p := range protocols {
		tx.Protocols = append(tx.Protocols, p)
	}
	sort.Strings(tx.Protocols)
	tx.NotionalUSD = pricing.ClampUSD(tx.NotionalUSD)

	return tx
}

func addAmount(m map[string]*big.Int, addr string, amount *big.Int) {
	if amount == nil {
		return
	}
	cur, ok := m[addr]
	if !ok {
		cur = new(big.Int)
		m[addr] = cur
	}
	cur.Add(cur, amount)
}
