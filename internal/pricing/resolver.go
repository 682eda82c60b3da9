// Package pricing derives USD prices and notionals for trade legs.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/observability"
	"dex-pnl-indexer/internal/storage"
)

// ErrNoPrice is returned when no resolution step produced a price.
var ErrNoPrice = errors.New("no price available")

// Persistence bounds for monetary values.
var (
	MaxAbsUSD = decimal.New(1, 15)
	MaxPrice  = decimal.New(1, 12)
)

// divisionPrecision is the scale used for price ratios.
const divisionPrecision = 18

// Input describes one leg to price. Amounts are raw integers in smallest units.
type Input struct {
	Token         string
	TokenAmount   *big.Int
	TokenDecimals int32

	Counter         string
	CounterAmount   *big.Int
	CounterDecimals int32

	// CounterUSD is the source-reported USD value of the counter side, if any.
	CounterUSD decimal.NullDecimal
}

// Quote is a resolved price.
type Quote struct {
	PriceUSD    decimal.Decimal // per whole tracked token
	NotionalUSD decimal.Decimal
	Source      domain.PriceSource
}

// Resolver prices legs: implied USD, then counter-asset ratio, then current price.
type Resolver struct {
	stablecoins map[string]bool
	market      MarketSource
	cache       Cache
	logger      zerolog.Logger

	mu        sync.RWMutex
	lastTrade map[string]decimal.Decimal
}

// Options contains configuration for creating a Resolver.
type Options struct {
	Stablecoins []string
	Market      MarketSource // optional
	Cache       Cache        // required
	Logger      zerolog.Logger
}

// NewResolver creates a price resolver.
func NewResolver(opts Options) *Resolver {
	stables := make(map[string]bool, len(opts.Stablecoins))
	for _, s := range opts.Stablecoins {
		stables[domain.NormalizeAddress(s)] = true
	}
	return &Resolver{
		stablecoins: stables,
		market:      opts.Market,
		cache:       opts.Cache,
		logger:      opts.Logger.With().Str("component", "pricing").Logger(),
		lastTrade:   make(map[string]decimal.Decimal),
	}
}

// PriceFor resolves the USD price of in's tracked token and the leg's USD notional.
// When nothing resolves, a zero quote with source "none" is returned with ErrNoPrice.
func (r *Resolver) PriceFor(ctx context.Context, in Input) (Quote, error) {
	token := domain.NormalizeAddress(in.Token)
	tokenHuman := domain.ToHuman(in.TokenAmount, in.TokenDecimals)
	if !tokenHuman.IsPositive() {
		return Quote{Source: domain.PriceSourceNone}, fmt.Errorf("%w: zero tracked amount", ErrNoPrice)
	}

	// 1. Source-reported USD value of the counter side.
	if in.CounterUSD.Valid && in.CounterUSD.Decimal.IsPositive() {
		q := r.quote(in.CounterUSD.Decimal.DivRound(tokenHuman, divisionPrecision), tokenHuman, domain.PriceSourceImpliedUSD)
		r.remember(token, q.PriceUSD)
		return q, nil
	}

	// 2. Swap ratio times the counter asset's USD price.
	counterHuman := domain.ToHuman(in.CounterAmount, in.CounterDecimals)
	if counterHuman.IsPositive() && in.Counter != "" {
		counterPrice, err := r.usdPrice(ctx, in.Counter)
		if err == nil {
			ratio := counterHuman.DivRound(tokenHuman, divisionPrecision)
			q := r.quote(ratio.Mul(counterPrice), tokenHuman, domain.PriceSourceRatio)
			r.remember(token, q.PriceUSD)
			return q, nil
		}
		r.logger.Debug().Err(err).Str("counter", in.Counter).Msg("counter asset unpriced")
	}

	// 3. Tracked token's current or last-known price.
	if price, src, err := r.currentPrice(ctx, token); err == nil {
		return r.quote(price, tokenHuman, src), nil
	}

	observability.RecordPriceSource(string(domain.PriceSourceNone))
	return Quote{Source: domain.PriceSourceNone}, fmt.Errorf("%s: %w", token, ErrNoPrice)
}

// CurrentPrice returns token's current USD price from the market snapshot or,
// failing that, the last price observed in a trade.
func (r *Resolver) CurrentPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	price, _, err := r.currentPrice(ctx, domain.NormalizeAddress(token))
	return price, err
}

func (r *Resolver) currentPrice(ctx context.Context, token string) (decimal.Decimal, domain.PriceSource, error) {
	price, err := r.usdPrice(ctx, token)
	if err == nil {
		return price, domain.PriceSourceMarket, nil
	}

	r.mu.RLock()
	last, ok := r.lastTrade[token]
	r.mu.RUnlock()
	if ok {
		return last, domain.PriceSourceFallback, nil
	}
	return decimal.Zero, domain.PriceSourceNone, err
}

// usdPrice returns an asset's USD price: 1 for stablecoins, else cache then market.
func (r *Resolver) usdPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	asset = domain.NormalizeAddress(asset)
	if r.stablecoins[asset] {
		return decimal.NewFromInt(1), nil
	}

	key := "price:" + asset
	if price, ok := r.cache.Get(ctx, key); ok {
		return price, nil
	}

	if r.market == nil {
		return decimal.Zero, fmt.Errorf("%s: %w", asset, ErrNoMarket)
	}
	price, err := r.market.Price(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	price = ClampPrice(price)
	r.cache.Set(ctx, key, price)
	return price, nil
}

func (r *Resolver) quote(price, tokenHuman decimal.Decimal, source domain.PriceSource) Quote {
	price = ClampPrice(price)
	observability.RecordPriceSource(string(source))
	return Quote{
		PriceUSD:    price,
		NotionalUSD: ClampUSD(price.Mul(tokenHuman)),
		Source:      source,
	}
}

// PricedLegs finds the newest stored leg of a token priced from the trade itself.
type PricedLegs interface {
	LatestPriced(ctx context.Context, token string) (*domain.TradeLeg, error)
}

// SeedLastPrices restores each token's last traded price from stored legs so the
// fallback step survives a restart. Tokens with no priced leg are left unset;
// prices already observed in this process are kept.
func (r *Resolver) SeedLastPrices(ctx context.Context, legs PricedLegs, tokens []string) (int, error) {
	seeded := 0
	for _, t := range tokens {
		token := domain.NormalizeAddress(t)
		leg, err := legs.LatestPriced(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return seeded, fmt.Errorf("latest priced leg of %s: %w", token, err)
		}
		if !leg.PriceUSD.IsPositive() {
			continue
		}

		r.mu.Lock()
		if _, ok := r.lastTrade[token]; !ok {
			r.lastTrade[token] = ClampPrice(leg.PriceUSD)
			seeded++
		}
		r.mu.Unlock()
		r.logger.Debug().Str("token", token).Str("price", leg.PriceUSD.String()).Time("at", leg.BlockTime).Msg("last trade price restored")
	}
	return seeded, nil
}

func (r *Resolver) remember(token string, price decimal.Decimal) {
	r.mu.Lock()
	r.lastTrade[token] = price
	r.mu.Unlock()
}

// ClampUSD bounds a USD amount to [-1e15, 1e15].
func ClampUSD(v decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(MaxAbsUSD) {
		return MaxAbsUSD
	}
	if v.LessThan(MaxAbsUSD.Neg()) {
		return MaxAbsUSD.Neg()
	}
	return v
}

// ClampPrice bounds a unit price to [0, 1e12].
func ClampPrice(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return v
}
