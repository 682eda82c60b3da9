package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/provider"
)

// ErrNoMarket is returned when no trading pair quotes a token.
var ErrNoMarket = errors.New("no market for token")

// MarketSource returns a token's current USD price.
type MarketSource interface {
	Price(ctx context.Context, token string) (decimal.Decimal, error)
}

// DexScreener reads pair snapshots from the DexScreener tokens endpoint and picks the
// pair with the greatest USD liquidity.
type DexScreener struct {
	baseURL string
	chainID string
	client  *http.Client
}

var _ MarketSource = (*DexScreener)(nil)

// NewDexScreener creates a market client. chainID filters pairs ("ethereum"); empty keeps all.
func NewDexScreener(baseURL, chainID string, timeout time.Duration) *DexScreener {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DexScreener{
		baseURL: strings.TrimRight(baseURL, "/"),
		chainID: chainID,
		client:  &http.Client{Timeout: timeout},
	}
}

type dexScreenerToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type dexScreenerPair struct {
	ChainID     string           `json:"chainId"`
	PairAddress string           `json:"pairAddress"`
	BaseToken   dexScreenerToken `json:"baseToken"`
	QuoteToken  dexScreenerToken `json:"quoteToken"`
	PriceNative string           `json:"priceNative"`
	PriceUSD    string           `json:"priceUsd"`
	Liquidity   *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

type dexScreenerResponse struct {
	Pairs []dexScreenerPair `json:"pairs"`
}

// Price returns token's USD price from its most liquid pair.
func (d *DexScreener) Price(ctx context.Context, token string) (decimal.Decimal, error) {
	token = domain.NormalizeAddress(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/"+token, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("market request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read market response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, &provider.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out dexScreenerResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, provider.Transient(fmt.Errorf("decode market response: %w", err))
	}

	return bestPairPrice(out.Pairs, token, d.chainID)
}

// bestPairPrice picks the most liquid pair quoting token. When token is the pair's
// quote asset its USD price is derived as priceUsd / priceNative.
func bestPairPrice(pairs []dexScreenerPair, token, chainID string) (decimal.Decimal, error) {
	var (
		best      decimal.Decimal
		bestLiq   = -1.0
		foundPair bool
	)

	for _, p := range pairs {
		if chainID != "" && p.ChainID != chainID {
			continue
		}
		liq := 0.0
		if p.Liquidity != nil {
			liq = p.Liquidity.USD
		}
		if liq <= bestLiq {
			continue
		}

		priceUSD, err := decimal.NewFromString(p.PriceUSD)
		if err != nil || !priceUSD.IsPositive() {
			continue
		}

		var price decimal.Decimal
		switch token {
		case domain.NormalizeAddress(p.BaseToken.Address):
			price = priceUSD
		case domain.NormalizeAddress(p.QuoteToken.Address):
			native, err := decimal.NewFromString(p.PriceNative)
			if err != nil || !native.IsPositive() {
				continue
			}
			price = priceUSD.DivRound(native, 18)
		default:
			continue
		}

		best, bestLiq, foundPair = price, liq, true
	}

	if !foundPair {
		return decimal.Zero, fmt.Errorf("%s: %w", token, ErrNoMarket)
	}
	return best, nil
}
