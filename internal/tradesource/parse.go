package tradesource

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// parseRow converts a response row into a RawTradeLeg.
func (c *Client) parseRow(ctx context.Context, r *tradeRow) (RawTradeLeg, error) {
	var leg RawTradeLeg

	hash := domain.NormalizeAddress(r.Transaction.Hash)
	if hash == "" {
		return leg, fmt.Errorf("%w: missing transaction hash", ErrInvalidLeg)
	}

	blockTime, err := parseTime(r.Block.Time)
	if err != nil {
		return leg, fmt.Errorf("%w: %v", ErrInvalidLeg, err)
	}

	var blockNumber uint64
	if r.Block.Number != "" {
		blockNumber, err = strconv.ParseUint(r.Block.Number.String(), 10, 64)
		if err != nil {
			return leg, fmt.Errorf("%w: block number %q", ErrInvalidLeg, r.Block.Number)
		}
	}

	buy, buyAmount, buyUSD, err := c.parseSide(ctx, &r.Trade.Buy)
	if err != nil {
		return leg, fmt.Errorf("%w: buy side: %v", ErrInvalidLeg, err)
	}
	sell, sellAmount, sellUSD, err := c.parseSide(ctx, &r.Trade.Sell)
	if err != nil {
		return leg, fmt.Errorf("%w: sell side: %v", ErrInvalidLeg, err)
	}

	return RawTradeLeg{
		BlockNumber:     blockNumber,
		BlockTime:       blockTime,
		TxHash:          hash,
		TxFrom:          domain.NormalizeAddress(r.Transaction.From),
		Protocol:        strings.TrimSpace(r.Trade.Dex.ProtocolName),
		ProtocolAddress: domain.NormalizeAddress(r.Trade.Dex.SmartContract),
		Buy:             buy,
		BuyAmount:       buyAmount,
		BuyAmountUSD:    buyUSD,
		Buyer:           domain.NormalizeAddress(r.Trade.Buy.Buyer),
		Sell:            sell,
		SellAmount:      sellAmount,
		SellAmountUSD:   sellUSD,
		Seller:          domain.NormalizeAddress(r.Trade.Sell.Seller),
	}, nil
}

func (c *Client) parseSide(ctx context.Context, s *sideRow) (Currency, *big.Int, decimal.NullDecimal, error) {
	var usd decimal.NullDecimal

	cur := Currency{
		Address: domain.NormalizeAddress(s.Currency.SmartContract),
		Symbol:  s.Currency.Symbol,
	}
	if cur.Address == "" {
		return cur, nil, usd, fmt.Errorf("missing currency address")
	}

	switch {
	case s.Currency.Decimals != "":
		d, err := strconv.ParseInt(s.Currency.Decimals.String(), 10, 32)
		if err != nil || d < 0 || d > 77 {
			return cur, nil, usd, fmt.Errorf("decimals %q", s.Currency.Decimals)
		}
		cur.Decimals = int32(d)
	case c.decimals != nil:
		d, err := c.decimals(ctx, cur.Address)
		if err != nil {
			return cur, nil, usd, fmt.Errorf("resolve decimals of %s: %w", cur.Address, err)
		}
		cur.Decimals = d
	default:
		return cur, nil, usd, fmt.Errorf("unknown decimals for %s", cur.Address)
	}

	if s.Amount == "" {
		return cur, nil, usd, fmt.Errorf("missing amount")
	}
	human, err := decimal.NewFromString(s.Amount.String())
	if err != nil || human.IsNegative() {
		return cur, nil, usd, fmt.Errorf("amount %q", s.Amount)
	}
	raw := domain.ToRaw(human, cur.Decimals)

	if s.AmountInUSD != "" {
		v, err := decimal.NewFromString(s.AmountInUSD.String())
		if err == nil && v.IsPositive() {
			usd = decimal.NewNullDecimal(v)
		}
	}

	return cur, raw, usd, nil
}
