// Package tradesource pages DEX trade history for a token out of a GraphQL trade API.
package tradesource

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/idhash"
)

// ErrMalformedResponse is returned when a response does not have the expected shape.
// It is always wrapped as transient so the retry wrapper re-requests the page.
var ErrMalformedResponse = errors.New("malformed trade source response")

// ErrInvalidLeg marks a row that cannot be normalized into a RawTradeLeg.
var ErrInvalidLeg = errors.New("invalid trade leg")

// Currency identifies one side's asset.
type Currency struct {
	Address  string
	Symbol   string
	Decimals int32
}

// RawTradeLeg is one trade row as reported by the source, amounts converted to raw integers.
// Buy is the currency the trade's buyer received; Sell is what the seller gave.
type RawTradeLeg struct {
	BlockNumber uint64
	BlockTime   time.Time
	TxHash      string
	TxFrom      string

	Protocol        string
	ProtocolAddress string

	Buy          Currency
	BuyAmount    *big.Int
	BuyAmountUSD decimal.NullDecimal
	Buyer        string

	Sell          Currency
	SellAmount    *big.Int
	SellAmountUSD decimal.NullDecimal
	Seller        string
}

// Signature returns the dedup key of the row.
func (l *RawTradeLeg) Signature() idhash.LegSignature {
	return idhash.LegSignature{
		TxHash:       l.TxHash,
		BuyCurrency:  l.Buy.Address,
		SellCurrency: l.Sell.Address,
		BuyAmount:    l.BuyAmount.String(),
		SellAmount:   l.SellAmount.String(),
		Buyer:        l.Buyer,
		Seller:       l.Seller,
	}
}

// TransactionGroup bundles every leg sharing one transaction hash.
type TransactionGroup struct {
	TxHash      string
	BlockNumber uint64
	BlockTime   time.Time
	TxFrom      string
	Legs        []RawTradeLeg
}

// Page is one fetched window.
type Page struct {
	Index       int
	WindowStart time.Time
	WindowEnd   time.Time
	Groups      []TransactionGroup
	Rows        int // rows returned by the source
	Duplicates  int // rows dropped by signature dedup
	Skipped     int // rows that could not be parsed
	NextStart   time.Time
}

// LegCount returns the number of legs across all groups.
func (p *Page) LegCount() int {
	n := 0
	for i := range p.Groups {
		n += len(p.Groups[i].Legs)
	}
	return n
}

// PageHandler consumes pages in order. Returning an error stops pagination.
type PageHandler func(ctx context.Context, page Page) error

// Source yields a token's trade history as pages.
type Source interface {
	FetchAllTrades(ctx context.Context, token string, from, to time.Time, handler PageHandler) error
}
