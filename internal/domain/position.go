package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Lot is one BUY's remaining quantity and its cost basis within a Position.
type Lot struct {
	LegID     string // leg that opened the lot
	OpenedAt  time.Time
	Original  *big.Int        // raw units
	Remaining *big.Int        // raw units
	UnitCost  decimal.Decimal // USD per whole token
}

// Position is the per (wallet, token) FIFO aggregate.
// Corresponds to positions and position_lots tables.
type Position struct {
	Wallet       string
	TokenAddress string
	Decimals     int32
	Remaining    *big.Int        // raw units, always equals the sum of lot remainders
	CostBasisUSD decimal.Decimal // USD cost of the remaining lots
	RealizedPnL  decimal.Decimal
	Lots         []*Lot // oldest first
	UpdatedAt    time.Time
}

// NewPosition creates an empty position for a wallet and token.
func NewPosition(wallet, token string, decimals int32) *Position {
	return &Position{
		Wallet:       wallet,
		TokenAddress: token,
		Decimals:     decimals,
		Remaining:    new(big.Int),
		CostBasisUSD: decimal.Zero,
		RealizedPnL:  decimal.Zero,
	}
}

// IsOpen reports whether the position holds a positive remaining amount.
func (p *Position) IsOpen() bool {
	return p != nil && p.Remaining != nil && p.Remaining.Sign() > 0
}

// RemainingHuman returns the remaining amount in whole tokens.
func (p *Position) RemainingHuman() decimal.Decimal {
	return ToHuman(p.Remaining, p.Decimals)
}

// AverageCost returns the weighted average USD cost per whole token of the open lots.
func (p *Position) AverageCost() decimal.Decimal {
	human := p.RemainingHuman()
	if human.IsZero() {
		return decimal.Zero
	}
	return p.CostBasisUSD.Div(human)
}

// LotSum returns the sum of all lot remainders in raw units.
func (p *Position) LotSum() *big.Int {
	sum := new(big.Int)
	for _, lot := range p.Lots {
		sum.Add(sum, lot.Remaining)
	}
	return sum
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	c.Remaining = new(big.Int).Set(p.Remaining)
	c.Lots = make([]*Lot, len(p.Lots))
	for i, lot := range p.Lots {
		l := *lot
		l.Original = new(big.Int).Set(lot.Original)
		l.Remaining = new(big.Int).Set(lot.Remaining)
		c.Lots[i] = &l
	}
	return &c
}
