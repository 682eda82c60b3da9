package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerOutcome is the result of applying one leg to a position.
type LedgerOutcome string

const (
	OutcomeApplied   LedgerOutcome = "applied"
	OutcomePartial   LedgerOutcome = "partial"   // sell exceeded open lots, shortfall recorded
	OutcomeSkipped   LedgerOutcome = "skipped"   // sell with no open position
	OutcomeUnpriced  LedgerOutcome = "unpriced"  // no USD price resolved, position untouched
	OutcomeDuplicate LedgerOutcome = "duplicate" // leg already applied, not persisted
)

// LedgerEntry marks one leg as applied to a (wallet, token) position.
// Corresponds to ledger_entries table; keyed by LegID, written in the same
// transaction as the position it changed.
type LedgerEntry struct {
	LegID        string
	Wallet       string
	TokenAddress string
	Side         Side
	Outcome      LedgerOutcome
	Amount       *big.Int // requested raw amount
	Consumed     *big.Int // raw amount matched against lots (sells) or opened (buys)
	Shortfall    *big.Int // raw amount sold beyond open lots
	PriceUSD     decimal.Decimal
	RealizedPnL  decimal.Decimal // PnL realized by this leg alone
	BlockTime    time.Time
	AppliedAt    time.Time
}

// Clone returns a deep copy of the entry.
func (e *LedgerEntry) Clone() *LedgerEntry {
	c := *e
	c.Amount = cloneInt(e.Amount)
	c.Consumed = cloneInt(e.Consumed)
	c.Shortfall = cloneInt(e.Shortfall)
	return &c
}
