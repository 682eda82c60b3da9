package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leg from the acting wallet's perspective.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// String returns the string representation of Side.
func (s Side) String() string {
	return string(s)
}

// IsValid checks if the side is a valid value.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// PriceSource records which resolution step produced a leg's USD price.
type PriceSource string

const (
	PriceSourceImpliedUSD PriceSource = "implied_usd"
	PriceSourceRatio      PriceSource = "ratio"
	PriceSourceMarket     PriceSource = "market"
	PriceSourceFallback   PriceSource = "fallback"
	PriceSourceNone       PriceSource = "none"
)

// WalletSource records which resolution strategy produced a leg's wallet.
type WalletSource string

const (
	WalletSourceTransferLog WalletSource = "transfer_log"
	WalletSourceReported    WalletSource = "reported"
	WalletSourceTxSender    WalletSource = "tx_sender"
)

// Transaction is one on-chain transaction containing at least one tracked leg.
// Corresponds to transactions table; upserted by Hash.
type Transaction struct {
	Hash         string
	TokenAddress string // tracked token the transaction was discovered for
	BlockNumber  uint64
	BlockTime    time.Time
	Initiator    string              // best-effort tx sender
	Protocols    []string            // sorted, unique
	TokenIn      map[string]*big.Int // net raw amounts spent by wallets, keyed by token address
	TokenOut     map[string]*big.Int // net raw amounts received by wallets, keyed by token address
	NotionalUSD  decimal.Decimal     // sum of non-fee leg notionals
	LegCount     int
	FeeLegCount  int
}

// TradeLeg is one economically meaningful side-pair of a trade within a transaction.
// Corresponds to trade_legs table; append-only, keyed by LegID.
//
// TokenIn is what the wallet gave up, TokenOut is what it received. For a BUY the
// tracked token is TokenOut; for a SELL it is TokenIn.
type TradeLeg struct {
	LegID        string // deterministic hash, see idhash.ComputeLegID
	TxHash       string
	BlockNumber  uint64
	BlockTime    time.Time
	Side         Side
	Wallet       string
	WalletSource WalletSource
	TokenAddress string // tracked token

	TokenInAddress   string
	TokenInAmount    *big.Int
	TokenInDecimals  int32
	TokenOutAddress  string
	TokenOutAmount   *big.Int
	TokenOutDecimals int32

	PriceUSD    decimal.Decimal // per whole tracked token
	NotionalUSD decimal.Decimal
	PriceSource PriceSource

	Protocol string
	IsFee    bool
}

// TrackedAmount returns the raw amount of the tracked token moved by this leg.
func (l *TradeLeg) TrackedAmount() *big.Int {
	if l.Side == SideBuy {
		return l.TokenOutAmount
	}
	return l.TokenInAmount
}

// TrackedDecimals returns the tracked token's decimals as carried on the leg.
func (l *TradeLeg) TrackedDecimals() int32 {
	if l.Side == SideBuy {
		return l.TokenOutDecimals
	}
	return l.TokenInDecimals
}

// CounterAsset returns the address, raw amount and decimals of the non-tracked side.
func (l *TradeLeg) CounterAsset() (string, *big.Int, int32) {
	if l.Side == SideBuy {
		return l.TokenInAddress, l.TokenInAmount, l.TokenInDecimals
	}
	return l.TokenOutAddress, l.TokenOutAmount, l.TokenOutDecimals
}

// Clone returns a deep copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Protocols = append([]string(nil), t.Protocols...)
	c.TokenIn = cloneAmounts(t.TokenIn)
	c.TokenOut = cloneAmounts(t.TokenOut)
	return &c
}

// Clone returns a deep copy of the leg.
func (l *TradeLeg) Clone() *TradeLeg {
	c := *l
	c.TokenInAmount = cloneInt(l.TokenInAmount)
	c.TokenOutAmount = cloneInt(l.TokenOutAmount)
	return &c
}

func cloneAmounts(m map[string]*big.Int) map[string]*big.Int {
	if m == nil {
		return nil
	}
	out := make(map[string]*big.Int, len(m))
	for k, v := range m {
		out[k] = cloneInt(v)
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
