package domain

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// TrackedToken is immutable reference data for a token whose trades are indexed.
// Corresponds to tracked_tokens table in PostgreSQL.
type TrackedToken struct {
	Address  string // lowercase 0x-prefixed contract address
	Symbol   string
	Decimals int32
}

// NormalizeAddress lowercases and trims an EVM address for use as a map or table key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ToHuman converts a raw smallest-unit amount into a decimal token amount.
func ToHuman(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// ToRaw converts a human-readable amount into smallest units, truncating any
// precision beyond the token's decimals.
func ToRaw(human decimal.Decimal, decimals int32) *big.Int {
	return human.Shift(decimals).Truncate(0).BigInt()
}
