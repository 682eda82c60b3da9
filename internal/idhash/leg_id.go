package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// LegSignature identifies one raw trade leg as reported by the trade source.
// Two rows with the same signature are the same leg, regardless of which page returned them.
type LegSignature struct {
	TxHash       string
	BuyCurrency  string
	SellCurrency string
	BuyAmount    string
	SellAmount   string
	Buyer        string
	Seller       string
}

// String returns the canonical pipe-joined form of the signature.
func (s LegSignature) String() string {
	return strings.ToLower(strings.Join([]string{
		s.TxHash,
		s.BuyCurrency,
		s.SellCurrency,
		s.BuyAmount,
		s.SellAmount,
		s.Buyer,
		s.Seller,
	}, "|"))
}

// ComputeLegID computes a deterministic leg_id using SHA256.
// Formula: SHA256(tx_hash|token|side|signature)
// The resolved wallet is not an input: it depends on chain reads, the signature does not.
// Returns hex-encoded hash (64 characters).
func ComputeLegID(txHash, token, side string, sig LegSignature) string {
	data := fmt.Sprintf("%s|%s|%s|%s",
		strings.ToLower(txHash),
		strings.ToLower(token),
		side,
		sig.String(),
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
