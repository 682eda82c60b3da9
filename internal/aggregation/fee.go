package aggregation

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
)

// FeeClassifier flags protocol-fee legs. It is a heuristic: small notional under a
// fee-locker-looking protocol name, or an explicitly listed address.
type FeeClassifier struct {
	threshold decimal.Decimal
	patterns  []*regexp.Regexp
	addresses map[string]bool
}

// NewFeeClassifier compiles patterns case-insensitively.
func NewFeeClassifier(threshold decimal.Decimal, patterns, addresses []string) (*FeeClassifier, error) {
	fc := &FeeClassifier{
		threshold: threshold,
		addresses: make(map[string]bool, len(addresses)),
	}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("fee locker pattern %q: %w", p, err)
		}
		fc.patterns = append(fc.patterns, re)
	}
	for _, a := range addresses {
		if a = domain.NormalizeAddress(a); a != "" {
			fc.addresses[a] = true
		}
	}
	return fc, nil
}

// Classify reports whether a leg is protocol-fee activity and why.
func (fc *FeeClassifier) Classify(protocol, protocolAddress, wallet string, notional decimal.Decimal) (bool, string) {
	if fc.addresses[wallet] {
		return true, "wallet_denylisted"
	}
	if protocolAddress != "" && fc.addresses[protocolAddress] {
		return true, "protocol_denylisted"
	}
	if !notional.LessThan(fc.threshold) {
		return false, ""
	}
	for _, re := range fc.patterns {
		if re.MatchString(protocol) {
			return true, "small_notional_fee_protocol"
		}
	}
	return false, ""
}
