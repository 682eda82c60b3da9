package aggregation

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/evm"
	"dex-pnl-indexer/internal/tradesource"
)

// LegContext is what a WalletResolver sees for one leg. Chain lookups are
// memoized per transaction so several legs share one receipt read.
type LegContext struct {
	Token  string
	Side   domain.Side
	Amount *big.Int // tracked token, raw
	Leg    *tradesource.RawTradeLeg
	Group  *tradesource.TransactionGroup

	tx *txScope
}

// Transfers returns the tracked token's Transfer events in the leg's transaction.
func (lc *LegContext) Transfers(ctx context.Context) ([]evm.Transfer, error) {
	return lc.tx.transfers(ctx)
}

// Sender returns the transaction's sender.
func (lc *LegContext) Sender(ctx context.Context) (string, error) {
	return lc.tx.sender(ctx)
}

type txScope struct {
	client evm.Client
	token  string
	group  *tradesource.TransactionGroup

	transfersLoaded bool
	transferList    []evm.Transfer
	transferErr     error

	senderLoaded bool
	senderAddr   string
	senderErr    error
}

func (s *txScope) transfers(ctx context.Context) ([]evm.Transfer, error) {
	if s.transfersLoaded {
		return s.transferList, s.transferErr
	}
	s.transfersLoaded = true
	if s.client == nil {
		s.transferErr = errors.New("no chain client configured")
		return nil, s.transferErr
	}
	s.transferList, s.transferErr = evm.TokenTransfers(ctx, s.client,
		common.HexToHash(s.group.TxHash), common.HexToAddress(s.token), s.group.BlockNumber)
	return s.transferList, s.transferErr
}

func (s *txScope) sender(ctx context.Context) (string, error) {
	if s.group.TxFrom != "" {
		return s.group.TxFrom, nil
	}
	if s.senderLoaded {
		return s.senderAddr, s.senderErr
	}
	s.senderLoaded = true
	if s.client == nil {
		s.senderErr = errors.New("no chain client configured")
		return "", s.senderErr
	}
	tx, err := s.client.TransactionByHash(ctx, common.HexToHash(s.group.TxHash))
	if err != nil {
		s.senderErr = err
		return "", err
	}
	s.senderAddr = domain.NormalizeAddress(tx.From.Hex())
	return s.senderAddr, nil
}

// WalletResolver is one wallet resolution strategy. ok is false when the strategy
// has no confident answer and the next one should be tried.
type WalletResolver interface {
	Source() domain.WalletSource
	Resolve(ctx context.Context, lc *LegContext) (wallet string, ok bool, err error)
}

// AddressSet holds addresses that are never the acting wallet (routers, pools).
type AddressSet map[string]bool

// NewAddressSet normalizes addrs into a set. The zero address is always included.
func NewAddressSet(addrs []string) AddressSet {
	set := AddressSet{domain.NormalizeAddress(evm.ZeroAddress.Hex()): true}
	for _, a := range addrs {
		if a = domain.NormalizeAddress(a); a != "" {
			set[a] = true
		}
	}
	return set
}

// excluded reports whether addr cannot be the acting wallet for lc.
func (s AddressSet) excluded(addr string, lc *LegContext) bool {
	if addr == "" || s[addr] {
		return true
	}
	return addr == lc.Leg.ProtocolAddress || addr == lc.Token
}

// TransferLogResolver reads the tracked token's Transfer events in the transaction:
// the recipient for a BUY, the sender for a SELL.
type TransferLogResolver struct {
	Excluded AddressSet
}

// Source implements WalletResolver.
func (r *TransferLogResolver) Source() domain.WalletSource { return domain.WalletSourceTransferLog }

// Resolve picks the transfer whose amount matches the leg exactly; otherwise it accepts
// a single distinct candidate and declines when several remain.
func (r *TransferLogResolver) Resolve(ctx context.Context, lc *LegContext) (string, bool, error) {
	transfers, err := lc.Transfers(ctx)
	if err != nil {
		return "", false, fmt.Errorf("transfer lookback: %w", err)
	}

	candidates := map[string]bool{}
	var ordered []string
	for _, t := range transfers {
		party := t.To
		if lc.Side == domain.SideSell {
			party = t.From
		}
		addr := domain.NormalizeAddress(party.Hex())
		if r.Excluded.excluded(addr, lc) {
			continue
		}
		if lc.Amount != nil && t.Value.Cmp(lc.Amount) == 0 {
			return addr, true, nil
		}
		if !candidates[addr] {
			candidates[addr] = true
			ordered = append(ordered, addr)
		}
	}

	if len(ordered) == 1 {
		return ordered[0], true, nil
	}
	return "", false, nil
}

// ReportedResolver uses the buyer or seller the trade source reported.
type ReportedResolver struct {
	Excluded AddressSet
}

// Source implements WalletResolver.
func (r *ReportedResolver) Source() domain.WalletSource { return domain.WalletSourceReported }

// Resolve implements WalletResolver.
func (r *ReportedResolver) Resolve(_ context.Context, lc *LegContext) (string, bool, error) {
	addr := lc.Leg.Buyer
	if lc.Side == domain.SideSell {
		addr = lc.Leg.Seller
	}
	if r.Excluded.excluded(addr, lc) {
		return "", false, nil
	}
	return addr, true, nil
}

// TxSenderResolver attributes the leg to the transaction's sender.
type TxSenderResolver struct{}

// Source implements WalletResolver.
func (TxSenderResolver) Source() domain.WalletSource { return domain.WalletSourceTxSender }

// Resolve implements WalletResolver.
func (TxSenderResolver) Resolve(ctx context.Context, lc *LegContext) (string, bool, error) {
	addr, err := lc.Sender(ctx)
	if err != nil {
		return "", false, err
	}
	return addr, addr != "", nil
}

// DefaultResolvers returns transfer lookback, reported party, then tx sender.
func DefaultResolvers(excluded AddressSet) []WalletResolver {
	return []WalletResolver{
		&TransferLogResolver{Excluded: excluded},
		&ReportedResolver{Excluded: excluded},
		TxSenderResolver{},
	}
}
