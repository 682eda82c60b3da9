package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/storage"
)

func TestPositionStore_ApplyAndGet(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	p := domain.NewPosition("0xw", "0xtoken", 0)
	p.Remaining.SetInt64(100)
	p.CostBasisUSD = decimal.NewFromInt(5)
	p.Lots = []*domain.Lot{{LegID: "leg1", Original: big.NewInt(100), Remaining: big.NewInt(100), UnitCost: decimal.RequireFromString("0.05")}}

	entry := &domain.LedgerEntry{LegID: "leg1", Wallet: "0xw", TokenAddress: "0xtoken", Side: domain.SideBuy, Outcome: domain.OutcomeApplied}
	if err := store.Apply(ctx, p, entry); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := store.Get(ctx, "0xw", "0xtoken")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Remaining.Int64() != 100 || len(got.Lots) != 1 {
		t.Errorf("unexpected position: remaining=%s lots=%d", got.Remaining, len(got.Lots))
	}

	applied, _ := store.IsApplied(ctx, "leg1")
	if !applied {
		t.Error("expected leg1 to be applied")
	}
}

func TestPositionStore_DuplicateEntryWritesNothing(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	p := domain.NewPosition("0xw", "0xtoken", 0)
	p.Remaining.SetInt64(1)
	entry := &domain.LedgerEntry{LegID: "leg1", Wallet: "0xw", TokenAddress: "0xtoken"}
	if err := store.Apply(ctx, p, entry); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	changed := p.Clone()
	changed.Remaining.SetInt64(999)
	err := store.Apply(ctx, changed, entry)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	got, _ := store.Get(ctx, "0xw", "0xtoken")
	if got.Remaining.Int64() != 1 {
		t.Errorf("duplicate apply changed position: %s", got.Remaining)
	}
}

func TestPositionStore_EntryWithoutPosition(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	entry := &domain.LedgerEntry{
		LegID:        "sell1",
		Wallet:       "0xw",
		TokenAddress: "0xtoken",
		Side:         domain.SideSell,
		Outcome:      domain.OutcomeSkipped,
		BlockTime:    time.Unix(10, 0),
	}
	if err := store.Apply(ctx, nil, entry); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := store.Get(ctx, "0xw", "0xtoken"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	entries, _ := store.GetEntries(ctx, "0xw", "0xtoken")
	if len(entries) != 1 || entries[0].Outcome != domain.OutcomeSkipped {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestPositionStore_ListByWalletAndToken(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	for i, k := range [][2]string{{"0xa", "0xt1"}, {"0xb", "0xt1"}, {"0xa", "0xt2"}} {
		p := domain.NewPosition(k[0], k[1], 0)
		entry := &domain.LedgerEntry{LegID: string(rune('x' + i)), Wallet: k[0], TokenAddress: k[1]}
		if err := store.Apply(ctx, p, entry); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	byToken, _ := store.ListByToken(ctx, "0xt1")
	if len(byToken) != 2 || byToken[0].Wallet != "0xa" {
		t.Errorf("ListByToken: %+v", byToken)
	}

	byWallet, _ := store.ListByWallet(ctx, "0xa")
	if len(byWallet) != 2 || byWallet[1].TokenAddress != "0xt2" {
		t.Errorf("ListByWallet: %+v", byWallet)
	}
}
