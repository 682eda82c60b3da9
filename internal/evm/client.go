// Package evm reads Ethereum-compatible chain data over JSON-RPC.
package evm

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dex-pnl-indexer/internal/provider"
)

// ErrNotFound is returned when a transaction or receipt does not exist (yet).
// It is terminal for the call and never counts against provider health.
var ErrNotFound = provider.Terminal(errors.New("not found"))

// Client defines the chain reads the indexer needs.
type Client interface {
	// BlockNumber returns the latest block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// TransactionByHash returns a transaction or ErrNotFound.
	TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error)

	// TransactionReceipt returns a receipt or ErrNotFound.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)

	// GetLogs returns logs matching the filter.
	GetLogs(ctx context.Context, filter LogFilter) ([]types.Log, error)

	// Call executes a read-only contract call at the latest block.
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Transaction is the subset of a transaction the indexer uses.
type Transaction struct {
	Hash        common.Hash
	From        common.Address
	To          *common.Address
	BlockNumber uint64
	Value       *big.Int
}

// Receipt is the subset of a receipt the indexer uses.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	From        common.Address
	To          *common.Address
	Status      uint64
	Logs        []types.Log
}

// LogFilter selects logs for eth_getLogs.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}
