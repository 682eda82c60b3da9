// Package stub provides an in-memory evm.Client for tests.
package stub

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dex-pnl-indexer/internal/evm"
)

// Client implements evm.Client from in-memory maps.
type Client struct {
	mu           sync.Mutex
	Head         uint64
	Transactions map[common.Hash]*evm.Transaction
	Receipts     map[common.Hash]*evm.Receipt
	Logs         []types.Log
	CallResults  map[common.Address][]byte
	Err          error // returned by every call when set
	Calls        map[string]int
}

var _ evm.Client = (*Client)(nil)

// NewClient creates an empty stub client.
func NewClient() *Client {
	return &Client{
		Transactions: make(map[common.Hash]*evm.Transaction),
		Receipts:     make(map[common.Hash]*evm.Receipt),
		CallResults:  make(map[common.Address][]byte),
		Calls:        make(map[string]int),
	}
}

func (c *Client) record(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls[method]++
	return c.Err
}

// CallCount returns how many times method was invoked.
func (c *Client) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[method]
}

// BlockNumber returns Head.
func (c *Client) BlockNumber(_ context.Context) (uint64, error) {
	if err := c.record("BlockNumber"); err != nil {
		return 0, err
	}
	return c.Head, nil
}

// TransactionByHash looks up a stored transaction.
func (c *Client) TransactionByHash(_ context.Context, hash common.Hash) (*evm.Transaction, error) {
	if err := c.record("TransactionByHash"); err != nil {
		return nil, err
	}
	tx, ok := c.Transactions[hash]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", hash.Hex(), evm.ErrNotFound)
	}
	return tx, nil
}

// TransactionReceipt looks up a stored receipt.
func (c *Client) TransactionReceipt(_ context.Context, hash common.Hash) (*evm.Receipt, error) {
	if err := c.record("TransactionReceipt"); err != nil {
		return nil, err
	}
	r, ok := c.Receipts[hash]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), evm.ErrNotFound)
	}
	return r, nil
}

// GetLogs filters stored logs by block range and address.
func (c *Client) GetLogs(_ context.Context, filter evm.LogFilter) ([]types.Log, error) {
	if err := c.record("GetLogs"); err != nil {
		return nil, err
	}

	var out []types.Log
	for _, l := range c.Logs {
		if l.BlockNumber < filter.FromBlock || l.BlockNumber > filter.ToBlock {
			continue
		}
		if len(filter.Addresses) > 0 && !containsAddress(filter.Addresses, l.Address) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Call returns the stored result for the target contract.
func (c *Client) Call(_ context.Context, to common.Address, _ []byte) ([]byte, error) {
	if err := c.record("Call"); err != nil {
		return nil, err
	}
	out, ok := c.CallResults[to]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return out, nil
}

// AddTransfer appends an ERC-20 Transfer to the receipt of txHash, creating it if needed.
func (c *Client) AddTransfer(txHash common.Hash, block uint64, t evm.Transfer) {
	l := types.Log{
		Address:     t.Token,
		Topics:      []common.Hash{evm.TransferTopic, common.BytesToHash(t.From.Bytes()), common.BytesToHash(t.To.Bytes())},
		Data:        common.LeftPadBytes(t.Value.Bytes(), 32),
		BlockNumber: block,
		TxHash:      txHash,
	}

	r, ok := c.Receipts[txHash]
	if !ok {
		r = &evm.Receipt{TxHash: txHash, BlockNumber: block, Status: 1}
		c.Receipts[txHash] = r
	}
	l.Index = uint(len(r.Logs))
	r.Logs = append(r.Logs, l)
}

func containsAddress(set []common.Address, a common.Address) bool {
	for _, s := range set {
		if s == a {
			return true
		}
	}
	return false
}
