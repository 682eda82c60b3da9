package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dex-pnl-indexer/internal/provider"
)

// MultiClient spreads chain reads over a provider pool.
// Point lookups fall back in priority order; BlockNumber races all providers.
type MultiClient struct {
	pool    *provider.Pool
	clients map[string]Client
}

var _ Client = (*MultiClient)(nil)

// NewMultiClient builds one HTTPClient per pool provider.
func NewMultiClient(pool *provider.Pool, providers []provider.Provider, opts ...ClientOption) *MultiClient {
	clients := make(map[string]Client, len(providers))
	for _, p := range providers {
		clients[p.Name] = NewHTTPClient(p.Endpoint, opts...)
	}
	return &MultiClient{pool: pool, clients: clients}
}

// NewMultiClientWith uses caller-supplied clients keyed by provider name.
func NewMultiClientWith(pool *provider.Pool, clients map[string]Client) *MultiClient {
	return &MultiClient{pool: pool, clients: clients}
}

func (m *MultiClient) clientFor(p *provider.Provider) (Client, error) {
	c, ok := m.clients[p.Name]
	if !ok {
		return nil, fmt.Errorf("no client for provider %s", p.Name)
	}
	return c, nil
}

// BlockNumber races every eligible provider.
func (m *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	return provider.RaceAll(ctx, m.pool, func(ctx context.Context, p *provider.Provider) (uint64, error) {
		c, err := m.clientFor(p)
		if err != nil {
			return 0, err
		}
		return c.BlockNumber(ctx)
	})
}

// TransactionByHash falls back across providers.
func (m *MultiClient) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	return provider.Get(ctx, m.pool, func(ctx context.Context, p *provider.Provider) (*Transaction, error) {
		c, err := m.clientFor(p)
		if err != nil {
			return nil, err
		}
		return c.TransactionByHash(ctx, hash)
	})
}

// TransactionReceipt falls back across providers.
func (m *MultiClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	return provider.Get(ctx, m.pool, func(ctx context.Context, p *provider.Provider) (*Receipt, error) {
		c, err := m.clientFor(p)
		if err != nil {
			return nil, err
		}
		return c.TransactionReceipt(ctx, hash)
	})
}

// GetLogs falls back across providers.
func (m *MultiClient) GetLogs(ctx context.Context, filter LogFilter) ([]types.Log, error) {
	return provider.Get(ctx, m.pool, func(ctx context.Context, p *provider.Provider) ([]types.Log, error) {
		c, err := m.clientFor(p)
		if err != nil {
			return nil, err
		}
		return c.GetLogs(ctx, filter)
	})
}

// Call falls back across providers.
func (m *MultiClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return provider.Get(ctx, m.pool, func(ctx context.Context, p *provider.Provider) ([]byte, error) {
		c, err := m.clientFor(p)
		if err != nil {
			return nil, err
		}
		return c.Call(ctx, to, data)
	})
}
