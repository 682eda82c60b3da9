package evm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20MetadataABI = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI = mustParseABI(erc20MetadataABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// TokenMetadata reads ERC-20 decimals and symbol and caches them for the process lifetime.
type TokenMetadata struct {
	client Client

	mu       sync.RWMutex
	decimals map[common.Address]int32
	symbols  map[common.Address]string
}

// NewTokenMetadata creates a metadata reader.
func NewTokenMetadata(client Client) *TokenMetadata {
	return &TokenMetadata{
		client:   client,
		decimals: make(map[common.Address]int32),
		symbols:  make(map[common.Address]string),
	}
}

// Seed records known decimals so they are never fetched.
func (m *TokenMetadata) Seed(token common.Address, decimals int32) {
	m.mu.Lock()
	m.decimals[token] = decimals
	m.mu.Unlock()
}

// Decimals returns token's decimals.
func (m *TokenMetadata) Decimals(ctx context.Context, token common.Address) (int32, error) {
	m.mu.RLock()
	d, ok := m.decimals[token]
	m.mu.RUnlock()
	if ok {
		return d, nil
	}

	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	out, err := m.client.Call(ctx, token, data)
	if err != nil {
		return 0, fmt.Errorf("decimals of %s: %w", token.Hex(), err)
	}
	values, err := erc20ABI.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("decimals of %s: unexpected return %x", token.Hex(), out)
	}
	v, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals of %s: unexpected type %T", token.Hex(), values[0])
	}

	m.Seed(token, int32(v))
	return int32(v), nil
}

// Symbol returns token's symbol. Legacy tokens returning bytes32 are handled.
func (m *TokenMetadata) Symbol(ctx context.Context, token common.Address) (string, error) {
	m.mu.RLock()
	s, ok := m.symbols[token]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	data, err := erc20ABI.Pack("symbol")
	if err != nil {
		return "", fmt.Errorf("pack symbol: %w", err)
	}
	out, err := m.client.Call(ctx, token, data)
	if err != nil {
		return "", fmt.Errorf("symbol of %s: %w", token.Hex(), err)
	}

	if values, err := erc20ABI.Unpack("symbol", out); err == nil && len(values) == 1 {
		if str, ok := values[0].(string); ok {
			s = str
		}
	} else if len(out) == 32 {
		s = string(bytes.TrimRight(out, "\x00"))
	} else {
		return "", fmt.Errorf("symbol of %s: unexpected return %x", token.Hex(), out)
	}

	m.mu.Lock()
	m.symbols[token] = s
	m.mu.Unlock()
	return s, nil
}
