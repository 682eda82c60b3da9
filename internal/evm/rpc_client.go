package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"dex-pnl-indexer/internal/provider"
)

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 10 * time.Second

// HTTPClient implements Client against a single JSON-RPC 2.0 endpoint.
// It does not retry; fallback across endpoints is MultiClient's job.
type HTTPClient struct {
	endpoint  string
	client    *http.Client
	headers   map[string]string
	requestID atomic.Uint64
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(c *HTTPClient) {
		c.headers[key] = value
	}
}

// NewHTTPClient creates a JSON-RPC client for endpoint.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		headers:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the RPC URL.
func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

var _ Client = (*HTTPClient)(nil)

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// ErrorCode exposes the JSON-RPC code to provider.Classify.
func (e *rpcError) ErrorCode() int { return e.Code }

// call performs one JSON-RPC round trip. HTTP failures come back as provider.StatusError.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Transient(fmt.Errorf("%s: read response: %w", method, err))
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", method, &provider.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return provider.Transient(fmt.Errorf("%s: unmarshal response: %w", method, err))
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return provider.Transient(fmt.Errorf("%s: unmarshal result: %w", method, err))
		}
	}

	return nil
}

// BlockNumber returns the latest block number.
func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, "eth_blockNumber", nil, &result); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// rpcTransaction is the raw eth_getTransactionByHash result.
type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	Value       *hexutil.Big    `json:"value"`
}

// TransactionByHash returns a transaction or ErrNotFound.
func (c *HTTPClient) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var result *rpcTransaction
	if err := c.call(ctx, "eth_getTransactionByHash", []interface{}{hash.Hex()}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("transaction %s: %w", hash.Hex(), ErrNotFound)
	}

	tx := &Transaction{
		Hash: result.Hash,
		From: result.From,
		To:   result.To,
	}
	if result.BlockNumber != nil {
		tx.BlockNumber = result.BlockNumber.ToInt().Uint64()
	}
	if result.Value != nil {
		tx.Value = result.Value.ToInt()
	}
	return tx, nil
}

// rpcReceipt is the raw eth_getTransactionReceipt result.
type rpcReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to"`
	Status          hexutil.Uint64  `json:"status"`
	Logs            []types.Log     `json:"logs"`
}

// TransactionReceipt returns a receipt or ErrNotFound.
func (c *HTTPClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var result *rpcReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash.Hex()}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ErrNotFound)
	}

	return &Receipt{
		TxHash:      result.TransactionHash,
		BlockNumber: uint64(result.BlockNumber),
		From:        result.From,
		To:          result.To,
		Status:      uint64(result.Status),
		Logs:        result.Logs,
	}, nil
}

// GetLogs returns logs matching the filter.
func (c *HTTPClient) GetLogs(ctx context.Context, filter LogFilter) ([]types.Log, error) {
	arg := map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(filter.FromBlock),
		"toBlock":   hexutil.EncodeUint64(filter.ToBlock),
	}
	if len(filter.Addresses) > 0 {
		arg["address"] = filter.Addresses
	}
	if len(filter.Topics) > 0 {
		topics := make([]interface{}, len(filter.Topics))
		for i, set := range filter.Topics {
			if len(set) == 0 {
				topics[i] = nil
				continue
			}
			topics[i] = set
		}
		arg["topics"] = topics
	}

	var logs []types.Log
	if err := c.call(ctx, "eth_getLogs", []interface{}{arg}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Call executes eth_call against the latest block.
func (c *HTTPClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := map[string]interface{}{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}

	var result hexutil.Bytes
	if err := c.call(ctx, "eth_call", []interface{}{msg, "latest"}, &result); err != nil {
		return nil, err
	}
	return result, nil
}
