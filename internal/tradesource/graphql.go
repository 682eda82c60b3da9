package tradesource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dex-pnl-indexer/internal/provider"
)

const tradesQuery = `query TokenTrades($network: evm_network!, $token: String!, $since: DateTime!, $till: DateTime!, $limit: Int!) {
  EVM(network: $network, dataset: combined) {
    DEXTrades(
      limit: {count: $limit}
      orderBy: {ascending: Block_Time}
      where: {Block: {Time: {since: $since, till: $till}}, any: [{Trade: {Buy: {Currency: {SmartContract: {is: $token}}}}}, {Trade: {Sell: {Currency: {SmartContract: {is: $token}}}}}]}
    ) {
      Block { Number Time }
      Transaction { Hash From }
      Trade {
        Dex { ProtocolName SmartContract }
        Buy { Amount AmountInUSD Buyer Seller Currency { SmartContract Symbol Decimals } }
        Sell { Amount AmountInUSD Buyer Seller Currency { SmartContract Symbol Decimals } }
      }
    }
  }
}`

const firstTradeQuery = `query TokenFirstTrade($network: evm_network!, $token: String!) {
  EVM(network: $network, dataset: combined) {
    DEXTrades(
      limit: {count: 1}
      orderBy: {ascending: Block_Time}
      where: {any: [{Trade: {Buy: {Currency: {SmartContract: {is: $token}}}}}, {Trade: {Sell: {Currency: {SmartContract: {is: $token}}}}}]}
    ) {
      Block { Number Time }
    }
  }
}`

const firstTransferQuery = `query TokenFirstTransfer($network: evm_network!, $token: String!) {
  EVM(network: $network, dataset: combined) {
    Transfers(
      limit: {count: 1}
      orderBy: {ascending: Block_Time}
      where: {Transfer: {Currency: {SmartContract: {is: $token}}}}
    ) {
      Block { Number Time }
    }
  }
}`

// graphQLRequest is the POST body of a GraphQL call.
type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// graphQLResponse is the envelope of a GraphQL reply.
type graphQLResponse struct {
	Data   *evmData       `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// QueryError carries GraphQL-level errors. Classification follows the message text.
type QueryError struct {
	Messages []string
}

func (e *QueryError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

type evmData struct {
	EVM *struct {
		DEXTrades *[]tradeRow    `json:"DEXTrades"`
		Transfers *[]transferRow `json:"Transfers"`
	} `json:"EVM"`
}

type blockRow struct {
	Number json.Number `json:"Number"`
	Time   string      `json:"Time"`
}

type currencyRow struct {
	SmartContract string      `json:"SmartContract"`
	Symbol        string      `json:"Symbol"`
	Decimals      json.Number `json:"Decimals"`
}

type sideRow struct {
	Amount      json.Number `json:"Amount"`
	AmountInUSD json.Number `json:"AmountInUSD"`
	Buyer       string      `json:"Buyer"`
	Seller      string      `json:"Seller"`
	Currency    currencyRow `json:"Currency"`
}

type tradeRow struct {
	Block       blockRow `json:"Block"`
	Transaction struct {
		Hash string `json:"Hash"`
		From string `json:"From"`
	} `json:"Transaction"`
	Trade struct {
		Dex struct {
			ProtocolName  string `json:"ProtocolName"`
			SmartContract string `json:"SmartContract"`
		} `json:"Dex"`
		Buy  sideRow `json:"Buy"`
		Sell sideRow `json:"Sell"`
	} `json:"Trade"`
}

type transferRow struct {
	Block blockRow `json:"Block"`
}

// query posts a GraphQL request to one endpoint.
func (c *Client) query(ctx context.Context, endpoint, query string, vars map[string]interface{}) (*evmData, error) {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.keyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out graphQLResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, provider.Transient(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}

	if len(out.Errors) > 0 && (out.Data == nil || out.Data.EVM == nil) {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, &QueryError{Messages: msgs}
	}

	if out.Data == nil || out.Data.EVM == nil {
		return nil, provider.Transient(fmt.Errorf("%w: missing data.EVM", ErrMalformedResponse))
	}
	return out.Data, nil
}

// fetchRows fetches one window of trades, falling back across endpoints.
func (c *Client) fetchRows(ctx context.Context, token string, since, till time.Time) ([]tradeRow, error) {
	vars := map[string]interface{}{
		"network": c.network,
		"token":   token,
		"since":   since.UTC().Format(time.RFC3339),
		"till":    till.UTC().Format(time.RFC3339),
		"limit":   c.pageLimit,
	}

	return provider.Get(ctx, c.pool, func(ctx context.Context, p *provider.Provider) ([]tradeRow, error) {
		data, err := c.query(ctx, p.Endpoint, tradesQuery, vars)
		if err != nil {
			return nil, err
		}
		if data.EVM.DEXTrades == nil {
			return nil, provider.Transient(fmt.Errorf("%w: missing DEXTrades", ErrMalformedResponse))
		}
		return *data.EVM.DEXTrades, nil
	})
}
