package tradesource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/provider"
)

// ErrNoHistory is returned when the source has no trade or transfer for a token.
var ErrNoHistory = errors.New("no history for token")

// Inception returns the time of a token's first trade, or of its first transfer when
// no trade is known.
func (c *Client) Inception(ctx context.Context, token string) (time.Time, error) {
	token = domain.NormalizeAddress(token)

	t, tradeErr := c.firstBlockTime(ctx, token, firstTradeQuery, true)
	if tradeErr == nil {
		return t, nil
	}

	t, transferErr := c.firstBlockTime(ctx, token, firstTransferQuery, false)
	if transferErr == nil {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("inception of %s: trades: %v; transfers: %w", token, tradeErr, transferErr)
}

func (c *Client) firstBlockTime(ctx context.Context, token, query string, trades bool) (time.Time, error) {
	vars := map[string]interface{}{
		"network": c.network,
		"token":   token,
	}

	var blockTime string
	err := c.withRetry(ctx, "inception", func(ctx context.Context) error {
		return c.pool.Fallback(ctx, func(ctx context.Context, p *provider.Provider) error {
			data, err := c.query(ctx, p.Endpoint, query, vars)
			if err != nil {
				return err
			}

			var blocks []blockRow
			switch {
			case trades && data.EVM.DEXTrades != nil:
				for _, r := range *data.EVM.DEXTrades {
					blocks = append(blocks, r.Block)
				}
			case !trades && data.EVM.Transfers != nil:
				for _, r := range *data.EVM.Transfers {
					blocks = append(blocks, r.Block)
				}
			default:
				return provider.Transient(fmt.Errorf("%w: missing result list", ErrMalformedResponse))
			}

			if len(blocks) == 0 {
				blockTime = ""
				return nil
			}
			blockTime = blocks[0].Time
			return nil
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	if blockTime == "" {
		return time.Time{}, ErrNoHistory
	}
	return parseTime(blockTime)
}
