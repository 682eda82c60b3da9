// Command positions prints FIFO positions with realized and unrealized PnL.
//
// Unrealized PnL uses the current market price of each token. Pass --wallet to
// list one wallet's positions across tokens, --token for every holder of one
// token, or neither for every tracked token.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/config"
	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/ledger"
	"dex-pnl-indexer/internal/logger"
	"dex-pnl-indexer/internal/pricing"
	"dex-pnl-indexer/internal/storage"
	pgstore "dex-pnl-indexer/internal/storage/postgres"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional .env file")
	wallet := flag.String("wallet", "", "Wallet address")
	token := flag.String("token", "", "Token address")
	openOnly := flag.Bool("open", false, "Hide closed positions")
	noPrice := flag.Bool("no-price", false, "Skip market price lookup")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	if cfg.PostgresDSN == "" {
		log.Fatal().Err(config.ErrMissingPostgresDSN).Msg("positions are read from postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	defer pool.Close()

	positions, err := loadPositions(ctx, pgstore.NewPositionStore(pool), pgstore.NewTokenStore(pool),
		domain.NormalizeAddress(*wallet), domain.NormalizeAddress(*token))
	if err != nil {
		log.Fatal().Err(err).Msg("load positions")
	}

	var resolver *pricing.Resolver
	if !*noPrice {
		resolver = pricing.NewResolver(pricing.Options{
			Stablecoins: cfg.Stablecoins,
			Market:      pricing.NewDexScreener(cfg.MarketAPIURL, "", cfg.CallTimeout),
			Cache:       pricing.NewTTLCache(cfg.PriceCacheTTL, nil),
			Logger:      log,
		})
	}

	prices := make(map[string]decimal.NullDecimal)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "WALLET\tTOKEN\tREMAINING\tCOST BASIS\tAVG COST\tREALIZED\tPRICE\tUNREALIZED\tLOTS\t")

	var totalRealized, totalUnrealized decimal.Decimal
	for _, p := range positions {
		if *openOnly && !p.IsOpen() {
			continue
		}

		price, ok := prices[p.TokenAddress]
		if !ok && resolver != nil {
			v, err := resolver.CurrentPrice(ctx, p.TokenAddress)
			if err != nil {
				log.Warn().Err(err).Str("token", p.TokenAddress).Msg("no current price")
			} else {
				price = decimal.NewNullDecimal(v)
			}
			prices[p.TokenAddress] = price
		}

		priceCol, unrealizedCol := "-", "-"
		if price.Valid {
			u := ledger.UnrealizedPnL(p, price.Decimal)
			totalUnrealized = totalUnrealized.Add(u)
			priceCol = price.Decimal.String()
			unrealizedCol = u.StringFixed(2)
		}
		totalRealized = totalRealized.Add(p.RealizedPnL)

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t\n",
			p.Wallet, p.TokenAddress,
			p.RemainingHuman().String(),
			p.CostBasisUSD.StringFixed(2),
			p.AverageCost().Round(8).String(),
			p.RealizedPnL.StringFixed(2),
			priceCol, unrealizedCol, len(p.Lots))
	}
	fmt.Fprintf(w, "TOTAL\t\t\t\t\t%s\t\t%s\t\t\n", totalRealized.StringFixed(2), totalUnrealized.StringFixed(2))
	_ = w.Flush()
}

// loadPositions returns the positions selected by wallet and/or token. With
// neither set it walks every tracked token.
func loadPositions(ctx context.Context, store storage.PositionStore, tokens storage.TokenStore, wallet, token string) ([]*domain.Position, error) {
	switch {
	case wallet != "" && token != "":
		p, err := store.Get(ctx, wallet, token)
		if err != nil {
			return nil, err
		}
		return []*domain.Position{p}, nil
	case wallet != "":
		return store.ListByWallet(ctx, wallet)
	case token != "":
		return byHolding(store.ListByToken(ctx, token))
	}

	tracked, err := tokens.List(ctx)
	if err != nil {
		return nil, err
	}
	var all []*domain.Position
	for _, t := range tracked {
		ps, err := byHolding(store.ListByToken(ctx, t.Address))
		if err != nil {
			return nil, err
		}
		all = append(all, ps...)
	}
	return all, nil
}

// byHolding orders positions largest holder first.
func byHolding(ps []*domain.Position, err error) ([]*domain.Position, error) {
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].Remaining.Cmp(ps[j].Remaining) > 0
	})
	return ps, nil
}
