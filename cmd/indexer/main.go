// Command indexer pages DEX trades for the tracked tokens, stores transactions and
// trade legs, and keeps per-wallet FIFO positions with realized PnL.
//
// Modes:
//
//	sync   one pass over every tracked token, then exit
//	loop   sync every --interval until interrupted
//	serve  loop plus the status server (/status, /logs, /ws, /metrics, /health)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dex-pnl-indexer/internal/aggregation"
	"dex-pnl-indexer/internal/config"
	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/evm"
	"dex-pnl-indexer/internal/ledger"
	"dex-pnl-indexer/internal/logger"
	"dex-pnl-indexer/internal/orchestrator"
	"dex-pnl-indexer/internal/pricing"
	"dex-pnl-indexer/internal/provider"
	"dex-pnl-indexer/internal/status"
	"dex-pnl-indexer/internal/tradesource"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional .env file")
	mode := flag.String("mode", "serve", "Run mode: sync, loop or serve")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	httpAddr := flag.String("http-addr", "", "Status server address (overrides HTTP_ADDR)")
	interval := flag.Duration("interval", 0, "Loop interval (overrides SYNC_INTERVAL)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *useMemory {
		cfg.UseMemory = true
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *interval > 0 {
		cfg.SyncInterval = *interval
	}

	tracker := status.NewTracker(status.Options{LogCapacity: cfg.LogBufferSize})
	log := logger.New(cfg.LogLevel).Hook(tracker.Hook())

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	switch *mode {
	case "sync", "loop", "serve":
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode, want sync, loop or serve")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mode, tracker, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("indexer failed")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, mode string, tracker *status.Tracker, log zerolog.Logger) error {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	rpcProviders := provider.FromEndpoints("rpc", cfg.RPCEndpoints)
	rpcPool, err := provider.NewPool(provider.PoolOptions{
		Name:      "rpc",
		Providers: rpcProviders,
		Timeout:   cfg.CallTimeout,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	client := evm.NewMultiClient(rpcPool, rpcProviders, evm.WithTimeout(cfg.CallTimeout))
	meta := evm.NewTokenMetadata(client)

	tokens, err := bootstrapTokens(ctx, cfg.TrackedTokens, meta, log)
	if err != nil {
		return err
	}

	sourcePool, err := provider.NewPool(provider.PoolOptions{
		Name:      "tradesource",
		Providers: provider.FromEndpoints("tradesource", cfg.TradeSourceEndpoints),
		Logger:    log,
	})
	if err != nil {
		return err
	}
	source, err := tradesource.New(tradesource.Options{
		Pool:             sourcePool,
		APIKey:           cfg.TradeSourceAPIKey,
		KeyHeader:        cfg.TradeSourceKeyHeader,
		Network:          cfg.Network,
		Window:           cfg.WindowSize,
		PageLimit:        cfg.PageLimit,
		FallbackLookback: cfg.FallbackLookback,
		EmptyPageLimit:   cfg.EmptyPageLimit,
		Decimals: func(ctx context.Context, token string) (int32, error) {
			return meta.Decimals(ctx, common.HexToAddress(token))
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	cache, closeCache := priceCache(ctx, cfg, log)
	defer closeCache()

	resolver := pricing.NewResolver(pricing.Options{
		Stablecoins: cfg.Stablecoins,
		Market:      pricing.NewDexScreener(cfg.MarketAPIURL, marketChain(cfg.Network), cfg.CallTimeout),
		Cache:       cache,
		Logger:      log,
	})
	addrs := make([]string, len(tokens))
	for i, t := range tokens {
		addrs[i] = t.Address
	}
	seeded, err := resolver.SeedLastPrices(ctx, st.legs, addrs)
	if err != nil {
		return err
	}
	log.Info().Int("tokens", seeded).Msg("last trade prices restored")

	fees, err := aggregation.NewFeeClassifier(cfg.FeeThresholdUSD, cfg.FeeLockerPatterns, cfg.FeeLockerAddresses)
	if err != nil {
		return err
	}
	agg := aggregation.New(aggregation.Options{
		Excluded: aggregation.NewAddressSet(cfg.RouterAddresses),
		Pricer:   resolver,
		Fees:     fees,
		Client:   client,
		Logger:   log,
	})

	led, err := ledger.New(ledger.Options{Store: st.positions, Logger: log})
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Source:       source,
		Aggregator:   agg,
		Ledger:       led,
		Transactions: st.transactions,
		Legs:         st.legs,
		Cursors:      st.cursors,
		Tokens:       st.tokens,
		Audit:        st.audit,
		Tracker:      tracker,
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.TokenConcurrency,
		Interval:     cfg.SyncInterval,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	switch mode {
	case "sync":
		runRes, err := orch.RunAll(ctx, tokens)
		if err != nil {
			return err
		}
		logRun(log, runRes)
		if n := runRes.Failed(); n > 0 {
			return fmt.Errorf("%d of %d tokens failed", n, len(tokens))
		}
		return nil

	case "loop":
		return orch.Loop(ctx, tokens)

	default:
		srv := status.NewServer(tracker, log)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPAddr) })
		g.Go(func() error { return orch.Loop(gctx, tokens) })
		log.Info().Str("addr", cfg.HTTPAddr).Dur("interval", cfg.SyncInterval).Msg("serving")
		return g.Wait()
	}
}

// bootstrapTokens fills in decimals and symbols the configuration left out.
// Configured decimals always win over chain reads.
func bootstrapTokens(ctx context.Context, configured []domain.TrackedToken, meta *evm.TokenMetadata, log zerolog.Logger) ([]domain.TrackedToken, error) {
	tokens := make([]domain.TrackedToken, 0, len(configured))
	for _, tok := range configured {
		addr := common.HexToAddress(tok.Address)
		if tok.Decimals >= 0 {
			meta.Seed(addr, tok.Decimals)
		} else {
			d, err := meta.Decimals(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("resolve decimals for %s: %w", tok.Address, err)
			}
			tok.Decimals = d
		}
		if tok.Symbol == "" {
			sym, err := meta.Symbol(ctx, addr)
			if err != nil {
				log.Warn().Err(err).Str("token", tok.Address).Msg("symbol lookup failed")
			}
			tok.Symbol = sym
		}
		log.Info().Str("token", tok.Address).Str("symbol", tok.Symbol).Int32("decimals", tok.Decimals).Msg("tracking token")
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// priceCache prefers Redis when configured and reachable.
func priceCache(ctx context.Context, cfg *config.Config, log zerolog.Logger) (pricing.Cache, func()) {
	if cfg.RedisAddr != "" {
		rc := pricing.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PriceCacheTTL, log)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := rc.Ping(pingCtx)
		if err == nil {
			log.Info().Str("addr", cfg.RedisAddr).Msg("using redis price cache")
			return rc, func() { _ = rc.Close() }
		}
		log.Warn().Err(err).Msg("redis unreachable, using in-process price cache")
		_ = rc.Close()
	}
	return pricing.NewTTLCache(cfg.PriceCacheTTL, nil), func() {}
}

// marketChain maps the trade source network name to the market API chain id.
func marketChain(network string) string {
	switch network {
	case "eth", "ethereum":
		return "ethereum"
	case "bsc":
		return "bsc"
	case "base":
		return "base"
	case "arbitrum":
		return "arbitrum"
	case "matic", "polygon":
		return "polygon"
	default:
		return ""
	}
}

func logRun(log zerolog.Logger, run *orchestrator.RunResult) {
	for _, t := range run.Tokens {
		ev := log.Info()
		if t.Err != nil {
			ev = log.Error().Err(t.Err)
		}
		ev.Str("token", t.Token).
			Int("pages", t.Pages).
			Int("transactions", t.Transactions).
			Int("legs", t.Legs).
			Int("inserted", t.Inserted).
			Int("fee_legs", t.FeeLegs).
			Int("skipped", t.Skipped).
			Int("applied", t.Outcomes[domain.OutcomeApplied]).
			Int("partial", t.Outcomes[domain.OutcomePartial]).
			Int("duplicate", t.Outcomes[domain.OutcomeDuplicate]).
			Int("unpriced", t.Outcomes[domain.OutcomeUnpriced]).
			Time("covered_until", t.CoveredUntil).
			Msg("token result")
	}
}
