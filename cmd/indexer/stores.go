package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"dex-pnl-indexer/internal/config"
	"dex-pnl-indexer/internal/legfeed"
	"dex-pnl-indexer/internal/storage"
	chstore "dex-pnl-indexer/internal/storage/clickhouse"
	"dex-pnl-indexer/internal/storage/memory"
	"dex-pnl-indexer/internal/storage/migrations"
	pgstore "dex-pnl-indexer/internal/storage/postgres"
)

// stores holds every storage implementation the orchestrator needs.
type stores struct {
	tokens       storage.TokenStore
	transactions storage.TransactionStore
	legs         storage.TradeLegStore
	positions    storage.PositionStore
	cursors      storage.CursorStore
	audit        storage.LegAuditSink // nil without ClickHouse or Kafka

	closers []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores connects to PostgreSQL (or builds in-memory stores) and the
// optional leg sinks: the ClickHouse audit table and the Kafka leg feed.
// Migrations run on connect.
func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	st := &stores{}

	if cfg.UseMemory {
		log.Warn().Msg("using in-memory storage, state is lost on exit")
		st.tokens = memory.NewTokenStore()
		st.transactions = memory.NewTransactionStore()
		st.legs = memory.NewTradeLegStore()
		st.positions = memory.NewPositionStore()
		st.cursors = memory.NewCursorStore()
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		st.closers = append(st.closers, pool.Close)

		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("applied postgres migration")
		}

		st.tokens = pgstore.NewTokenStore(pool)
		st.transactions = pgstore.NewTransactionStore(pool)
		st.legs = pgstore.NewTradeLegStore(pool)
		st.positions = pgstore.NewPositionStore(pool)
		st.cursors = pgstore.NewCursorStore(pool)
	}

	var sinks storage.AuditSinks
	if cfg.ClickHouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		st.closers = append(st.closers, func() { _ = conn.Close() })
		sinks = append(sinks, chstore.NewTradeLegStore(conn))
		log.Info().Msg("clickhouse leg audit enabled")
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub := legfeed.NewPublisher(legfeed.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		st.closers = append(st.closers, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka leg feed enabled")
	}

	switch len(sinks) {
	case 0:
	case 1:
		st.audit = sinks[0]
	default:
		st.audit = sinks
	}
	return st, nil
}
