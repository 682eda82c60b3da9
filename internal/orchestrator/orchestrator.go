// Package orchestrator drives per-token sync runs:
// discovery → aggregation → pricing → persistence → ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dex-pnl-indexer/internal/aggregation"
	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/observability"
	"dex-pnl-indexer/internal/provider"
	"dex-pnl-indexer/internal/status"
	"dex-pnl-indexer/internal/storage"
	"dex-pnl-indexer/internal/tradesource"
)

// Defaults for Options.
const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 4
	DefaultInterval    = 5 * time.Minute
)

// Aggregator normalizes one transaction group.
type Aggregator interface {
	Aggregate(ctx context.Context, token domain.TrackedToken, group *tradesource.TransactionGroup) (*aggregation.Result, error)
}

// Ledger applies one non-fee leg.
type Ledger interface {
	Apply(ctx context.Context, leg *domain.TradeLeg) (*domain.LedgerEntry, error)
}

// Orchestrator coordinates sync runs over tracked tokens.
// Each token runs sequentially; tokens run in parallel up to the concurrency limit.
type Orchestrator struct {
	source       tradesource.Source
	aggregator   Aggregator
	ledger       Ledger
	tokens       storage.TokenStore
	transactions storage.TransactionStore
	legs         storage.TradeLegStore
	cursors      storage.CursorStore
	audit        storage.LegAuditSink
	tracker      *status.Tracker

	batchSize   int
	concurrency int
	interval    time.Duration
	clock       provider.Clock
	logger      zerolog.Logger
}

// Options for creating Orchestrator.
type Options struct {
	// Required
	Source       tradesource.Source
	Aggregator   Aggregator
	Ledger       Ledger
	Transactions storage.TransactionStore
	Legs         storage.TradeLegStore
	Cursors      storage.CursorStore

	// Optional
	Tokens  storage.TokenStore   // tracked tokens are upserted at the start of each run
	Audit   storage.LegAuditSink // receives every persisted leg
	Tracker *status.Tracker

	BatchSize   int           // groups per persistence batch, default 50
	Concurrency int           // tokens in flight, default 4
	Interval    time.Duration // Loop period, default 5m
	Clock       provider.Clock
	Logger      zerolog.Logger
}

// New creates a new Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("orchestrator: trade source is required")
	case opts.Aggregator == nil:
		return nil, errors.New("orchestrator: aggregator is required")
	case opts.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case opts.Transactions == nil || opts.Legs == nil || opts.Cursors == nil:
		return nil, errors.New("orchestrator: transaction, leg and cursor stores are required")
	}

	o := &Orchestrator{
		source:       opts.Source,
		aggregator:   opts.Aggregator,
		ledger:       opts.Ledger,
		tokens:       opts.Tokens,
		transactions: opts.Transactions,
		legs:         opts.Legs,
		cursors:      opts.Cursors,
		audit:        opts.Audit,
		tracker:      opts.Tracker,
		batchSize:    opts.BatchSize,
		concurrency:  opts.Concurrency,
		interval:     opts.Interval,
		clock:        opts.Clock,
		logger:       opts.Logger.With().Str("component", "orchestrator").Logger(),
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	if o.interval <= 0 {
		o.interval = DefaultInterval
	}
	if o.clock == nil {
		o.clock = provider.SystemClock{}
	}
	if o.tracker == nil {
		o.tracker = status.NewTracker(status.Options{Clock: o.clock})
	}
	return o, nil
}

// Tracker returns the progress tracker the orchestrator publishes to.
func (o *Orchestrator) Tracker() *status.Tracker {
	return o.tracker
}

// TokenResult summarizes one token's sync.
type TokenResult struct {
	Token        string
	Pages        int
	Transactions int
	Legs         int
	Inserted     int // legs new to the store
	FeeLegs      int
	Wallets      int // distinct wallets with non-fee legs
	Skipped      int // legs dropped by the source parser or aggregator
	Outcomes     map[domain.LedgerOutcome]int
	CoveredUntil time.Time
	Duration     time.Duration
	Err          error

	wallets map[string]struct{}
}

// RunResult summarizes one RunAll pass.
type RunResult struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Tokens     []*TokenResult
}

// Failed returns the number of tokens whose sync returned an error.
func (r *RunResult) Failed() int {
	n := 0
	for _, t := range r.Tokens {
		if t.Err != nil {
			n++
		}
	}
	return n
}

// RunAll syncs every token once. A token's failure is recorded in its
// TokenResult and does not affect the others; only cancellation of ctx is
// returned as an error.
func (o *Orchestrator) RunAll(ctx context.Context, tokens []domain.TrackedToken) (*RunResult, error) {
	run := &RunResult{
		RunID:     uuid.NewString(),
		StartedAt: o.clock.Now(),
		Tokens:    make([]*TokenResult, len(tokens)),
	}
	log := o.logger.With().Str("run_id", run.RunID).Logger()
	log.Info().Int("tokens", len(tokens)).Msg("sync run started")

	o.tracker.StartRun(run.RunID, tokens)
	defer o.tracker.FinishRun()

	if o.tokens != nil {
		for i := range tokens {
			if err := o.tokens.Upsert(ctx, &tokens[i]); err != nil {
				log.Warn().Err(err).Str("token", tokens[i].Address).Msg("failed to record tracked token")
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := range tokens {
		token := tokens[i]
		idx := i
		g.Go(func() error {
			res := o.SyncToken(gctx, token)
			run.Tokens[idx] = res
			if res.Err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	err := g.Wait()

	run.FinishedAt = o.clock.Now()
	log.Info().
		Int("failed", run.Failed()).
		Dur("duration", run.FinishedAt.Sub(run.StartedAt)).
		Msg("sync run finished")

	if err != nil {
		return run, err
	}
	return run, ctx.Err()
}

// Loop runs RunAll immediately and then every interval until ctx is cancelled.
func (o *Orchestrator) Loop(ctx context.Context, tokens []domain.TrackedToken) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		run, err := o.RunAll(ctx, tokens)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if run.Failed() > 0 {
			o.logger.Warn().Str("run_id", run.RunID).Int("failed", run.Failed()).Msg("sync run had failures")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncToken resumes token from its cursor and processes every page up to now.
func (o *Orchestrator) SyncToken(ctx context.Context, token domain.TrackedToken) *TokenResult {
	start := o.clock.Now()
	res := &TokenResult{
		Token:    token.Address,
		Outcomes: make(map[domain.LedgerOutcome]int),
		wallets:  make(map[string]struct{}),
	}
	log := o.logger.With().Str("token", token.Address).Str("symbol", token.Symbol).Logger()

	res.Err = o.syncToken(ctx, token, res, log)
	res.Duration = o.clock.Now().Sub(start)

	statusLabel := "success"
	if res.Err != nil {
		statusLabel = "failed"
		log.Error().Err(res.Err).Msg("token sync failed")
		o.tracker.Update(token.Address, func(p *status.TokenProgress) {
			p.Phase = status.PhaseFailed
			p.Error = res.Err.Error()
		})
	} else {
		log.Info().
			Int("pages", res.Pages).
			Int("transactions", res.Transactions).
			Int("legs", res.Legs).
			Int("inserted", res.Inserted).
			Int("fee_legs", res.FeeLegs).
			Int("wallets", res.Wallets).
			Dur("duration", res.Duration).
			Msg("token synced")
		o.tracker.Update(token.Address, func(p *status.TokenProgress) {
			p.Phase = status.PhaseDone
			p.Error = ""
		})
	}
	observability.RecordSyncRun(token.Address, statusLabel, res.Duration.Seconds(), o.clock.Now().Unix())
	return res
}

func (o *Orchestrator) syncToken(ctx context.Context, token domain.TrackedToken, res *TokenResult, log zerolog.Logger) error {
	cursor, err := o.cursors.Get(ctx, token.Address)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cursor = &domain.SyncCursor{TokenAddress: token.Address}
	case err != nil:
		return fmt.Errorf("load cursor: %w", err)
	}

	from := cursor.CoveredUntil
	to := o.clock.Now().UTC().Truncate(time.Second)
	if !from.IsZero() && !from.Before(to) {
		log.Debug().Time("covered_until", from).Msg("token up to date")
		res.CoveredUntil = from
		return nil
	}

	o.tracker.Update(token.Address, func(p *status.TokenProgress) {
		p.Phase = status.PhaseDiscovering
		p.From = from
		p.To = to
		p.CoveredUntil = from
	})
	log.Info().Time("from", from).Time("to", to).Msg("token sync started")

	return o.source.FetchAllTrades(ctx, token.Address, from, to, func(ctx context.Context, page tradesource.Page) error {
		return o.handlePage(ctx, token, cursor, page, res, log)
	})
}

func (o *Orchestrator) handlePage(ctx context.Context, token domain.TrackedToken, cursor *domain.SyncCursor,
	page tradesource.Page, res *TokenResult, log zerolog.Logger) error {
	res.Pages++
	res.Skipped += page.Skipped

	for startIdx := 0; startIdx < len(page.Groups); startIdx += o.batchSize {
		end := startIdx + o.batchSize
		if end > len(page.Groups) {
			end = len(page.Groups)
		}
		if err := o.processBatch(ctx, token, page.Groups[startIdx:end], res, log); err != nil {
			return fmt.Errorf("page %d: %w", page.Index, err)
		}
	}

	cursor.CoveredUntil = page.NextStart
	cursor.Pages++
	if n := len(page.Groups); n > 0 {
		last := page.Groups[n-1]
		cursor.LastBlock = last.BlockNumber
		cursor.LastTxHash = last.TxHash
	}
	cursor.UpdatedAt = o.clock.Now()
	if err := o.cursors.Upsert(ctx, cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	res.CoveredUntil = cursor.CoveredUntil

	o.tracker.Update(token.Address, func(p *status.TokenProgress) {
		p.Phase = status.PhaseProcessing
		if p.From.IsZero() {
			p.From = page.WindowStart
		}
		p.CoveredUntil = page.NextStart
		p.Pages = int64(res.Pages)
		p.Transactions = int64(res.Transactions)
		p.Legs = int64(res.Legs)
		p.FeeLegs = int64(res.FeeLegs)
		p.Wallets = int64(res.Wallets)
		p.Skipped = int64(res.Skipped)
	})
	return nil
}

// processBatch aggregates groups, persists transactions and legs, then
// applies non-fee legs to the ledger in block-time order.
func (o *Orchestrator) processBatch(ctx context.Context, token domain.TrackedToken, groups []tradesource.TransactionGroup,
	res *TokenResult, log zerolog.Logger) error {
	var (
		txs  []*domain.Transaction
		legs []*domain.TradeLeg
	)
	for i := range groups {
		out, err := o.aggregator.Aggregate(ctx, token, &groups[i])
		if err != nil {
			return fmt.Errorf("aggregate %s: %w", groups[i].TxHash, err)
		}
		res.Skipped += out.Skipped
		if out.Transaction == nil {
			continue
		}
		txs = append(txs, out.Transaction)
		legs = append(legs, out.Legs...)
	}
	if len(txs) == 0 {
		return nil
	}

	for _, tx := range txs {
		if err := o.transactions.Upsert(ctx, tx); err != nil {
			return fmt.Errorf("upsert transaction %s: %w", tx.Hash, err)
		}
	}
	inserted, err := o.legs.InsertBulk(ctx, legs)
	if err != nil {
		return fmt.Errorf("insert legs: %w", err)
	}
	if o.audit != nil {
		if err := o.audit.InsertLegs(ctx, legs); err != nil {
			log.Warn().Err(err).Int("legs", len(legs)).Msg("audit sink insert failed")
		}
	}

	res.Transactions += len(txs)
	res.Legs += len(legs)
	res.Inserted += inserted

	ordered := make([]*domain.TradeLeg, 0, len(legs))
	for _, l := range legs {
		if l.IsFee {
			res.FeeLegs++
			continue
		}
		ordered = append(ordered, l)
		res.wallets[l.Wallet] = struct{}{}
	}
	res.Wallets = len(res.wallets)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.BlockTime.Equal(b.BlockTime) {
			return a.BlockTime.Before(b.BlockTime)
		}
		return a.BlockNumber < b.BlockNumber
	})

	for _, l := range ordered {
		entry, err := o.ledger.Apply(ctx, l)
		if err != nil {
			return fmt.Errorf("apply leg %s: %w", l.LegID, err)
		}
		res.Outcomes[entry.Outcome]++
	}
	return nil
}
