package tradesource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/observability"
	"dex-pnl-indexer/internal/provider"
)

// Default configuration values.
const (
	DefaultWindow           = 7 * 24 * time.Hour
	DefaultPageLimit        = 10000
	DefaultFallbackLookback = 90 * 24 * time.Hour
	DefaultEmptyPageLimit   = 2
	DefaultMaxRetries       = 3
	DefaultRetryInitial     = time.Second
	DefaultKeyHeader        = "X-API-KEY"
	DefaultNetwork          = "eth"
)

// DecimalsFunc resolves decimals for a currency the source did not describe.
type DecimalsFunc func(ctx context.Context, token string) (int32, error)

// Client implements Source against a GraphQL trade history API.
type Client struct {
	pool       *provider.Pool
	httpClient *http.Client
	apiKey     string
	keyHeader  string
	network    string

	window           time.Duration
	pageLimit        int
	fallbackLookback time.Duration
	emptyPageLimit   int
	maxRetries       int
	retryInitial     time.Duration

	decimals DecimalsFunc
	clock    provider.Clock
	logger   zerolog.Logger
}

var _ Source = (*Client)(nil)

// Options contains configuration for creating a Client.
type Options struct {
	Pool       *provider.Pool // endpoints, rotated on auth failure
	HTTPClient *http.Client
	APIKey     string
	KeyHeader  string
	Network    string

	Window           time.Duration
	PageLimit        int
	FallbackLookback time.Duration
	EmptyPageLimit   int
	MaxRetries       int
	RetryInitial     time.Duration

	Decimals DecimalsFunc
	Clock    provider.Clock
	Logger   zerolog.Logger
}

// New creates a trade source client.
func New(opts Options) (*Client, error) {
	if opts.Pool == nil {
		return nil, errors.New("tradesource: endpoint pool is required")
	}
	if opts.APIKey == "" {
		return nil, errors.New("tradesource: API key is required")
	}

	c := &Client{
		pool:             opts.Pool,
		httpClient:       opts.HTTPClient,
		apiKey:           opts.APIKey,
		keyHeader:        opts.KeyHeader,
		network:          opts.Network,
		window:           opts.Window,
		pageLimit:        opts.PageLimit,
		fallbackLookback: opts.FallbackLookback,
		emptyPageLimit:   opts.EmptyPageLimit,
		maxRetries:       opts.MaxRetries,
		retryInitial:     opts.RetryInitial,
		decimals:         opts.Decimals,
		clock:            opts.Clock,
		logger:           opts.Logger.With().Str("component", "tradesource").Logger(),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.keyHeader == "" {
		c.keyHeader = DefaultKeyHeader
	}
	if c.network == "" {
		c.network = DefaultNetwork
	}
	if c.window <= 0 {
		c.window = DefaultWindow
	}
	if c.pageLimit <= 0 {
		c.pageLimit = DefaultPageLimit
	}
	if c.fallbackLookback <= 0 {
		c.fallbackLookback = DefaultFallbackLookback
	}
	if c.emptyPageLimit <= 0 {
		c.emptyPageLimit = DefaultEmptyPageLimit
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	} else if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.retryInitial <= 0 {
		c.retryInitial = DefaultRetryInitial
	}
	if c.clock == nil {
		c.clock = provider.SystemClock{}
	}
	return c, nil
}

// FetchAllTrades pages token's trades from from to to and hands each page to handler.
//
// A zero from triggers inception discovery; a zero to means now. Windows are requested
// ascending by block time. A page that hit the row limit resumes at its last trade time
// so rows sharing that second are not lost; the previous page's signatures drop the repeats.
// A page below the limit resumes one second after its last trade, an empty page after its
// window. Pagination stops once the start reaches to or after EmptyPageLimit consecutive
// empty pages.
func (c *Client) FetchAllTrades(ctx context.Context, token string, from, to time.Time, handler PageHandler) error {
	token = domain.NormalizeAddress(token)
	log := c.logger.With().Str("token", token).Logger()

	if to.IsZero() {
		to = c.clock.Now().UTC().Truncate(time.Second)
	}
	if from.IsZero() {
		inception, err := c.Inception(ctx, token)
		if err != nil {
			from = to.Add(-c.fallbackLookback)
			log.Warn().Err(err).Time("from", from).Msg("inception unknown, using fallback lookback")
		} else {
			from = inception
			log.Info().Time("inception", inception).Msg("token inception discovered")
		}
	}

	start := from.UTC()
	prevSigs := map[string]struct{}{}
	emptyStreak := 0

	for index := 1; start.Before(to); index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start.Add(c.window)
		if end.After(to) {
			end = to
		}

		var rows []tradeRow
		err := c.withRetry(ctx, "fetch page", func(ctx context.Context) error {
			var err error
			rows, err = c.fetchRows(ctx, token, start, end)
			return err
		})
		if err != nil {
			return fmt.Errorf("fetch %s window %s..%s: %w", token, start.Format(time.RFC3339), end.Format(time.RFC3339), err)
		}

		page, sigs := c.buildPage(ctx, rows, prevSigs, log)
		page.Index = index
		page.WindowStart = start
		page.WindowEnd = end

		switch {
		case len(rows) == 0:
			emptyStreak++
			page.NextStart = end
		default:
			emptyStreak = 0
			last, ok := lastRowTime(rows, start)
			switch {
			case len(rows) < c.pageLimit && ok:
				page.NextStart = last.Add(time.Second)
			case len(rows) < c.pageLimit:
				// No usable row time; resume at the window end, overlap is deduplicated.
				page.NextStart = end
			case ok && last.After(start):
				page.NextStart = last
			default:
				// Every row sits at the window start; step past it to guarantee progress.
				page.NextStart = start.Add(time.Second)
				log.Warn().Time("at", start).Int("rows", len(rows)).Msg("full page within one second, advancing 1s")
			}
		}

		observability.RecordPage(token, page.Duplicates)
		log.Debug().
			Int("page", index).
			Time("window_start", start).
			Time("window_end", end).
			Int("rows", page.Rows).
			Int("duplicates", page.Duplicates).
			Int("groups", len(page.Groups)).
			Msg("page fetched")

		if err := handler(ctx, page); err != nil {
			return err
		}

		prevSigs = sigs
		start = page.NextStart
		if emptyStreak >= c.emptyPageLimit {
			log.Debug().Int("empty_pages", emptyStreak).Msg("stopping after consecutive empty pages")
			break
		}
	}

	return nil
}

// buildPage parses rows, drops repeats and groups legs by transaction.
// It returns the page and the signatures seen in it.
func (c *Client) buildPage(ctx context.Context, rows []tradeRow, prevSigs map[string]struct{}, log zerolog.Logger) (Page, map[string]struct{}) {
	page := Page{Rows: len(rows)}
	sigs := make(map[string]struct{}, len(rows))
	byHash := make(map[string]int)

	for i := range rows {
		leg, err := c.parseRow(ctx, &rows[i])
		if err != nil {
			page.Skipped++
			log.Warn().Err(err).Str("tx", rows[i].Transaction.Hash).Msg("skipping unparseable trade row")
			continue
		}

		sig := leg.Signature().String()
		_, seenPrev := prevSigs[sig]
		_, seenHere := sigs[sig]
		sigs[sig] = struct{}{}
		if seenPrev || seenHere {
			page.Duplicates++
			continue
		}

		idx, ok := byHash[leg.TxHash]
		if !ok {
			page.Groups = append(page.Groups, TransactionGroup{
				TxHash:      leg.TxHash,
				BlockNumber: leg.BlockNumber,
				BlockTime:   leg.BlockTime,
				TxFrom:      leg.TxFrom,
			})
			idx = len(page.Groups) - 1
			byHash[leg.TxHash] = idx
		}
		page.Groups[idx].Legs = append(page.Groups[idx].Legs, leg)
	}

	return page, sigs
}

// withRetry retries transient failures with exponential backoff (1s, 2s, 4s by default).
// Non-retryable errors return immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.retryInitial << c.maxRetries
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !provider.Classify(err).IsRetryable() {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Str("class", string(provider.Classify(err))).
			Err(err).
			Msg("retrying trade source call")
	})

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// lastRowTime returns the newest parseable row time not before start.
func lastRowTime(rows []tradeRow, start time.Time) (time.Time, bool) {
	for i := len(rows) - 1; i >= 0; i-- {
		at, err := parseTime(rows[i].Block.Time)
		if err == nil && !at.Before(start) {
			return at, true
		}
	}
	return time.Time{}, false
}
