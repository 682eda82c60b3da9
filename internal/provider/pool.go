// Package provider manages prioritized upstream endpoints with health tracking,
// rate-limit backoff and fallback/racing execution.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dex-pnl-indexer/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout    = 8 * time.Second
	DefaultMaxBackoff = 60 * time.Second
)

// Provider is one upstream endpoint. Lower Priority values are preferred.
type Provider struct {
	Name     string
	Endpoint string
	Priority int
}

// ProviderState is the transient health record of a provider.
type ProviderState struct {
	AuthFailed        bool
	RateLimitAttempts int
	BackoffUntil      time.Time
	Failures          int
	LastError         string
	LastSuccess       time.Time
}

// Call runs one request against a provider. ctx carries the per-call timeout.
type Call func(ctx context.Context, p *Provider) error

// Pool holds providers in priority order and tracks their health.
// All state is guarded by mu; Pool is safe for concurrent use.
type Pool struct {
	name       string
	providers  []*Provider
	timeout    time.Duration
	maxBackoff time.Duration
	clock      Clock
	logger     zerolog.Logger

	mu     sync.Mutex
	states map[string]*ProviderState
}

// PoolOptions contains configuration for creating a Pool.
type PoolOptions struct {
	Name       string // used in logs and metrics
	Providers  []Provider
	Timeout    time.Duration
	MaxBackoff time.Duration
	Clock      Clock
	Logger     zerolog.Logger
}

// NewPool creates a pool. Providers with equal priority keep their given order.
func NewPool(opts PoolOptions) (*Pool, error) {
	if len(opts.Providers) == 0 {
		return nil, fmt.Errorf("provider pool %q: %w", opts.Name, ErrNoProvider)
	}

	p := &Pool{
		name:       opts.Name,
		timeout:    opts.Timeout,
		maxBackoff: opts.MaxBackoff,
		clock:      opts.Clock,
		logger:     opts.Logger.With().Str("pool", opts.Name).Logger(),
		states:     make(map[string]*ProviderState, len(opts.Providers)),
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.maxBackoff <= 0 {
		p.maxBackoff = DefaultMaxBackoff
	}
	if p.clock == nil {
		p.clock = SystemClock{}
	}

	for i := range opts.Providers {
		prov := opts.Providers[i]
		if prov.Name == "" {
			prov.Name = fmt.Sprintf("%s-%d", opts.Name, i)
		}
		if _, dup := p.states[prov.Name]; dup {
			return nil, fmt.Errorf("provider pool %q: duplicate provider name %q", opts.Name, prov.Name)
		}
		p.providers = append(p.providers, &prov)
		p.states[prov.Name] = &ProviderState{}
	}
	sort.SliceStable(p.providers, func(i, j int) bool {
		return p.providers[i].Priority < p.providers[j].Priority
	})

	return p, nil
}

// FromEndpoints builds providers with priorities in the order given.
func FromEndpoints(prefix string, endpoints []string) []Provider {
	out := make([]Provider, 0, len(endpoints))
	for i, ep := range endpoints {
		out = append(out, Provider{
			Name:     fmt.Sprintf("%s-%d", prefix, i),
			Endpoint: ep,
			Priority: i,
		})
	}
	return out
}

// Acquire returns the highest-priority eligible provider.
func (p *Pool) Acquire() (*Provider, error) {
	eligible := p.Eligible()
	if len(eligible) == 0 {
		return nil, p.noProviderError()
	}
	return eligible[0], nil
}

// Eligible returns providers that are neither auth-failed nor backing off, in priority order.
// Elapsed backoff windows are cleared as a side effect.
func (p *Pool) Eligible() []*Provider {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Provider, 0, len(p.providers))
	for _, prov := range p.providers {
		st := p.states[prov.Name]
		if st.AuthFailed {
			continue
		}
		if !st.BackoffUntil.IsZero() {
			if now.Before(st.BackoffUntil) {
				continue
			}
			st.BackoffUntil = time.Time{}
		}
		out = append(out, prov)
	}
	return out
}

// Execute runs call against the acquired provider with the pool timeout.
func (p *Pool) Execute(ctx context.Context, call Call) error {
	prov, err := p.Acquire()
	if err != nil {
		return err
	}
	return p.run(ctx, prov, call)
}

// Fallback tries eligible providers in priority order until one succeeds.
// Provider-level failures (auth, rate limit, transient) move on to the next provider;
// terminal errors are returned immediately.
func (p *Pool) Fallback(ctx context.Context, call Call) error {
	eligible := p.Eligible()
	if len(eligible) == 0 {
		return p.noProviderError()
	}

	var lastErr error
	for _, prov := range eligible {
		err := p.run(ctx, prov, call)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err) == ClassTerminal {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %w", ErrNoProvider, lastErr)
}

// Report records the outcome of a call made outside Execute/Fallback/RaceAll.
func (p *Pool) Report(name string, err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	now := p.clock.Now()
	class := Classify(err)

	p.mu.Lock()
	st, ok := p.states[name]
	if !ok {
		p.mu.Unlock()
		return
	}

	var backoff time.Duration
	switch class {
	case ClassNone:
		st.RateLimitAttempts = 0
		st.LastError = ""
		st.LastSuccess = now
	case ClassAuth:
		st.AuthFailed = true
		st.Failures++
		st.LastError = err.Error()
	case ClassRateLimited:
		st.RateLimitAttempts++
		st.Failures++
		st.LastError = err.Error()
		backoff = p.backoffFor(st.RateLimitAttempts)
		st.BackoffUntil = now.Add(backoff)
	default:
		st.Failures++
		st.LastError = err.Error()
	}
	attempts := st.RateLimitAttempts
	p.mu.Unlock()

	observability.RecordProviderCall(p.name, name, string(class))

	switch class {
	case ClassAuth:
		p.logger.Error().Str("provider", name).Err(err).Msg("provider excluded after authentication failure")
	case ClassRateLimited:
		observability.RecordProviderBackoff(p.name, name)
		p.logger.Warn().Str("provider", name).Int("attempt", attempts).Dur("backoff", backoff).Err(err).Msg("provider rate limited")
	case ClassTransient, ClassTerminal:
		p.logger.Debug().Str("provider", name).Str("class", string(class)).Err(err).Msg("provider call failed")
	}
}

// States returns a copy of every provider's state keyed by name.
func (p *Pool) States() map[string]ProviderState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]ProviderState, len(p.states))
	for name, st := range p.states {
		out[name] = *st
	}
	return out
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// backoffFor returns min(2^attempt seconds, maxBackoff).
func (p *Pool) backoffFor(attempt int) time.Duration {
	if attempt > 30 {
		return p.maxBackoff
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > p.maxBackoff {
		return p.maxBackoff
	}
	return d
}

func (p *Pool) run(ctx context.Context, prov *Provider, call Call) error {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := call(callCtx, prov)
	observability.RecordRPCLatency(p.name, time.Since(start).Seconds())

	// A cancelled parent says nothing about the provider's health.
	if ctx.Err() != nil {
		if err == nil {
			return nil
		}
		return ctx.Err()
	}

	p.Report(prov.Name, err)
	if err != nil {
		return fmt.Errorf("provider %s: %w", prov.Name, err)
	}
	return nil
}

func (p *Pool) noProviderError() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	allAuth := true
	for _, st := range p.states {
		if !st.AuthFailed {
			allAuth = false
			break
		}
	}
	if allAuth {
		return fmt.Errorf("pool %s: %w", p.name, ErrAllAuthFailed)
	}
	return fmt.Errorf("pool %s: %w", p.name, ErrNoProvider)
}

// Get runs fn with fallback across providers and returns its value.
func Get[T any](ctx context.Context, p *Pool, fn func(ctx context.Context, prov *Provider) (T, error)) (T, error) {
	var out T
	err := p.Fallback(ctx, func(ctx context.Context, prov *Provider) error {
		v, err := fn(ctx, prov)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// RaceAll fires fn against every eligible provider concurrently and returns the
// first success. Remaining calls are cancelled and their results discarded.
func RaceAll[T any](ctx context.Context, p *Pool, fn func(ctx context.Context, prov *Provider) (T, error)) (T, error) {
	var zero T

	eligible := p.Eligible()
	if len(eligible) == 0 {
		return zero, p.noProviderError()
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		val T
		err error
	}
	results := make(chan result, len(eligible))

	for _, prov := range eligible {
		go func(prov *Provider) {
			var val T
			err := p.run(raceCtx, prov, func(ctx context.Context, prov *Provider) error {
				v, err := fn(ctx, prov)
				val = v
				return err
			})
			results <- result{val: val, err: err}
		}(prov)
	}

	errs := make([]error, 0, len(eligible))
	for range eligible {
		r := <-results
		if r.err == nil {
			return r.val, nil
		}
		errs = append(errs, r.err)
	}

	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	return zero, fmt.Errorf("race failed on %d providers: %w", len(eligible), errors.Join(errs...))
}
