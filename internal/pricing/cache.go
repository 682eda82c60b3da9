package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/provider"
)

// Cache stores USD prices with a TTL. Misses and backend errors both report ok=false.
type Cache interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool)
	Set(ctx context.Context, key string, price decimal.Decimal)
}

type ttlEntry struct {
	price     decimal.Decimal
	expiresAt time.Time
}

// TTLCache is an in-process Cache with an injected clock.
type TTLCache struct {
	ttl   time.Duration
	clock provider.Clock

	mu      sync.Mutex
	entries map[string]ttlEntry
}

var _ Cache = (*TTLCache)(nil)

// NewTTLCache creates an in-memory cache. A nil clock uses the wall clock.
func NewTTLCache(ttl time.Duration, clock provider.Clock) *TTLCache {
	if clock == nil {
		clock = provider.SystemClock{}
	}
	return &TTLCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]ttlEntry),
	}
}

// Get returns an unexpired entry. Expired entries are evicted.
func (c *TTLCache) Get(_ context.Context, key string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return decimal.Zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return decimal.Zero, false
	}
	return e.price, true
}

// Set stores price under key for the cache TTL.
func (c *TTLCache) Set(_ context.Context, key string, price decimal.Decimal) {
	c.mu.Lock()
	c.entries[key] = ttlEntry{price: price, expiresAt: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares prices between indexer processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to Redis. The connection is lazy; use Ping to verify it.
func NewRedisCache(addr, password string, db int, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "dexpnl:",
		logger: logger,
	}
}

// Ping verifies the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get returns the cached price. Redis errors are logged and treated as misses.
func (c *RedisCache) Get(ctx context.Context, key string) (decimal.Decimal, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis price cache get failed")
		}
		return decimal.Zero, false
	}

	price, err := decimal.NewFromString(val)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis price cache holds malformed value")
		return decimal.Zero, false
	}
	return price, true
}

// Set stores price with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, price decimal.Decimal) {
	if err := c.client.Set(ctx, c.prefix+key, price.String(), c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis price cache set failed")
	}
}
