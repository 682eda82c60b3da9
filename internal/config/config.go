// Package config loads indexer configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"dex-pnl-indexer/internal/domain"
)

// Fatal configuration errors. Any of these aborts a run before work starts.
var (
	ErrMissingAPIKey      = errors.New("config: trade source API key is required")
	ErrMissingEndpoints   = errors.New("config: at least one trade source endpoint is required")
	ErrNoTrackedTokens    = errors.New("config: no tracked tokens configured")
	ErrNoRPCProviders     = errors.New("config: at least one RPC provider is required")
	ErrMissingPostgresDSN = errors.New("config: postgres DSN is required unless in-memory storage is used")
)

// Default mainnet addresses.
var (
	defaultStablecoins = []string{
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", // USDC
		"0xdac17f958d2ee523a2206206994597c13d831ec7", // USDT
		"0x6b175474e89094c44da98b954eedeac495271d0f", // DAI
	}
	defaultRouters = []string{
		"0x7a250d5630b4cf539739df2c5dacb4c659f2488d", // Uniswap V2 router
		"0xe592427a0aece92de3edee1f18e0157c05861564", // Uniswap V3 router
		"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45", // Uniswap V3 router 02
		"0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad", // Universal router
		"0x1111111254eeb25477b68fb85ed929f73a960582", // 1inch v5
	}
	defaultFeeLockerPatterns = []string{`fee.?locker`, `locker`, `clanker`}
)

// Config holds all indexer configuration.
type Config struct {
	// Trade source
	TradeSourceEndpoints []string
	TradeSourceAPIKey    string
	TradeSourceKeyHeader string
	Network              string

	// Chain
	RPCEndpoints []string
	CallTimeout  time.Duration

	// Storage
	PostgresDSN   string
	UseMemory     bool
	ClickHouseDSN string

	// Leg feed
	KafkaBrokers []string
	KafkaTopic   string

	// Price cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MarketAPIURL  string
	PriceCacheTTL time.Duration

	// Domain
	TrackedTokens      []domain.TrackedToken
	Stablecoins        []string
	RouterAddresses    []string
	FeeThresholdUSD    decimal.Decimal
	FeeLockerPatterns  []string
	FeeLockerAddresses []string

	// Pagination and batching
	WindowSize       time.Duration
	PageLimit        int
	BatchSize        int
	FallbackLookback time.Duration
	EmptyPageLimit   int

	// Runtime
	SyncInterval     time.Duration
	TokenConcurrency int
	LogBufferSize    int
	HTTPAddr         string
	LogLevel         string
}

// Load reads envFile (if present) and builds a Config from the environment.
// A missing .env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	tokens, err := ParseTrackedTokens(getEnv("TRACKED_TOKENS", ""))
	if err != nil {
		return nil, err
	}

	threshold, err := decimal.NewFromString(getEnv("FEE_THRESHOLD_USD", "0.50"))
	if err != nil {
		return nil, fmt.Errorf("parse FEE_THRESHOLD_USD: %w", err)
	}

	cfg := &Config{
		TradeSourceEndpoints: getEnvAsSlice("TRADE_SOURCE_ENDPOINTS", []string{"https://streaming.bitquery.io/graphql"}),
		TradeSourceAPIKey:    getEnv("TRADE_SOURCE_API_KEY", ""),
		TradeSourceKeyHeader: getEnv("TRADE_SOURCE_KEY_HEADER", "X-API-KEY"),
		Network:              getEnv("NETWORK", "eth"),

		RPCEndpoints: getEnvAsSlice("RPC_ENDPOINTS", nil),
		CallTimeout:  getEnvAsDuration("CALL_TIMEOUT", 8*time.Second),

		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		UseMemory:     getEnvAsBool("USE_MEMORY", false),
		ClickHouseDSN: getEnv("CLICKHOUSE_DSN", ""),

		KafkaBrokers: getEnvAsSlice("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "trade-legs"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		MarketAPIURL:  getEnv("MARKET_API_URL", "https://api.dexscreener.com/latest/dex/tokens"),
		PriceCacheTTL: getEnvAsDuration("PRICE_CACHE_TTL", 5*time.Minute),

		TrackedTokens:      tokens,
		Stablecoins:        normalizeAll(getEnvAsSlice("STABLECOINS", defaultStablecoins)),
		RouterAddresses:    normalizeAll(getEnvAsSlice("ROUTER_ADDRESSES", defaultRouters)),
		FeeThresholdUSD:    threshold,
		FeeLockerPatterns:  getEnvAsSlice("FEE_LOCKER_PATTERNS", defaultFeeLockerPatterns),
		FeeLockerAddresses: normalizeAll(getEnvAsSlice("FEE_LOCKER_ADDRESSES", nil)),

		WindowSize:       getEnvAsDuration("WINDOW_SIZE", 7*24*time.Hour),
		PageLimit:        getEnvAsInt("PAGE_LIMIT", 10000),
		BatchSize:        getEnvAsInt("BATCH_SIZE", 50),
		FallbackLookback: getEnvAsDuration("FALLBACK_LOOKBACK", 90*24*time.Hour),
		EmptyPageLimit:   getEnvAsInt("EMPTY_PAGE_LIMIT", 2),

		SyncInterval:     getEnvAsDuration("SYNC_INTERVAL", 5*time.Minute),
		TokenConcurrency: getEnvAsInt("TOKEN_CONCURRENCY", 1),
		LogBufferSize:    getEnvAsInt("LOG_BUFFER_SIZE", 1000),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate returns the first fatal configuration error, if any.
func (c *Config) Validate() error {
	if len(c.TradeSourceEndpoints) == 0 {
		return ErrMissingEndpoints
	}
	if c.TradeSourceAPIKey == "" {
		return ErrMissingAPIKey
	}
	if len(c.TrackedTokens) == 0 {
		return ErrNoTrackedTokens
	}
	if len(c.RPCEndpoints) == 0 {
		return ErrNoRPCProviders
	}
	if !c.UseMemory && c.PostgresDSN == "" {
		return ErrMissingPostgresDSN
	}
	return nil
}

// ParseTrackedTokens parses "addr[:symbol[:decimals]]" entries separated by commas.
// Decimals of -1 mean "resolve on chain".
func ParseTrackedTokens(raw string) ([]domain.TrackedToken, error) {
	var tokens []domain.TrackedToken
	seen := make(map[string]bool)

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		addr := domain.NormalizeAddress(parts[0])
		if !isHexAddress(addr) {
			return nil, fmt.Errorf("config: invalid token address %q", parts[0])
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true

		tok := domain.TrackedToken{Address: addr, Decimals: -1}
		if len(parts) > 1 {
			tok.Symbol = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			d, err := strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil || d < 0 || d > 36 {
				return nil, fmt.Errorf("config: invalid decimals for %s: %q", addr, parts[2])
			}
			tok.Decimals = int32(d)
		}
		tokens = append(tokens, tok)
	}

	return tokens, nil
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = domain.NormalizeAddress(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Helper functions for parsing environment variables
func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return val
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return val
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string) []string {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(valStr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
