package pricing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns its address.
func setupRedis(t *testing.T) (string, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
				wait.ForListeningPort("6379/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), cleanup
}

func TestRedisCache_SetGet(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	cache := NewRedisCache(addr, "", 0, 200*time.Millisecond, zerolog.Nop())
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Ping(ctx))

	_, ok := cache.Get(ctx, "price:missing")
	assert.False(t, ok)

	cache.Set(ctx, "price:weth", decimal.RequireFromString("3012.55"))
	v, ok := cache.Get(ctx, "price:weth")
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.RequireFromString("3012.55")))

	time.Sleep(400 * time.Millisecond)
	_, ok = cache.Get(ctx, "price:weth")
	assert.False(t, ok, "entry expires with the TTL")
}

func TestResolver_WithRedisCache(t *testing.T) {
	addr, cleanup := setupRedis(t)
	defer cleanup()

	cache := NewRedisCache(addr, "", 0, time.Minute, zerolog.Nop())
	defer cache.Close()

	market := &fakeMarket{prices: map[string]decimal.Decimal{weth: decimal.NewFromInt(2000)}}
	first := NewResolver(Options{Market: market, Cache: cache, Logger: zerolog.Nop()})
	second := NewResolver(Options{Market: market, Cache: cache, Logger: zerolog.Nop()})

	in := Input{
		Token: token, TokenAmount: tokens(1, 18), TokenDecimals: 18,
		Counter: weth, CounterAmount: tokens(1, 18), CounterDecimals: 18,
	}
	_, err := first.PriceFor(context.Background(), in)
	require.NoError(t, err)
	q, err := second.PriceFor(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, q.PriceUSD.Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, int32(1), market.calls, "second resolver reads the shared cache")
}
