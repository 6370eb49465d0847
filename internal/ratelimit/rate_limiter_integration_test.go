//go:build integration

package ratelimiting_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	ratelimiting "github.com/arcweave/flowqueue/internal/ratelimit"
)

// startRedisContainer brings up a disposable Redis for tests that need
// real Redis semantics (e.g. HSET/EXPIRE interaction under the Lua
// scripting engine) rather than miniredis's approximation.
func startRedisContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return container, endpoint
}

// TestIntegrationConsumeAgainstRealRedis exercises the same bucket math the
// miniredis-backed unit tests cover, but against an actual Redis server, to
// catch any divergence between miniredis's Lua engine and the real one.
func TestIntegrationConsumeAgainstRealRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}
	ctx := context.Background()

	container, endpoint := startRedisContainer(t, ctx)
	defer container.Terminate(ctx)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()

	rl := ratelimiting.NewRateLimiter(client, zap.NewNop(), &ratelimiting.Config{
		GlobalRatePerSecond:  1000,
		GlobalBurstSize:      1000,
		DefaultRatePerSecond: 5,
		DefaultBurstSize:     5,
		PriorityWeights:      map[string]float64{"normal": 1.0},
		KeyTTL:               time.Minute,
	})

	for i := 0; i < 5; i++ {
		res, err := rl.Consume(ctx, "emails", 1, "normal")
		require.NoError(t, err)
		require.True(t, res.Allowed, "attempt %d should still be within burst", i)
	}

	res, err := rl.Consume(ctx, "emails", 1, "normal")
	require.NoError(t, err)
	require.False(t, res.Allowed, "sixth consume should exceed the configured burst")
}

// TestIntegrationQueueOverrideIsolatesFromDefaults confirms SetQueueLimits
// against a real server behaves the same as it does under miniredis.
func TestIntegrationQueueOverrideIsolatesFromDefaults(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}
	ctx := context.Background()

	container, endpoint := startRedisContainer(t, ctx)
	defer container.Terminate(ctx)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()

	rl := ratelimiting.NewRateLimiter(client, zap.NewNop(), &ratelimiting.Config{
		GlobalRatePerSecond:  1000,
		GlobalBurstSize:      1000,
		DefaultRatePerSecond: 1,
		DefaultBurstSize:     1,
		PriorityWeights:      map[string]float64{"normal": 1.0},
		KeyTTL:               time.Minute,
	})
	require.NoError(t, rl.SetQueueLimits("batch-import", &ratelimiting.QueueLimits{
		RatePerSecond: 50, BurstSize: 50,
	}))

	res, err := rl.Consume(ctx, "batch-import", 10, "normal")
	require.NoError(t, err)
	require.True(t, res.Allowed, "override should grant a burst well above the 1-token default")
}
