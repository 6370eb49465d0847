package ratelimiting_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ratelimiting "github.com/arcweave/flowqueue/internal/ratelimit"
)

func newTestLimiter(t *testing.T, cfg *ratelimiting.Config) *ratelimiting.RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return ratelimiting.NewRateLimiter(rdb, zap.NewNop(), cfg)
}

func TestConsumeAllowsWithinBurst(t *testing.T) {
	rl := newTestLimiter(t, &ratelimiting.Config{
		GlobalRatePerSecond: 1000, GlobalBurstSize: 1000,
		DefaultRatePerSecond: 10, DefaultBurstSize: 10,
		PriorityWeights: map[string]float64{"normal": 1.0},
		KeyTTL:          time.Minute,
	})

	res, err := rl.Consume(context.Background(), "emails", 1, "normal")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(9), res.Remaining)
}

func TestConsumeDeniesPastBurst(t *testing.T) {
	rl := newTestLimiter(t, &ratelimiting.Config{
		GlobalRatePerSecond: 1000, GlobalBurstSize: 1000,
		DefaultRatePerSecond: 1, DefaultBurstSize: 2,
		PriorityWeights: map[string]float64{"normal": 1.0},
		KeyTTL:          time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := rl.Consume(ctx, "emails", 1, "normal")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := rl.Consume(ctx, "emails", 1, "normal")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestConsumeHigherPriorityWeightSpendsFewerTokens(t *testing.T) {
	rl := newTestLimiter(t, &ratelimiting.Config{
		GlobalRatePerSecond: 1000, GlobalBurstSize: 1000,
		DefaultRatePerSecond: 10, DefaultBurstSize: 10,
		PriorityWeights: map[string]float64{"critical": 5.0, "normal": 1.0},
		KeyTTL:          time.Minute,
	})
	ctx := context.Background()

	res, err := rl.Consume(ctx, "emails", 5, "critical")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	// weight 5.0 divides the 5 requested tokens down to 1 actually spent.
	require.Equal(t, int64(1), res.Tokens)
	require.Equal(t, int64(9), res.Remaining)
}

func TestConsumeRespectsGlobalBucketAcrossQueues(t *testing.T) {
	rl := newTestLimiter(t, &ratelimiting.Config{
		GlobalRatePerSecond: 1, GlobalBurstSize: 1,
		DefaultRatePerSecond: 100, DefaultBurstSize: 100,
		PriorityWeights: map[string]float64{"normal": 1.0},
		KeyTTL:          time.Minute,
	})
	ctx := context.Background()

	res1, err := rl.Consume(ctx, "emails", 1, "normal")
	require.NoError(t, err)
	require.True(t, res1.Allowed)

	res2, err := rl.Consume(ctx, "webhooks", 1, "normal")
	require.NoError(t, err)
	require.False(t, res2.Allowed, "second queue should be denied by the shared global bucket")
}

func TestConsumeExemptFromGlobalBypassesSharedBucket(t *testing.T) {
	rl := newTestLimiter(t, &ratelimiting.Config{
		GlobalRatePerSecond: 1, GlobalBurstSize: 1,
		DefaultRatePerSecond: 100, DefaultBurstSize: 100,
		PriorityWeights: map[string]float64{"normal": 1.0},
		KeyTTL:          time.Minute,
	})
	require.NoError(t, rl.SetQueueLimits("internal-batch", &ratelimiting.QueueLimits{
		RatePerSecond: 100, BurstSize: 100, ExemptFromGlobal: true,
	}))
	ctx := context.Background()

	_, err := rl.Consume(ctx, "emails", 1, "normal")
	require.NoError(t, err)

	res, err := rl.Consume(ctx, "internal-batch", 1, "normal")
	require.NoError(t, err)
	require.True(t, res.Allowed, "exempt queue should ignore the already-exhausted global bucket")
}

func TestConsumeDryRunNeverDenies(t *testing.T) {
	rl := newTestLimiter(t, &ratelimiting.Config{
		GlobalRatePerSecond: 1000, GlobalBurstSize: 1000,
		DefaultRatePerSecond: 1, DefaultBurstSize: 1,
		PriorityWeights: map[string]float64{"normal": 1.0},
		KeyTTL:          time.Minute,
		DryRun:          true,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Consume(ctx, "emails", 1, "normal")
		require.NoError(t, err)
		require.True(t, res.Allowed, "dry run must always admit")
	}
}

func TestSetQueueLimitsRejectsInvalidValues(t *testing.T) {
	rl := newTestLimiter(t, ratelimiting.DefaultConfig())
	err := rl.SetQueueLimits("emails", &ratelimiting.QueueLimits{RatePerSecond: 0, BurstSize: 10})
	require.Error(t, err)
}

func TestSetQueueLimitsNilClearsOverride(t *testing.T) {
	rl := newTestLimiter(t, &ratelimiting.Config{
		GlobalRatePerSecond: 1000, GlobalBurstSize: 1000,
		DefaultRatePerSecond: 10, DefaultBurstSize: 10,
		PriorityWeights: map[string]float64{"normal": 1.0},
		KeyTTL:          time.Minute,
	})
	require.NoError(t, rl.SetQueueLimits("emails", &ratelimiting.QueueLimits{RatePerSecond: 1, BurstSize: 1}))
	require.NoError(t, rl.SetQueueLimits("emails", nil))

	ctx := context.Background()
	res, err := rl.Consume(ctx, "emails", 1, "normal")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(9), res.Remaining, "should be back to the 10-burst default, not the cleared 1-burst override")
}
