package producer_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arcweave/flowqueue/internal/config"
	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/producer"
	"github.com/arcweave/flowqueue/internal/queue"
	"github.com/arcweave/flowqueue/internal/ratelimit"
)

func newTestProducer(t *testing.T, rateLimitPerSec int) (*producer.Producer, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := queue.New(rdb, "bull", "emails")
	require.NoError(t, err)

	cfg := &config.Config{Producer: config.Producer{RateLimitPerSec: rateLimitPerSec}}
	return producer.New(cfg, q, zap.NewNop(), nil, nil), q
}

func TestEnqueueAddsJob(t *testing.T) {
	p, q := newTestProducer(t, 0)
	ctx := context.Background()

	id, err := p.Enqueue(ctx, "welcome", json.RawMessage(`{"to":"a@b.com"}`), job.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := q.Fetch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "welcome", j.Name)
}

func TestRateLimitSleepsWhenExceeded(t *testing.T) {
	p, _ := newTestProducer(t, 1)
	ctx := context.Background()

	_, err := p.Enqueue(ctx, "a", json.RawMessage(`{}`), job.Options{})
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Enqueue(ctx, "b", json.RawMessage(`{}`), job.Options{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestEnqueueDeniedByFairness(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := queue.New(rdb, "bull", "emails")
	require.NoError(t, err)

	fairness := ratelimiting.NewRateLimiter(rdb, zap.NewNop(), &ratelimiting.Config{
		GlobalRatePerSecond:  1000,
		GlobalBurstSize:      1000,
		DefaultRatePerSecond: 1,
		DefaultBurstSize:     1,
		PriorityWeights:      map[string]float64{"normal": 1.0},
		KeyTTL:               time.Minute,
	})
	cfg := &config.Config{}
	p := producer.New(cfg, q, zap.NewNop(), fairness, nil)

	_, err = p.Enqueue(context.Background(), "a", json.RawMessage(`{}`), job.Options{})
	require.NoError(t, err)

	_, err = p.Enqueue(context.Background(), "b", json.RawMessage(`{}`), job.Options{})
	require.Error(t, err)
}

func TestEnqueueRejectedBySchema(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := queue.New(rdb, "bull", "emails")
	require.NoError(t, err)

	schemas := job.NewSchemaRegistry()
	require.NoError(t, schemas.Register("welcome", []byte(`{
		"type": "object",
		"required": ["to"],
		"properties": {"to": {"type": "string"}}
	}`)))

	p := producer.New(&config.Config{}, q, zap.NewNop(), nil, schemas)
	ctx := context.Background()

	_, err = p.Enqueue(ctx, "welcome", json.RawMessage(`{"to":"a@b.com"}`), job.Options{})
	require.NoError(t, err)

	_, err = p.Enqueue(ctx, "welcome", json.RawMessage(`{}`), job.Options{})
	require.Error(t, err)
}

func TestImportWalksMatchingFiles(t *testing.T) {
	p, q := newTestProducer(t, 0)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	write := func(path string, spec map[string]interface{}) {
		raw, err := json.Marshal(spec)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, raw, 0o644))
	}
	write(filepath.Join(dir, "a.job.json"), map[string]interface{}{"name": "welcome", "data": map[string]string{"to": "a@b.com"}})
	write(filepath.Join(dir, "sub", "b.job.json"), map[string]interface{}{"name": "digest", "data": map[string]string{"to": "c@d.com"}})
	write(filepath.Join(dir, "ignore.txt"), map[string]interface{}{"name": "nope"})

	n, err := p.Import(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	depth, err := q.RDB().LLen(ctx, q.Keys().Wait()).Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}
