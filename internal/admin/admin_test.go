package admin_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/arcweave/flowqueue/internal/admin"
	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/queue"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := queue.New(rdb, "bull", "emails")
	require.NoError(t, err)
	return q
}

func TestStatsReportsDepths(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, "welcome", json.RawMessage(`{"n":1}`), job.Options{})
		require.NoError(t, err)
	}

	a := admin.New(q, nil)
	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Wait)
	require.Equal(t, "emails", stats.Queue)
	require.False(t, stats.Paused)
}

func TestPauseResumeReflectedInStats(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	a := admin.New(q, nil)

	require.NoError(t, a.Pause(ctx))
	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Paused)

	require.NoError(t, a.Resume(ctx))
	stats, err = a.Stats(ctx)
	require.NoError(t, err)
	require.False(t, stats.Paused)
}

func TestPeekReturnsWaitingJobs(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "welcome", json.RawMessage(`{"to":"a@b.com"}`), job.Options{})
	require.NoError(t, err)
	_, err = q.Add(ctx, "digest", json.RawMessage(`{"to":"c@d.com"}`), job.Options{})
	require.NoError(t, err)

	a := admin.New(q, nil)
	jobs, err := a.Peek(ctx, admin.SetWait, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestPeekQueryFiltersByJSONPath(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "welcome", json.RawMessage(`{"userId":"u1"}`), job.Options{})
	require.NoError(t, err)
	_, err = q.Add(ctx, "digest", json.RawMessage(`{"other":"x"}`), job.Options{})
	require.NoError(t, err)

	a := admin.New(q, nil)
	jobs, err := a.PeekQuery(ctx, admin.SetWait, "$.userId", 10, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "welcome", jobs[0].Name)
}

func TestSearchJobsFuzzyMatchesName(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "send-welcome-email", json.RawMessage(`{}`), job.Options{})
	require.NoError(t, err)
	_, err = q.Add(ctx, "generate-invoice", json.RawMessage(`{}`), job.Options{})
	require.NoError(t, err)

	a := admin.New(q, nil)
	jobs, err := a.SearchJobs(ctx, admin.SetWait, "welcome", 10, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "send-welcome-email", jobs[0].Name)
}

func TestRequeueAndPurgeFailed(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	id, err := q.Add(ctx, "welcome", json.RawMessage(`{}`), job.Options{Attempts: 1})
	require.NoError(t, err)

	token := queue.NewLockToken()
	_, err = q.MoveToActive(ctx, token, 30*time.Second)
	require.NoError(t, err)

	j, err := q.Fetch(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.MoveToFailed(ctx, j, token, "boom", "boom", time.Now(), queue.ParentLinks{}))

	a := admin.New(q, nil)
	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)

	requeued, err := a.RequeueFailed(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)

	stats, err = a.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Wait)
	require.Equal(t, int64(0), stats.Failed)

	token2 := queue.NewLockToken()
	_, err = q.MoveToActive(ctx, token2, 30*time.Second)
	require.NoError(t, err)
	j2, err := q.Fetch(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.MoveToFailed(ctx, j2, token2, "boom again", "boom again", time.Now(), queue.ParentLinks{}))

	purged, err := a.PurgeFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	stats, err = a.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Failed)
}

func TestStatsHistoryGraph(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	history := admin.NewStatsHistory(5)
	a := admin.New(q, history)

	for i := 0; i < 3; i++ {
		_, err := a.Stats(ctx)
		require.NoError(t, err)
	}
	require.NotEmpty(t, history.Graph(5))
}
