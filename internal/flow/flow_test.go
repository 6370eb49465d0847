package flow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/arcweave/flowqueue/internal/flow"
	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/queue"
)

func newResolver(t *testing.T) (flow.QueueResolver, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	queues := map[string]*queue.Queue{}
	resolve := func(name string) (*queue.Queue, error) {
		if q, ok := queues[name]; ok {
			return q, nil
		}
		q, err := queue.New(rdb, "bull", name)
		if err != nil {
			return nil, err
		}
		queues[name] = q
		return q, nil
	}
	return resolve, rdb
}

func TestAddParksParentUntilChildrenResolve(t *testing.T) {
	resolve, _ := newResolver(t)
	ctx := context.Background()

	root := flow.Node{
		Queue: "emails",
		Name:  "digest",
		Data:  json.RawMessage(`{}`),
		Children: []flow.Node{
			{Queue: "emails", Name: "fetch-a", Data: json.RawMessage(`{}`)},
			{Queue: "emails", Name: "fetch-b", Data: json.RawMessage(`{}`)},
		},
	}

	result, err := flow.Add(ctx, resolve, root)
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)
	require.Len(t, result.Children, 2)

	q, err := resolve("emails")
	require.NoError(t, err)

	// both children land in the ready set and are dispatchable; the parent
	// does not, since it was routed straight into waiting-children.
	var seen []string
	for i := 0; i < 2; i++ {
		res, err := q.MoveToActive(ctx, queue.NewLockToken(), 30*time.Second)
		require.NoError(t, err)
		require.True(t, res.Ready)
		seen = append(seen, res.JobID)
	}
	require.ElementsMatch(t, []string{result.Children[0].JobID, result.Children[1].JobID}, seen)

	// with both children merely active (not yet completed), the parent must
	// still not be dispatchable.
	active, err := q.MoveToActive(ctx, queue.NewLockToken(), 30*time.Second)
	require.NoError(t, err)
	require.False(t, active.Ready)
}

func TestChildCompletionUnblocksParent(t *testing.T) {
	resolve, _ := newResolver(t)
	ctx := context.Background()

	root := flow.Node{
		Queue: "emails",
		Name:  "digest",
		Data:  json.RawMessage(`{}`),
		Children: []flow.Node{
			{Queue: "emails", Name: "fetch-a", Data: json.RawMessage(`{}`), Edge: job.EdgePolicy{ContinueParentOnFailure: true}},
		},
	}

	result, err := flow.Add(ctx, resolve, root)
	require.NoError(t, err)
	require.Len(t, result.Children, 1)

	q, err := resolve("emails")
	require.NoError(t, err)

	token := queue.NewLockToken()
	active, err := q.MoveToActive(ctx, token, 30*time.Second)
	require.NoError(t, err)
	require.True(t, active.Ready)
	require.Equal(t, result.Children[0].JobID, active.JobID)

	links := queue.ParentLinks{
		HasParent:         true,
		ParentID:          result.JobID,
		ParentKeys:        q.Keys(),
		ChildQualifiedKey: q.Keys().QualifiedJobKey(active.JobID),
		Policy:            job.EdgePolicy{ContinueParentOnFailure: true},
	}
	err = q.MoveToCompleted(ctx, active.JobID, token, json.RawMessage(`"ok"`), job.RemovePolicy{Mode: job.RemoveNever}, links)
	require.NoError(t, err)

	// with its only child resolved, the parent should now be dispatchable.
	parentActive, err := q.MoveToActive(ctx, queue.NewLockToken(), 30*time.Second)
	require.NoError(t, err)
	require.True(t, parentActive.Ready)
	require.Equal(t, result.JobID, parentActive.JobID)
}

func TestFailParentOnFailurePropagates(t *testing.T) {
	resolve, _ := newResolver(t)
	ctx := context.Background()

	root := flow.Node{
		Queue: "emails",
		Name:  "digest",
		Data:  json.RawMessage(`{}`),
		Children: []flow.Node{
			{
				Queue: "emails",
				Name:  "fetch-a",
				Data:  json.RawMessage(`{}`),
				Edge:  job.EdgePolicy{FailParentOnFailure: true},
				Opts:  job.Options{Attempts: 1},
			},
		},
	}

	result, err := flow.Add(ctx, resolve, root)
	require.NoError(t, err)

	q, err := resolve("emails")
	require.NoError(t, err)

	token := queue.NewLockToken()
	active, err := q.MoveToActive(ctx, token, 30*time.Second)
	require.NoError(t, err)
	require.True(t, active.Ready)

	j, err := q.Fetch(ctx, active.JobID)
	require.NoError(t, err)
	j.AttemptsMade = 0
	j.AttemptsMax = 1

	links := queue.ParentLinks{
		HasParent:         true,
		ParentID:          result.JobID,
		ParentKeys:        q.Keys(),
		ChildQualifiedKey: q.Keys().QualifiedJobKey(active.JobID),
		Policy:            job.EdgePolicy{FailParentOnFailure: true},
	}
	err = q.MoveToFailed(ctx, j, token, "boom", `"boom"`, time.Now(), links)
	require.NoError(t, err)

	parent, err := q.Fetch(ctx, result.JobID)
	require.NoError(t, err)
	require.True(t, parent.IsFailed())
}
