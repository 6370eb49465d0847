package script_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/arcweave/flowqueue/internal/script"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLoadEmbedsEveryScript(t *testing.T) {
	scripts, err := script.Load()
	require.NoError(t, err)
	require.NotNil(t, scripts.Add)
	require.NotNil(t, scripts.AddBulk)
	require.NotNil(t, scripts.MoveToActive)
	require.NotNil(t, scripts.MoveToCompleted)
	require.NotNil(t, scripts.MoveToFailed)
	require.NotNil(t, scripts.MoveToDelayed)
	require.NotNil(t, scripts.MoveToWaitingChildren)
	require.NotNil(t, scripts.ExtendLock)
	require.NotNil(t, scripts.Retry)
	require.NotNil(t, scripts.Remove)
	require.NotNil(t, scripts.Promote)
	require.NotNil(t, scripts.PauseResume)
	require.NotNil(t, scripts.StalledCheck)
	require.NotNil(t, scripts.RepeatUpsert)
	require.NotNil(t, scripts.RepeatRemove)
}

func TestAddScriptPlacesJobInWait(t *testing.T) {
	_, rdb := newMiniredis(t)
	scripts, err := script.Load()
	require.NoError(t, err)

	ctx := context.Background()
	keys := []string{
		"bull:q:wait",
		"bull:q:prioritized",
		"bull:q:delayed",
		"bull:q:waiting-children",
		"bull:q:id",
		"bull:q:pc",
		"bull:q:marker",
		"bull:q:events",
		"bull:q:meta",
	}

	res, err := scripts.Add.Run(ctx, rdb, keys,
		"bull:q", "", "email", `{"to":"a@b.com"}`, `{}`, "1000", "0", "0", "3", "0", "", "", "0", "1000", "1000",
	).Result()
	require.NoError(t, err)

	arr, ok := res.([]interface{})
	require.True(t, ok)
	require.Len(t, arr, 2)
	require.EqualValues(t, 0, arr[1]) // not a duplicate

	id, _ := arr[0].(string)
	require.NotEmpty(t, id)

	members, err := rdb.LRange(ctx, "bull:q:wait", 0, -1).Result()
	require.NoError(t, err)
	require.Contains(t, members, id)
}

func TestAddScriptIsIdempotentOnCallerID(t *testing.T) {
	_, rdb := newMiniredis(t)
	scripts, err := script.Load()
	require.NoError(t, err)

	ctx := context.Background()
	keys := []string{
		"bull:q:wait", "bull:q:prioritized", "bull:q:delayed", "bull:q:waiting-children",
		"bull:q:id", "bull:q:pc", "bull:q:marker", "bull:q:events", "bull:q:meta",
	}
	argv := []interface{}{"bull:q", "fixed-id", "email", `{}`, `{}`, "1000", "0", "0", "3", "0", "", "", "0", "1000", "1000"}

	first, err := scripts.Add.Run(ctx, rdb, keys, argv...).Result()
	require.NoError(t, err)
	second, err := scripts.Add.Run(ctx, rdb, keys, argv...).Result()
	require.NoError(t, err)

	firstArr := first.([]interface{})
	secondArr := second.([]interface{})
	require.EqualValues(t, 0, firstArr[1])
	require.EqualValues(t, 1, secondArr[1])
	require.Equal(t, firstArr[0], secondArr[0])
}
