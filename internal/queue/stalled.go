package queue

import (
	"context"
	"fmt"
	"time"
)

// StalledCheckResult is the decoded return of stalled_check.lua.
type StalledCheckResult struct {
	// Ran is false when another worker already holds the leader lock for
	// this round; the caller should simply try again next interval.
	Ran       bool
	Recovered []string
	Failed    []string
}

// RunStalledCheck attempts to claim the per-queue leader lock for one
// stalled-detection round and, if successful, requeues or fails jobs whose
// active lock has expired (spec §4.5.3). leaderToken should be stable for
// the calling worker process so repeated calls don't fight themselves; any
// worker may win a given round.
func (q *Queue) RunStalledCheck(ctx context.Context, leaderToken string, leaderDuration time.Duration, maxStalledCount int) (*StalledCheckResult, error) {
	keysArg := []string{
		q.keys.StalledCheck(), q.keys.Active(), q.keys.Stalled(),
		q.keys.Wait(), q.keys.Failed(), q.keys.Events(),
	}
	res, err := q.scripts.StalledCheck.Run(ctx, q.rdb, keysArg,
		leaderToken, leaderDuration.Milliseconds(), q.base(), maxStalledCount, nowMillis(), q.maxEventsLen,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stalled check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("queue: unexpected stalledCheck result %#v", res)
	}
	if toInt64(arr[0]) < 0 {
		return &StalledCheckResult{Ran: false}, nil
	}
	renamedCount := int(toInt64(arr[0]))
	rest := arr[1:]
	result := &StalledCheckResult{Ran: true}
	for i, v := range rest {
		id := fmt.Sprint(v)
		if i < renamedCount {
			result.Recovered = append(result.Recovered, id)
		} else {
			result.Failed = append(result.Failed, id)
		}
	}
	return result, nil
}
