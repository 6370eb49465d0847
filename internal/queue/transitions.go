package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/keys"
)

// ParentLinks carries the fully-qualified parent-side keys a move needs to
// propagate completion/failure across queues. A zero value means "this job
// has no parent"; the transition scripts treat hasParent=0 accordingly.
type ParentLinks struct {
	HasParent         bool
	ParentID          string
	ParentKeys        keys.Keys
	ChildQualifiedKey string
	Policy            job.EdgePolicy
}

func (p ParentLinks) keysOrEmpty(f func(keys.Keys) string) string {
	if !p.HasParent {
		return "_"
	}
	return f(p.ParentKeys)
}

// MoveToCompleted finalizes an active job as successful, applying the
// queue's removeOnComplete policy and unblocking a parent if this was its
// last outstanding child.
func (q *Queue) MoveToCompleted(ctx context.Context, id, token string, returnValue json.RawMessage, policy job.RemovePolicy, links ParentLinks) error {
	keysArg := []string{
		q.keys.Active(), q.keys.Completed(), q.keys.Events(),
		links.keysOrEmpty(func(k keys.Keys) string { return k.PendingChildren(links.ParentID) }),
		links.keysOrEmpty(func(k keys.Keys) string { return k.Job(links.ParentID) }),
		links.keysOrEmpty(keys.Keys.Wait),
		links.keysOrEmpty(keys.Keys.Prioritized),
		links.keysOrEmpty(keys.Keys.PriorityCounter),
		links.keysOrEmpty(keys.Keys.WaitingChildren),
		links.keysOrEmpty(keys.Keys.Events),
	}

	mode, count, age := encodeRemovePolicy(policy)
	hasParent := "0"
	if links.HasParent {
		hasParent = "1"
	}

	res, err := q.scripts.MoveToCompleted.Run(ctx, q.rdb, keysArg,
		id, token, string(returnValue), nowMillis(), mode, count, age.Milliseconds(),
		q.maxEventsLen, q.base(), hasParent, links.ParentID,
	).Result()
	if err != nil {
		return fmt.Errorf("queue: move to completed: %w", err)
	}
	return codeToError(toInt64FromResult(res))
}

// MoveToFailed finalizes or re-queues an active job after a processing
// error, applying the configured backoff/retry decision and propagating the
// job's edge policy to its parent if terminal.
func (q *Queue) MoveToFailed(ctx context.Context, j *job.Job, token, reason, stackEntry string, now time.Time, links ParentLinks) error {
	willRetry := j.AttemptsMade+1 < j.AttemptsMax && !j.Opts.Discard
	var retryDelay time.Duration
	isPriority := j.Priority > 0
	if willRetry {
		retryDelay = job.NextBackoffWithStrategies(j.Opts.Backoff, j.AttemptsMade+1, errors.New(reason), j, q.backoffStrategies)
	}

	keysArg := []string{
		q.keys.Active(), q.keys.Wait(), q.keys.Prioritized(), q.keys.Delayed(),
		q.keys.Failed(), q.keys.Events(), q.keys.PriorityCounter(), q.keys.Marker(),
		links.keysOrEmpty(func(k keys.Keys) string { return k.Job(links.ParentID) }),
		links.keysOrEmpty(func(k keys.Keys) string { return k.PendingChildren(links.ParentID) }),
		links.keysOrEmpty(keys.Keys.WaitingChildren),
		links.keysOrEmpty(keys.Keys.Wait),
		links.keysOrEmpty(keys.Keys.Events),
		links.keysOrEmpty(func(k keys.Keys) string { return k.IgnoredChildFailures(links.ParentID) }),
	}

	mode, count, age := encodeRemovePolicy(j.Opts.RemoveOnFail)
	hasParent := "0"
	policyStr := policyString(links.Policy)
	if links.HasParent {
		hasParent = "1"
	}

	retryBool := "0"
	if willRetry {
		retryBool = "1"
	}
	priorityBool := "0"
	if isPriority {
		priorityBool = "1"
	}

	res, err := q.scripts.MoveToFailed.Run(ctx, q.rdb, keysArg,
		j.ID, token, reason, now.UnixMilli(), retryBool, retryDelay.Milliseconds(), priorityBool,
		stackEntry, j.Opts.StackTraceLimit, mode, count, age.Milliseconds(), q.maxEventsLen, q.base(),
		hasParent, links.ParentID, policyStr, links.ChildQualifiedKey,
	).Result()
	if err != nil {
		return fmt.Errorf("queue: move to failed: %w", err)
	}
	return codeToError(toInt64FromResult(res))
}

// MoveToDelayed postpones an active job (a processor-requested delay)
// to fire again at fireAt.
func (q *Queue) MoveToDelayed(ctx context.Context, id, token string, fireAt time.Time) error {
	keysArg := []string{q.keys.Active(), q.keys.Delayed(), q.keys.Marker(), q.keys.Events(), q.keys.PriorityCounter()}
	res, err := q.scripts.MoveToDelayed.Run(ctx, q.rdb, keysArg,
		id, token, fireAt.UnixMilli(), q.base(), q.maxEventsLen,
	).Result()
	if err != nil {
		return fmt.Errorf("queue: move to delayed: %w", err)
	}
	return codeToError(toInt64FromResult(res))
}

// MoveToWaitingChildren parks an active job whose processor returned
// "waitingForChildren" until its remaining children resolve.
func (q *Queue) MoveToWaitingChildren(ctx context.Context, id, token string) error {
	keysArg := []string{q.keys.Active(), q.keys.WaitingChildren(), q.keys.PendingChildren(id), q.keys.Events()}
	res, err := q.scripts.MoveToWaitingChildren.Run(ctx, q.rdb, keysArg,
		id, token, q.base(), q.maxEventsLen,
	).Result()
	if err != nil {
		return fmt.Errorf("queue: move to waiting children: %w", err)
	}
	return codeToError(toInt64FromResult(res))
}

// ExtendLock renews a held lock's TTL; the caller should stop renewing and
// abandon the job if this returns false (another worker has reclaimed it).
func (q *Queue) ExtendLock(ctx context.Context, id, token string, duration time.Duration) (bool, error) {
	res, err := q.scripts.ExtendLock.Run(ctx, q.rdb, []string{q.keys.Lock(id)},
		token, duration.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("queue: extend lock: %w", err)
	}
	return toInt64FromResult(res) == 1, nil
}

// Retry re-queues a job currently sitting in completed or failed.
func (q *Queue) Retry(ctx context.Context, id string) error {
	keysArg := []string{q.keys.Completed(), q.keys.Failed(), q.keys.Wait(), q.keys.Prioritized(), q.keys.PriorityCounter(), q.keys.Events()}
	res, err := q.scripts.Retry.Run(ctx, q.rdb, keysArg, id, q.base(), q.maxEventsLen).Result()
	if err != nil {
		return fmt.Errorf("queue: retry: %w", err)
	}
	return codeToError(toInt64FromResult(res))
}

// Remove deletes a job entirely. force permits removing an active job.
func (q *Queue) Remove(ctx context.Context, id string, force bool) error {
	keysArg := []string{
		q.keys.Wait(), q.keys.Paused(), q.keys.Prioritized(), q.keys.Active(),
		q.keys.Delayed(), q.keys.Completed(), q.keys.Failed(), q.keys.WaitingChildren(),
	}
	f := "0"
	if force {
		f = "1"
	}
	res, err := q.scripts.Remove.Run(ctx, q.rdb, keysArg, id, q.base(), f).Result()
	if err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	code := toInt64FromResult(res)
	if code == 0 {
		return fmt.Errorf("queue: job %s not found", id)
	}
	return codeToError(code)
}

// Promote moves a delayed job into wait/prioritized immediately.
func (q *Queue) Promote(ctx context.Context, id string) error {
	keysArg := []string{q.keys.Delayed(), q.keys.Wait(), q.keys.Prioritized(), q.keys.PriorityCounter(), q.keys.Events()}
	res, err := q.scripts.Promote.Run(ctx, q.rdb, keysArg, id, q.base(), q.maxEventsLen).Result()
	if err != nil {
		return fmt.Errorf("queue: promote: %w", err)
	}
	if toInt64FromResult(res) == 0 {
		return fmt.Errorf("queue: job %s is not delayed", id)
	}
	return nil
}

// PromoteDueDelayed moves every delayed job whose fire time has passed into
// wait/prioritized, up to limit per call. The worker's maintenance loop
// calls this on a timer (every EmptyPollInterval) so MoveToActive finds
// due work in wait/prioritized rather than reaching into delayed itself.
// Returns the number of jobs promoted.
func (q *Queue) PromoteDueDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	maxScore := strconv.FormatInt(now.UnixMilli()*4096+4095, 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.Delayed(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan due delayed: %w", err)
	}
	promoted := 0
	for _, id := range ids {
		if err := q.Promote(ctx, id); err != nil {
			continue
		}
		promoted++
	}
	return promoted, nil
}

// Pause stops new dispatch from Wait without affecting in-flight jobs.
func (q *Queue) Pause(ctx context.Context) error {
	return q.setPaused(ctx, true)
}

// Resume reverses Pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.setPaused(ctx, false)
}

func (q *Queue) setPaused(ctx context.Context, pause bool) error {
	v := "0"
	if pause {
		v = "1"
	}
	keysArg := []string{q.keys.Wait(), q.keys.Paused(), q.keys.Meta(), q.keys.Events()}
	_, err := q.scripts.PauseResume.Run(ctx, q.rdb, keysArg, v, q.maxEventsLen).Result()
	if err != nil {
		return fmt.Errorf("queue: set paused=%v: %w", pause, err)
	}
	return nil
}

func policyString(p job.EdgePolicy) string {
	switch {
	case p.FailParentOnFailure:
		return "fail"
	case p.IgnoreDependencyOnFailure:
		return "ignore"
	case p.RemoveDependencyOnFailure:
		return "remove"
	case p.ContinueParentOnFailure:
		return "continue"
	default:
		return "none"
	}
}

func encodeRemovePolicy(p job.RemovePolicy) (mode int, count int64, age time.Duration) {
	switch p.Mode {
	case job.RemoveAlways:
		return 1, 0, 0
	case job.RemoveKeepCount:
		return 2, p.Count, 0
	case job.RemoveKeepCountAndAge:
		return 3, p.Count, p.Age
	default:
		return 0, 0, 0
	}
}

func codeToError(code int64) error {
	switch code {
	case 1:
		return nil
	case -1:
		return ErrJobNotFound
	case -2:
		return ErrWrongState
	case -3:
		return ErrLockMismatch
	case -4:
		return ErrNotInExpectedSet
	case -5:
		return ErrNoPendingChildren
	case -6:
		return ErrParentMissing
	case -7:
		return ErrJobActive
	default:
		return fmt.Errorf("queue: unexpected script return code %d", code)
	}
}

func toInt64FromResult(res interface{}) int64 {
	switch v := res.(type) {
	case []interface{}:
		if len(v) == 0 {
			return 0
		}
		return toInt64(v[0])
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
