// Copyright 2025 James Ross
// Package queue is the client-facing wrapper around a single named queue:
// every mutating method maps to exactly one of the Lua transition scripts
// in internal/script, so state transitions are atomic even under many
// concurrent producers and workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/keys"
	"github.com/arcweave/flowqueue/internal/script"
)

// Queue binds a Redis client and a fixed prefix/name to the transition
// scripts, and is the unit producers/workers/admin tooling depend on.
type Queue struct {
	rdb     redis.Cmdable
	keys    keys.Keys
	scripts *script.Scripts

	defaultAttempts    int
	defaultBackoffBase time.Duration
	stackTraceLimit    int
	maxEventsLen       int64
	backoffStrategies  *job.BackoffStrategies
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithDefaults overrides the attempt/backoff/stacktrace/event-cap defaults
// applied to jobs that don't set their own.
func WithDefaults(attempts int, backoffBase time.Duration, stackTraceLimit int, maxEventsLen int64) Option {
	return func(q *Queue) {
		q.defaultAttempts = attempts
		q.defaultBackoffBase = backoffBase
		q.stackTraceLimit = stackTraceLimit
		q.maxEventsLen = maxEventsLen
	}
}

// WithBackoffStrategies binds the named custom backoff strategy table a
// job's Backoff{Type: BackoffCustom} resolves against in MoveToFailed. Jobs
// that never use a custom backoff work the same without it.
func WithBackoffStrategies(strategies *job.BackoffStrategies) Option {
	return func(q *Queue) {
		q.backoffStrategies = strategies
	}
}

// New binds a Queue to rdb for the given prefix/name, loading its own copy
// of the transition scripts.
func New(rdb redis.Cmdable, prefix, name string, opts ...Option) (*Queue, error) {
	scripts, err := script.Load()
	if err != nil {
		return nil, fmt.Errorf("queue: load scripts: %w", err)
	}
	q := &Queue{
		rdb:                rdb,
		keys:               keys.New(prefix, name),
		scripts:            scripts,
		defaultAttempts:    3,
		defaultBackoffBase: time.Second,
		stackTraceLimit:    10,
		maxEventsLen:       10000,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Keys exposes the queue's key layout, e.g. for admin tooling.
func (q *Queue) Keys() keys.Keys { return q.keys }

// RDB exposes the underlying client for callers that need to read raw
// queue-depth/metadata outside the transition scripts (admin tooling,
// observability sampling).
func (q *Queue) RDB() redis.Cmdable { return q.rdb }

func nowMillis() int64 { return time.Now().UnixMilli() }

// Add writes a new job and places it into exactly one ready set, returning
// its assigned id. A caller-supplied opts.JobID makes the call idempotent:
// calling Add twice with the same JobID returns the same id without error.
func (q *Queue) Add(ctx context.Context, name string, data json.RawMessage, opts job.Options) (string, error) {
	return q.addWithPending(ctx, name, data, opts, 0)
}

// AddParent is like Add but is for a flow root/subtree parent that already
// has a known number of pending children: the job is placed directly into
// waiting-children instead of a ready set. Used by internal/flow, which
// must reserve the parent's id (via opts.JobID) before adding its children
// so each child can reference it.
func (q *Queue) AddParent(ctx context.Context, name string, data json.RawMessage, opts job.Options, pendingChildren int) (string, error) {
	return q.addWithPending(ctx, name, data, opts, pendingChildren)
}

func (q *Queue) addWithPending(ctx context.Context, name string, data json.RawMessage, opts job.Options, pendingChildren int) (string, error) {
	if err := job.ValidateOptions(opts, time.Now()); err != nil {
		return "", err
	}
	if opts.Attempts <= 0 {
		opts.Attempts = q.defaultAttempts
	}
	if opts.Backoff.Delay == 0 {
		opts.Backoff.Delay = q.defaultBackoffBase
	}
	if opts.StackTraceLimit <= 0 {
		opts.StackTraceLimit = q.stackTraceLimit
	}

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("queue: marshal opts: %w", err)
	}

	hasParent := "0"
	parentJSON := ""
	parentKey := ""

	keysArg := []string{
		q.keys.Wait(), q.keys.Prioritized(), q.keys.Delayed(), q.keys.WaitingChildren(),
		q.keys.ID(), q.keys.PriorityCounter(), q.keys.Marker(), q.keys.Events(), q.keys.Meta(),
	}

	dataField, dataEncoding := job.EncodeData(data)
	now := nowMillis()
	res, err := q.scripts.Add.Run(ctx, q.rdb, keysArg,
		q.base(), opts.JobID, name, dataField, string(optsJSON),
		strconv.FormatInt(now, 10),
		opts.Delay.Milliseconds(), opts.Priority, opts.Attempts,
		hasParent, parentJSON, parentKey, pendingChildren,
		q.maxEventsLen, now, dataEncoding,
	).Result()
	if err != nil {
		return "", fmt.Errorf("queue: add: %w", err)
	}
	arr := res.([]interface{})
	return fmt.Sprint(arr[0]), nil
}

// BulkItem is one job in a batch submitted to AddBulk.
type BulkItem struct {
	Name string
	Data json.RawMessage
	Opts job.Options
}

// AddBulk writes a batch of jobs in a single round trip, preserving their
// relative FIFO order. Each item's opts are defaulted the same way Add
// defaults a single job's.
func (q *Queue) AddBulk(ctx context.Context, items []BulkItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	keysArg := []string{
		q.keys.Wait(), q.keys.Prioritized(), q.keys.Delayed(), q.keys.WaitingChildren(),
		q.keys.ID(), q.keys.PriorityCounter(), q.keys.Marker(), q.keys.Events(),
	}

	now := nowMillis()
	argv := []interface{}{q.base(), now, q.maxEventsLen, len(items)}
	for _, it := range items {
		opts := it.Opts
		if err := job.ValidateOptions(opts, time.Now()); err != nil {
			return nil, err
		}
		if opts.Attempts <= 0 {
			opts.Attempts = q.defaultAttempts
		}
		if opts.Backoff.Delay == 0 {
			opts.Backoff.Delay = q.defaultBackoffBase
		}
		if opts.StackTraceLimit <= 0 {
			opts.StackTraceLimit = q.stackTraceLimit
		}
		optsJSON, err := json.Marshal(opts)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal opts: %w", err)
		}
		dataField, dataEncoding := job.EncodeData(it.Data)
		argv = append(argv, opts.JobID, it.Name, dataField, dataEncoding, string(optsJSON), opts.Delay.Milliseconds(), opts.Priority, now)
	}

	res, err := q.scripts.AddBulk.Run(ctx, q.rdb, keysArg, argv...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: add bulk: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("queue: unexpected addBulk result %#v", res)
	}
	ids := make([]string, len(arr))
	for i, v := range arr {
		ids[i] = fmt.Sprint(v)
	}
	return ids, nil
}

// AddChild is like Add but records a parent reference (for the flow engine)
// and registers this job's qualified key in the parent's pending set before
// returning. ownPendingChildren is this job's own outstanding-children count
// (0 for a leaf), which decides whether the child itself lands in a ready
// set or waiting-children — distinct from its relationship to parent.
func (q *Queue) AddChild(ctx context.Context, name string, data json.RawMessage, opts job.Options, parent job.ParentRef, parentPendingKey string, ownPendingChildren int) (string, error) {
	if err := job.ValidateOptions(opts, time.Now()); err != nil {
		return "", err
	}
	if opts.Attempts <= 0 {
		opts.Attempts = q.defaultAttempts
	}
	if opts.Backoff.Delay == 0 {
		opts.Backoff.Delay = q.defaultBackoffBase
	}

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("queue: marshal opts: %w", err)
	}
	parentJSON, err := json.Marshal(parent)
	if err != nil {
		return "", fmt.Errorf("queue: marshal parent: %w", err)
	}

	keysArg := []string{
		q.keys.Wait(), q.keys.Prioritized(), q.keys.Delayed(), q.keys.WaitingChildren(),
		q.keys.ID(), q.keys.PriorityCounter(), q.keys.Marker(), q.keys.Events(), q.keys.Meta(),
	}

	dataField, dataEncoding := job.EncodeData(data)
	now := nowMillis()
	res, err := q.scripts.Add.Run(ctx, q.rdb, keysArg,
		q.base(), opts.JobID, name, dataField, string(optsJSON),
		strconv.FormatInt(now, 10),
		opts.Delay.Milliseconds(), opts.Priority, opts.Attempts,
		"1", string(parentJSON), parent.QueueKey+":"+parent.ID, ownPendingChildren,
		q.maxEventsLen, now, dataEncoding,
	).Result()
	if err != nil {
		return "", fmt.Errorf("queue: add child: %w", err)
	}
	arr := res.([]interface{})
	id := fmt.Sprint(arr[0])

	if err := q.rdb.SAdd(ctx, parentPendingKey, q.keys.QualifiedJobKey(id)).Err(); err != nil {
		return "", fmt.Errorf("queue: register pending child: %w", err)
	}
	return id, nil
}

// MoveToActive claims the next ready job for this queue, preferring
// prioritized entries over plain FIFO, subject to pause and rate-limit
// state. token is the lock value the caller will present on completion;
// typically a fresh uuid per attempt. lockDuration is the active lock's
// TTL, after which the stalled checker considers the job abandoned.
func (q *Queue) MoveToActive(ctx context.Context, token string, lockDuration time.Duration) (*ActiveResult, error) {
	keysArg := []string{
		q.keys.Wait(), q.keys.Prioritized(), q.keys.Delayed(), q.keys.Active(),
		q.keys.Marker(), q.keys.Events(), q.keys.Meta(), q.keys.Limiter(),
	}
	res, err := q.scripts.MoveToActive.Run(ctx, q.rdb, keysArg,
		q.base(), token, lockDuration.Milliseconds(), nowMillis(), 0, 0, q.maxEventsLen,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: move to active: %w", err)
	}
	return parseActiveResult(res)
}

// MoveToActiveLimited is MoveToActive with the global rate limiter engaged.
func (q *Queue) MoveToActiveLimited(ctx context.Context, token string, lockDuration time.Duration, limiterMax int64, limiterWindow time.Duration) (*ActiveResult, error) {
	keysArg := []string{
		q.keys.Wait(), q.keys.Prioritized(), q.keys.Delayed(), q.keys.Active(),
		q.keys.Marker(), q.keys.Events(), q.keys.Meta(), q.keys.Limiter(),
	}
	res, err := q.scripts.MoveToActive.Run(ctx, q.rdb, keysArg,
		q.base(), token, lockDuration.Milliseconds(), nowMillis(),
		limiterMax, limiterWindow.Milliseconds(), q.maxEventsLen,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: move to active: %w", err)
	}
	return parseActiveResult(res)
}

// ActiveResult is the decoded return of moveToActive.
type ActiveResult struct {
	// Ready is true when a job was dispatched; JobID is then populated and
	// the full record can be fetched via Fetch.
	Ready bool
	JobID string
	// RateLimited is true when the queue's limiter denied dispatch; RetryAt
	// is when it becomes possible again.
	RateLimited bool
	// DelayedHint is set when the wait/prioritized sets are empty but a
	// delayed job exists; the caller can sleep until DelayedAt instead of
	// busy-polling.
	DelayedHint bool
	RetryAt     time.Time
	DelayedAt   time.Time
}

func parseActiveResult(res interface{}) (*ActiveResult, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("queue: unexpected moveToActive result %#v", res)
	}
	code := toInt64(arr[0])
	switch code {
	case 0:
		return &ActiveResult{}, nil
	case 1:
		return &ActiveResult{Ready: true, JobID: fmt.Sprint(arr[1])}, nil
	case 2:
		return &ActiveResult{RateLimited: true, RetryAt: time.UnixMilli(toInt64(arr[2]))}, nil
	case 3:
		return &ActiveResult{DelayedHint: true, DelayedAt: time.UnixMilli(toInt64(arr[2]))}, nil
	default:
		return nil, fmt.Errorf("queue: unknown moveToActive code %d", code)
	}
}

// Fetch loads the full job record by id.
func (q *Queue) Fetch(ctx context.Context, id string) (*job.Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.keys.Job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: fetch %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("queue: job %s not found", id)
	}
	return job.FromHash(id, h)
}

func (q *Queue) base() string {
	return q.keys.Prefix + ":" + q.keys.Queue
}

// NewLockToken returns a fresh random token suitable for MoveToActive's
// ownership check.
func NewLockToken() string { return uuid.NewString() }

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
