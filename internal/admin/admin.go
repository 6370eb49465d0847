// Copyright 2025 James Ross
// Package admin provides read-mostly operational tooling over a queue:
// depth stats, peeking into any of its sets (optionally filtered by a
// JSONPath expression or fuzzy name match), pausing/resuming dispatch, and
// requeuing or purging failed jobs.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/PaesslerAG/jsonpath"
	"github.com/guptarohit/asciigraph"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/redis/go-redis/v9"

	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/queue"
)

// Set names accepted by Peek/SearchJobs.
const (
	SetWait            = "wait"
	SetActive          = "active"
	SetDelayed         = "delayed"
	SetCompleted       = "completed"
	SetFailed          = "failed"
	SetWaitingChildren = "waiting-children"
)

// Admin wraps a single named queue with the read/operational helpers an
// operator CLI or HTTP surface needs.
type Admin struct {
	q       *queue.Queue
	history *StatsHistory
}

// New binds an Admin to q. history may be nil; when set, every Stats call
// records a sample into it, which Graph then renders.
func New(q *queue.Queue, history *StatsHistory) *Admin {
	return &Admin{q: q, history: history}
}

// Stats is the current depth of every set in the queue.
type Stats struct {
	Queue           string `json:"queue"`
	Wait            int64  `json:"wait"`
	Active          int64  `json:"active"`
	Delayed         int64  `json:"delayed"`
	Completed       int64  `json:"completed"`
	Failed          int64  `json:"failed"`
	WaitingChildren int64  `json:"waitingChildren"`
	Paused          bool   `json:"paused"`
}

// Stats reports the current depth of every set in the queue.
func (a *Admin) Stats(ctx context.Context) (Stats, error) {
	rdb := a.q.RDB()
	k := a.q.Keys()

	var s Stats
	s.Queue = k.Queue

	var err error
	if s.Wait, err = rdb.LLen(ctx, k.Wait()).Result(); err != nil {
		return s, fmt.Errorf("admin: stats wait: %w", err)
	}
	if s.Active, err = rdb.SCard(ctx, k.Active()).Result(); err != nil {
		return s, fmt.Errorf("admin: stats active: %w", err)
	}
	if s.Delayed, err = rdb.ZCard(ctx, k.Delayed()).Result(); err != nil {
		return s, fmt.Errorf("admin: stats delayed: %w", err)
	}
	if s.Completed, err = rdb.ZCard(ctx, k.Completed()).Result(); err != nil {
		return s, fmt.Errorf("admin: stats completed: %w", err)
	}
	if s.Failed, err = rdb.ZCard(ctx, k.Failed()).Result(); err != nil {
		return s, fmt.Errorf("admin: stats failed: %w", err)
	}
	if s.WaitingChildren, err = rdb.SCard(ctx, k.WaitingChildren()).Result(); err != nil {
		return s, fmt.Errorf("admin: stats waiting-children: %w", err)
	}
	paused, err := rdb.HGet(ctx, k.Meta(), "paused").Result()
	if err != nil && err != redis.Nil {
		return s, fmt.Errorf("admin: stats paused flag: %w", err)
	}
	s.Paused = paused == "1"

	if a.history != nil {
		a.history.record(s)
	}
	return s, nil
}

// idsInSet returns up to n job ids from set, newest-claimed-last for lists,
// lowest-score-first for sorted sets (i.e. soonest-due / earliest-finished).
func (a *Admin) idsInSet(ctx context.Context, set string, n int64) ([]string, error) {
	if n <= 0 {
		n = 10
	}
	rdb := a.q.RDB()
	k := a.q.Keys()
	switch set {
	case SetWait:
		return rdb.LRange(ctx, k.Wait(), 0, n-1).Result()
	case SetActive:
		ids, err := rdb.SMembers(ctx, k.Active()).Result()
		if err != nil {
			return nil, err
		}
		sort.Strings(ids)
		if int64(len(ids)) > n {
			ids = ids[:n]
		}
		return ids, nil
	case SetDelayed:
		return rdb.ZRange(ctx, k.Delayed(), 0, n-1).Result()
	case SetCompleted:
		return rdb.ZRange(ctx, k.Completed(), 0, n-1).Result()
	case SetFailed:
		return rdb.ZRange(ctx, k.Failed(), 0, n-1).Result()
	case SetWaitingChildren:
		ids, err := rdb.SMembers(ctx, k.WaitingChildren()).Result()
		if err != nil {
			return nil, err
		}
		sort.Strings(ids)
		if int64(len(ids)) > n {
			ids = ids[:n]
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("admin: unknown set %q", set)
	}
}

// Peek fetches up to n full job records from set.
func (a *Admin) Peek(ctx context.Context, set string, n int64) ([]*job.Job, error) {
	ids, err := a.idsInSet(ctx, set, n)
	if err != nil {
		return nil, fmt.Errorf("admin: peek %s: %w", set, err)
	}
	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := a.q.Fetch(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// PeekQuery fetches up to scan jobs from set and keeps only those whose
// decoded data satisfies the given JSONPath expression (e.g. "$.userId"
// matches any job whose data has that field at all; combine with a
// predicate path like "$[?(@.retryable==true)]" for filtering).
func (a *Admin) PeekQuery(ctx context.Context, set, path string, scan, limit int64) ([]*job.Job, error) {
	jobs, err := a.Peek(ctx, set, scan)
	if err != nil {
		return nil, err
	}
	out := make([]*job.Job, 0, limit)
	for _, j := range jobs {
		var v interface{}
		if err := json.Unmarshal(j.Data, &v); err != nil {
			continue
		}
		if _, err := jsonpath.Get(path, v); err != nil {
			continue
		}
		out = append(out, j)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// SearchJobs fuzzy-matches query against every scanned job's name, returning
// the best matches in rank order.
func (a *Admin) SearchJobs(ctx context.Context, set, query string, scan, limit int64) ([]*job.Job, error) {
	jobs, err := a.Peek(ctx, set, scan)
	if err != nil {
		return nil, err
	}
	ranked := fuzzy.RankFindFold(query, names(jobs))
	sort.Sort(ranked)
	out := make([]*job.Job, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, jobs[r.OriginalIndex])
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func names(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Name
	}
	return out
}

// Pause stops new dispatch from wait without affecting in-flight jobs.
func (a *Admin) Pause(ctx context.Context) error { return a.q.Pause(ctx) }

// Resume reverses Pause.
func (a *Admin) Resume(ctx context.Context) error { return a.q.Resume(ctx) }

// RequeueFailed retries the given failed job ids (or every currently failed
// job if ids is empty), returning how many were requeued.
func (a *Admin) RequeueFailed(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		all, err := a.idsInSet(ctx, SetFailed, 1<<30)
		if err != nil {
			return 0, err
		}
		ids = all
	}
	requeued := 0
	for _, id := range ids {
		if err := a.q.Retry(ctx, id); err != nil {
			continue
		}
		requeued++
	}
	return requeued, nil
}

// PurgeFailed removes every job in the failed set, including its job hash.
func (a *Admin) PurgeFailed(ctx context.Context) (int, error) {
	ids, err := a.idsInSet(ctx, SetFailed, 1<<30)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		if err := a.q.Remove(ctx, id, false); err != nil {
			continue
		}
		purged++
	}
	return purged, nil
}

// StatsHistory buffers recent Stats samples in memory so Graph can render a
// short trend line; it has no persistence and resets on process restart.
type StatsHistory struct {
	capacity int
	samples  []float64
	field    func(Stats) float64
}

// NewStatsHistory builds a history buffer of the given capacity, tracking
// the wait-set depth by default (override by constructing multiple
// histories with different field funcs if more series are needed).
func NewStatsHistory(capacity int) *StatsHistory {
	return &StatsHistory{capacity: capacity, field: func(s Stats) float64 { return float64(s.Wait) }}
}

func (h *StatsHistory) record(s Stats) {
	h.samples = append(h.samples, h.field(s))
	if len(h.samples) > h.capacity {
		h.samples = h.samples[len(h.samples)-h.capacity:]
	}
}

// Graph renders the buffered history as an ASCII line chart.
func (h *StatsHistory) Graph(height int) string {
	if len(h.samples) == 0 {
		return "(no samples yet)"
	}
	if height <= 0 {
		height = 10
	}
	return asciigraph.Plot(h.samples, asciigraph.Height(height))
}
