// Copyright 2025 James Ross
// Package producer enqueues jobs onto a queue, either one at a time or in
// bulk from a directory of job-definition files, applying the configured
// rate limit and tracing/metrics wrapping around each enqueue.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/arcweave/flowqueue/internal/config"
	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/obs"
	"github.com/arcweave/flowqueue/internal/queue"
	"github.com/arcweave/flowqueue/internal/ratelimit"
)

// Producer enqueues jobs onto a single bound queue.
type Producer struct {
	cfg *config.Config
	q   *queue.Queue
	log *zap.Logger

	limitKey string

	// fairness optionally gates admission by priority tier ahead of the
	// queue's own fixed-window limiter, giving higher-priority jobs a
	// larger effective share under sustained load. The worker's dispatch
	// loop applies a separate queue-wide rate limiter (one window for every
	// job of the queue); this one runs producer-side, before a job ever
	// reaches Redis.
	fairness *ratelimiting.RateLimiter

	// schemas optionally rejects malformed payloads before they ever
	// reach Redis. A job name with no registered schema always passes.
	schemas *job.SchemaRegistry
}

// New binds a Producer to q. fairness may be nil to skip priority-weighted
// admission control and rely solely on the fixed-window limiter. schemas
// may be nil to skip data-shape validation entirely.
func New(cfg *config.Config, q *queue.Queue, log *zap.Logger, fairness *ratelimiting.RateLimiter, schemas *job.SchemaRegistry) *Producer {
	return &Producer{cfg: cfg, q: q, log: log, limitKey: q.Keys().Queue + ":producer:ratelimit", fairness: fairness, schemas: schemas}
}

// Enqueue adds one job, tracing and counting it like the teacher's
// file-scanning producer did for each file it found.
func (p *Producer) Enqueue(ctx context.Context, name string, data json.RawMessage, opts job.Options) (string, error) {
	if opts.Priority == 0 {
		opts.Priority = p.cfg.Producer.DefaultPriority
	}
	if p.schemas != nil {
		if err := p.schemas.Validate(name, data); err != nil {
			return "", err
		}
	}
	if p.fairness != nil {
		res, err := p.fairness.Consume(ctx, p.q.Keys().Queue, 1, priorityTier(opts.Priority))
		if err != nil {
			return "", fmt.Errorf("producer: fairness check: %w", err)
		}
		if !res.Allowed {
			return "", fmt.Errorf("producer: rate limited, retry after %s", res.RetryAfter)
		}
	}
	if err := p.rateLimit(ctx); err != nil {
		return "", err
	}

	ctx, span := obs.StartEnqueueSpan(ctx, p.q.Keys().Queue, name)
	defer span.End()

	id, err := p.q.Add(ctx, name, data, opts)
	if err != nil {
		obs.RecordError(ctx, err)
		return "", err
	}
	obs.SetSpanSuccess(ctx)
	obs.JobsProduced.Inc()
	p.log.Info("enqueued job", obs.String("id", id), obs.String("name", name), obs.String("queue", p.q.Keys().Queue))
	return id, nil
}

// jobSpec is the on-disk shape of a single *.job.json file consumed by
// Import.
type jobSpec struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
	Opts job.Options     `json:"opts"`
}

// Import walks dir, matching files against the configured include/exclude
// globs (defaulting to every "*.job.json" file), parses each as a jobSpec,
// and submits them in batches via AddBulk. It returns the number of jobs
// enqueued.
func (p *Producer) Import(ctx context.Context, dir string) (int, error) {
	include := p.cfg.Producer.IncludeGlobs
	if len(include) == 0 {
		include = []string{"**/*.job.json"}
	}
	exclude := p.cfg.Producer.ExcludeGlobs

	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}

	var batch []queue.BulkItem
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := p.q.AddBulk(ctx, batch); err != nil {
			return err
		}
		obs.JobsProduced.Add(float64(len(batch)))
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	walkErr := filepath.WalkDir(absRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}

		matched := false
		for _, g := range include {
			if ok, _ := doublestar.Match(g, rel); ok {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}
		for _, g := range exclude {
			if ok, _ := doublestar.Match(g, rel); ok {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.rateLimit(ctx); err != nil {
			return err
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			p.log.Warn("import: read failed", obs.String("path", path), obs.Err(err))
			return nil
		}
		var spec jobSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			p.log.Warn("import: invalid job spec", obs.String("path", path), obs.Err(err))
			return nil
		}
		if spec.Name == "" {
			return fmt.Errorf("import: %s missing name", rel)
		}
		if p.schemas != nil {
			if err := p.schemas.Validate(spec.Name, spec.Data); err != nil {
				p.log.Warn("import: schema validation failed", obs.String("path", path), obs.Err(err))
				return nil
			}
		}

		batch = append(batch, queue.BulkItem{Name: spec.Name, Data: spec.Data, Opts: spec.Opts})
		if len(batch) >= 100 {
			return flush()
		}
		return nil
	})
	if walkErr != nil {
		return total, walkErr
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// rateLimit applies a fixed-window per-second cap using a plain Redis
// counter, sleeping out the remainder of the window when exceeded.
func (p *Producer) rateLimit(ctx context.Context) error {
	if p.cfg.Producer.RateLimitPerSec <= 0 {
		return nil
	}
	rdb := p.q.RDB()
	n, err := rdb.Incr(ctx, p.limitKey).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		_ = rdb.Expire(ctx, p.limitKey, time.Second).Err()
	}
	if int(n) <= p.cfg.Producer.RateLimitPerSec {
		return nil
	}
	ttl, err := rdb.TTL(ctx, p.limitKey).Result()
	if err != nil || ttl <= 0 {
		ttl = 200 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ttl):
	}
	return nil
}

// priorityTier maps a job's numeric priority (0 = none, 1 = highest, per
// spec §3) onto the coarse tiers ratelimiting.Config.PriorityWeights knows
// about.
func priorityTier(priority int) string {
	switch {
	case priority == 0:
		return "normal"
	case priority <= 3:
		return "critical"
	case priority <= 10:
		return "high"
	default:
		return "low"
	}
}
