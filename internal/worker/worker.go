// Copyright 2025 James Ross
// Package worker runs the fetch/process/finalize loop described in spec
// §4.5: a pool of goroutines each claim one job at a time via
// queue.MoveToActive, renew its lock while a registered Processor runs, and
// finalize it through MoveToCompleted/MoveToFailed. A single elected
// goroutine per process also drives delayed-job promotion and stalled-job
// recovery so those don't run once per concurrency slot.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arcweave/flowqueue/internal/breaker"
	"github.com/arcweave/flowqueue/internal/config"
	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/obs"
	"github.com/arcweave/flowqueue/internal/queue"
	"github.com/arcweave/flowqueue/internal/scheduler"
)

// Processor handles one job's payload and returns its result value, or an
// error to trigger a retry/failure per the job's backoff policy.
type Processor func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// Worker drives the dispatch loop for a single named queue.
type Worker struct {
	cfg     config.Worker
	q       *queue.Queue
	sched   *scheduler.Scheduler
	log     *zap.Logger
	cb      *breaker.CircuitBreaker
	process Processor
	id      string

	// pollInterval feeds each slot's own rate.Limiter (see runSlot), so a
	// saturated rate-limit window or an open breaker paces its re-fetch
	// attempts instead of busy-looping MoveToActive calls at Redis.
	pollInterval time.Duration
}

// New binds a Worker to q. sched may be nil if this queue has no
// repeatable jobs; Advance is then never called.
func New(cfg *config.Config, q *queue.Queue, sched *scheduler.Scheduler, log *zap.Logger, process Processor) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	pollInterval := cfg.Worker.EmptyPollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{cfg: cfg.Worker, q: q, sched: sched, log: log, cb: cb, process: process, id: id, pollInterval: pollInterval}
}

// Run blocks dispatching jobs until ctx is canceled, then waits up to
// cfg.Worker.DrainTimeout for in-flight jobs to finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	go w.breakerStateLoop(ctx)
	go w.maintenanceLoop(ctx)

	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		slot := fmt.Sprintf("%s-%d", w.id, i)
		go func(slotID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runSlot(ctx, slotID)
		}(slot)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.log.Warn("drain timeout exceeded, returning with jobs still in flight")
	}
	return nil
}

// runSlot is one concurrency slot's fetch/process loop: claim a job, renew
// its lock for as long as processing takes, finalize it, repeat.
func (w *Worker) runSlot(ctx context.Context, slotID string) {
	// Each slot paces its own empty/blocked polling through a limiter
	// rather than a fixed sleep, so bursts of newly-ready work (a promote
	// tick, a lock freed by another slot) are picked up immediately while
	// a sustained empty queue or open breaker settles into one attempt
	// per pollInterval instead of spinning.
	pollLimiter := rate.NewLimiter(rate.Every(w.pollInterval), 1)

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			_ = pollLimiter.Wait(ctx)
			continue
		}

		token := queue.NewLockToken()
		res, err := w.claim(ctx, token)
		if err != nil {
			w.log.Warn("move to active error", obs.Err(err))
			w.cb.Record(false)
			_ = pollLimiter.Wait(ctx)
			continue
		}
		if !res.Ready {
			if res.DelayedHint {
				if d := time.Until(res.DelayedAt); d > 0 && d < w.pollInterval {
					sleepOrDone(ctx, d)
					continue
				}
			}
			if res.RateLimited {
				if d := time.Until(res.RetryAt); d > 0 {
					sleepOrDone(ctx, d)
					continue
				}
			}
			_ = pollLimiter.Wait(ctx)
			continue
		}

		w.cb.Record(true)
		w.handle(ctx, slotID, res.JobID, token)
	}
}

func (w *Worker) claim(ctx context.Context, token string) (*queue.ActiveResult, error) {
	if w.cfg.RateLimitMax > 0 {
		return w.q.MoveToActiveLimited(ctx, token, w.cfg.LockDuration, w.cfg.RateLimitMax, w.cfg.RateLimitDuration)
	}
	return w.q.MoveToActive(ctx, token, w.cfg.LockDuration)
}

// handle renews id's lock on a timer while process runs, then finalizes it.
func (w *Worker) handle(ctx context.Context, slotID, id, token string) {
	j, err := w.q.Fetch(ctx, id)
	if err != nil {
		w.log.Error("fetch claimed job failed", obs.String("jobId", id), obs.Err(err))
		return
	}

	obs.JobsConsumed.Inc()

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go w.renewLock(renewCtx, id, token)

	start := time.Now()
	result, procErr := w.process(ctx, j)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	stopRenew()

	links := w.parentLinks(ctx, j)

	if procErr == nil {
		if err := w.q.MoveToCompleted(ctx, id, token, result, j.Opts.RemoveOnComplete, links); err != nil {
			w.log.Error("move to completed failed", obs.String("jobId", id), obs.Err(err))
			return
		}
		obs.JobsCompleted.Inc()
		if j.RepeatJobKey != "" && w.sched != nil {
			if err := w.sched.Advance(ctx, j); err != nil {
				w.log.Warn("advance repeatable failed", obs.String("jobId", id), obs.Err(err))
			}
		}
		return
	}

	w.log.Warn("job processing failed", obs.String("jobId", id), obs.Int("attempt", j.AttemptsMade+1), obs.Err(procErr))
	if err := w.q.MoveToFailed(ctx, j, token, procErr.Error(), procErr.Error(), time.Now(), links); err != nil {
		w.log.Error("move to failed failed", obs.String("jobId", id), obs.Err(err))
		return
	}
	if j.AttemptsMade+1 < j.AttemptsMax && !j.Opts.Discard {
		obs.JobsRetried.Inc()
	} else {
		obs.JobsFailed.Inc()
		if j.RepeatJobKey != "" && w.sched != nil {
			if err := w.sched.Advance(ctx, j); err != nil {
				w.log.Warn("advance repeatable failed", obs.String("jobId", id), obs.Err(err))
			}
		}
	}
}

// parentLinks resolves the ParentLinks a job's own queue needs to unblock
// or fail a parent sitting in (possibly) a different named queue. The
// parent's opaque QueueKey is "<prefix>:<queueName>"; since flowqueue binds
// one Queue per name per process, a worker can only resolve a parent that
// shares its own prefix+name — cross-queue parents fall back to {} and the
// parent stays pinned in waiting-children until an operator intervenes,
// matching the degraded-but-safe behavior spec §4.6 calls for.
func (w *Worker) parentLinks(_ context.Context, j *job.Job) queue.ParentLinks {
	if j.Parent == nil {
		return queue.ParentLinks{}
	}
	ownBase := w.q.Keys().Prefix + ":" + w.q.Keys().Queue
	if j.Parent.QueueKey != ownBase {
		return queue.ParentLinks{}
	}
	return queue.ParentLinks{
		HasParent:         true,
		ParentID:          j.Parent.ID,
		ParentKeys:        w.q.Keys(),
		ChildQualifiedKey: w.q.Keys().QualifiedJobKey(j.ID),
		Policy:            j.Opts.Edge,
	}
}

func (w *Worker) renewLock(ctx context.Context, id, token string) {
	ticker := time.NewTicker(w.cfg.LockRenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.q.ExtendLock(ctx, id, token, w.cfg.LockDuration)
			if err != nil {
				w.log.Warn("extend lock error", obs.String("jobId", id), obs.Err(err))
				return
			}
			if !ok {
				w.log.Warn("lost lock ownership, abandoning renewal", obs.String("jobId", id))
				return
			}
		}
	}
}

// maintenanceLoop promotes due delayed jobs and drives stalled-job
// recovery on a shared timer, independent of the concurrency slots.
func (w *Worker) maintenanceLoop(ctx context.Context) {
	promoteTicker := time.NewTicker(w.cfg.EmptyPollInterval)
	defer promoteTicker.Stop()
	stalledTicker := time.NewTicker(w.cfg.StalledInterval)
	defer stalledTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promoteTicker.C:
			if _, err := w.q.PromoteDueDelayed(ctx, time.Now(), 100); err != nil {
				w.log.Warn("promote due delayed failed", obs.Err(err))
			}
		case <-stalledTicker.C:
			res, err := w.q.RunStalledCheck(ctx, w.id, w.cfg.StalledInterval*2, w.cfg.MaxStalledCount)
			if err != nil {
				w.log.Warn("stalled check failed", obs.Err(err))
				continue
			}
			if !res.Ran {
				continue
			}
			for range res.Recovered {
				obs.JobsRetried.Inc()
			}
			for range res.Failed {
				obs.JobsDeadLetter.Inc()
			}
			if len(res.Recovered) > 0 || len(res.Failed) > 0 {
				w.log.Info("stalled check recovered jobs",
					obs.Int("recovered", len(res.Recovered)), obs.Int("failed", len(res.Failed)))
			}
		}
	}
}

func (w *Worker) breakerStateLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch w.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
