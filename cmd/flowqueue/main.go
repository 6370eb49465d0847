// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcweave/flowqueue/internal/admin"
	"github.com/arcweave/flowqueue/internal/config"
	"github.com/arcweave/flowqueue/internal/events"
	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/obs"
	"github.com/arcweave/flowqueue/internal/producer"
	"github.com/arcweave/flowqueue/internal/queue"
	"github.com/arcweave/flowqueue/internal/ratelimit"
	"github.com/arcweave/flowqueue/internal/redisclient"
	"github.com/arcweave/flowqueue/internal/scheduler"
	"github.com/arcweave/flowqueue/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminSet string
	var adminN int
	var adminQuery string
	var adminYes bool
	var importDir string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: producer|worker|scheduler|admin|events|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|pause|resume|requeue-failed|purge-failed")
	fs.StringVar(&adminSet, "set", "wait", "Set for admin peek: wait|active|delayed|completed|failed|waiting-children")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.StringVar(&adminQuery, "query", "", "JSONPath expression to filter admin peek results")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.StringVar(&importDir, "import-dir", "", "Producer role: directory of *.job.json files to bulk import, then exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	q, err := queue.New(rdb, cfg.Queue.Prefix, cfg.Queue.Name,
		queue.WithDefaults(cfg.Queue.DefaultAttempts, cfg.Queue.DefaultBackoffBase, cfg.Queue.StackTraceLimit, cfg.Queue.MaxEventsLen),
		queue.WithBackoffStrategies(defaultBackoffStrategies()))
	if err != nil {
		logger.Fatal("failed to build queue", obs.Err(err))
	}

	hash := scheduler.MD5
	if cfg.Scheduler.FingerprintV2 {
		hash = scheduler.SHA256
	}
	sched := scheduler.New(q, hash)

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role != "admin" {
		obs.StartQueueLengthUpdater(ctx, cfg, []*queue.Queue{q}, logger)
	}

	switch role {
	case "producer":
		if importDir != "" {
			prod := producer.New(cfg, q, logger, newFairnessLimiter(cfg, rdb, logger), nil)
			n, err := prod.Import(ctx, importDir)
			if err != nil {
				logger.Fatal("import error", obs.Err(err))
			}
			logger.Info("import complete", obs.Int("enqueued", n))
			return
		}
		logger.Fatal("producer role requires -import-dir; interactive enqueue is a library call, not a CLI loop")
	case "worker":
		wrk := worker.New(cfg, q, sched, logger, noopProcessor)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "scheduler":
		runSchedulerLoop(ctx, cfg, sched, logger)
	case "all":
		go runSchedulerLoop(ctx, cfg, sched, logger)
		wrk := worker.New(cfg, q, sched, logger, noopProcessor)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "admin":
		runAdmin(ctx, q, logger, adminCmd, adminSet, adminQuery, adminN, adminYes)
	case "events":
		runEvents(ctx, q, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// newFairnessLimiter builds the producer-side priority-weighted admission
// limiter configured under producer.fairness, or nil when it's disabled so
// Producer.Enqueue skips the check entirely and relies on the fixed-window
// RateLimitPerSec guard alone.
func newFairnessLimiter(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) *ratelimiting.RateLimiter {
	fc := cfg.Producer.Fairness
	if !fc.Enabled {
		return nil
	}
	return ratelimiting.NewRateLimiter(rdb, logger, &ratelimiting.Config{
		GlobalRatePerSecond:  fc.GlobalRatePerSecond,
		GlobalBurstSize:      fc.GlobalBurstSize,
		DefaultRatePerSecond: fc.DefaultRatePerSecond,
		DefaultBurstSize:     fc.DefaultBurstSize,
		PriorityWeights: map[string]float64{
			"critical": 3.0,
			"high":     2.0,
			"normal":   1.0,
			"low":      0.5,
		},
		KeyTTL: fc.KeyTTL,
		DryRun: fc.DryRun,
	})
}

// defaultBackoffStrategies registers the named custom backoff strategies a
// job can select via Options.Backoff{Type: "custom", CustomName: ...}.
// "decorrelated-jitter" spreads out retries of jobs that failed together;
// "skip-on-validation-error" retries immediately on errors a wait can't
// fix (a payload a schema check will reject identically next time) and
// falls back to decorrelated jitter otherwise.
func defaultBackoffStrategies() *job.BackoffStrategies {
	strategies := job.NewBackoffStrategies()
	jitter := job.DecorrelatedJitterStrategy(time.Second, time.Minute, 3.0)
	strategies.Register("decorrelated-jitter", jitter)
	strategies.Register("skip-on-validation-error",
		job.SkipDelayOnErrorPattern(`(?i)validation|invalid_input|malformed|schema_error`, jitter))
	return strategies
}

// noopProcessor is the default binding for the generic "worker" role run
// from this entrypoint; applications embedding flowqueue as a library wire
// their own worker.Processor instead of invoking this binary's worker role.
func noopProcessor(_ context.Context, j *job.Job) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

// runSchedulerLoop reads the repeatable job definitions every
// cfg.Scheduler.Interval and logs a failed read. It materializes no
// occurrences and promotes no delayed jobs: workers do both, through
// Scheduler.Advance after each repeatable job and their maintenance loop.
func runSchedulerLoop(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, logger *zap.Logger) {
	interval := cfg.Scheduler.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sched.GetRepeatableJobs(ctx, 0, 1, true); err != nil {
				logger.Warn("scheduler housekeeping failed", obs.Err(err))
			}
		}
	}
}

func runAdmin(ctx context.Context, q *queue.Queue, logger *zap.Logger, cmd, set, query string, n int, yes bool) {
	a := admin.New(q, nil)
	switch cmd {
	case "stats":
		res, err := a.Stats(ctx)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		var jobs interface{}
		var err error
		if query != "" {
			jobs, err = a.PeekQuery(ctx, set, query, int64(n)*10, int64(n))
		} else {
			jobs, err = a.Peek(ctx, set, int64(n))
		}
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(jobs)
	case "pause":
		if err := a.Pause(ctx); err != nil {
			logger.Fatal("admin pause error", obs.Err(err))
		}
		fmt.Println("queue paused")
	case "resume":
		if err := a.Resume(ctx); err != nil {
			logger.Fatal("admin resume error", obs.Err(err))
		}
		fmt.Println("queue resumed")
	case "requeue-failed":
		requeued, err := a.RequeueFailed(ctx, nil)
		if err != nil {
			logger.Fatal("admin requeue-failed error", obs.Err(err))
		}
		fmt.Printf("requeued %d jobs\n", requeued)
	case "purge-failed":
		if !yes {
			logger.Fatal("refusing to purge without -yes")
		}
		purged, err := a.PurgeFailed(ctx)
		if err != nil {
			logger.Fatal("admin purge-failed error", obs.Err(err))
		}
		fmt.Printf("purged %d jobs\n", purged)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

// runEvents tails the bound queue's lifecycle event stream from its current
// tail and prints each entry as it arrives, for operators watching a queue
// interactively rather than through the metrics/admin surfaces.
func runEvents(ctx context.Context, q *queue.Queue, logger *zap.Logger) {
	qe := events.New(q.RDB(), q.Keys().Events(), q.Keys().Queue, 5*time.Second)
	ch, unsubscribe := qe.Subscribe()
	defer unsubscribe()

	go func() {
		if err := qe.Run(ctx, "$"); err != nil {
			logger.Warn("event tail stopped", obs.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			printJSON(ev)
		}
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
