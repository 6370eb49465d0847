// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arcweave/flowqueue/internal/config"
	"github.com/arcweave/flowqueue/internal/queue"
)

// StartQueueLengthUpdater samples wait/active/delayed/failed depth for each
// queue and updates the queue_length gauge, labeled by queue name and set.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, queues []*queue.Queue, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					sampleQueueLength(ctx, q, log)
				}
			}
		}
	}()
}

func sampleQueueLength(ctx context.Context, q *queue.Queue, log *zap.Logger) {
	name := q.Keys().Queue
	sample := func(set, key string, count func(context.Context, string) (int64, error)) {
		n, err := count(ctx, key)
		if err != nil {
			log.Debug("queue length poll error", String("queue", name), String("set", set), Err(err))
			return
		}
		QueueLength.WithLabelValues(name, set).Set(float64(n))
	}

	rdb := q.RDB()
	sample("wait", q.Keys().Wait(), func(c context.Context, k string) (int64, error) { return rdb.LLen(c, k).Result() })
	sample("active", q.Keys().Active(), func(c context.Context, k string) (int64, error) { return rdb.SCard(c, k).Result() })
	sample("delayed", q.Keys().Delayed(), func(c context.Context, k string) (int64, error) { return rdb.ZCard(c, k).Result() })
	sample("completed", q.Keys().Completed(), func(c context.Context, k string) (int64, error) { return rdb.ZCard(c, k).Result() })
	sample("failed", q.Keys().Failed(), func(c context.Context, k string) (int64, error) { return rdb.ZCard(c, k).Result() })
}
