// Copyright 2025 James Ross
package redisclient

import (
	"context"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/arcweave/flowqueue/internal/config"
)

// New returns a configured go-redis v9 client with pooling sized off the
// host's CPU count, matching the defaults the rest of the ecosystem uses.
func New(cfg *config.Config) *redis.Client {
	poolSize := cfg.Redis.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Username:        cfg.Redis.Username,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        poolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}

// WaitReady blocks, retrying PING with exponential backoff, until Redis
// answers or the context is cancelled. Used at process startup so a worker
// crash-looping against a not-yet-ready Redis doesn't spam connection errors.
func WaitReady(ctx context.Context, rdb *redis.Client) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		return rdb.Ping(ctx).Err()
	}, b)
}
