// Copyright 2025 James Ross
// Package config loads and validates process configuration for every
// flowqueue role (producer, worker, scheduler, admin, events) from a YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis holds connection parameters shared by every role.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Queue holds the per-queue defaults applied when a job is added without
// overriding them in its own Options.
type Queue struct {
	Prefix              string        `mapstructure:"prefix"`
	Name                string        `mapstructure:"name"`
	DefaultAttempts     int           `mapstructure:"default_attempts"`
	DefaultBackoffBase  time.Duration `mapstructure:"default_backoff_base"`
	StackTraceLimit     int           `mapstructure:"stack_trace_limit"`
	RemoveOnCompleteAge time.Duration `mapstructure:"remove_on_complete_age"`
	RemoveOnFailAge     time.Duration `mapstructure:"remove_on_fail_age"`
	MaxEventsLen        int64         `mapstructure:"max_events_len"`
}

// Worker holds the dispatch-loop tuning for one worker process.
type Worker struct {
	Concurrency       int           `mapstructure:"concurrency"`
	LockDuration      time.Duration `mapstructure:"lock_duration"`
	LockRenewEvery    time.Duration `mapstructure:"lock_renew_every"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	StalledInterval   time.Duration `mapstructure:"stalled_interval"`
	MaxStalledCount   int           `mapstructure:"max_stalled_count"`
	EmptyPollInterval time.Duration `mapstructure:"empty_poll_interval"`
	RateLimitMax      int64         `mapstructure:"rate_limit_max"`
	RateLimitDuration time.Duration `mapstructure:"rate_limit_duration"`
}

// Scheduler holds repeatable-job resolution tuning.
type Scheduler struct {
	Interval      time.Duration `mapstructure:"interval"`
	FingerprintV2 bool          `mapstructure:"fingerprint_v2"`
}

// Producer holds the bulk-import command's filesystem-walking defaults.
type Producer struct {
	ScanDir         string   `mapstructure:"scan_dir"`
	IncludeGlobs    []string `mapstructure:"include_globs"`
	ExcludeGlobs    []string `mapstructure:"exclude_globs"`
	DefaultPriority int      `mapstructure:"default_priority"`
	RateLimitPerSec int      `mapstructure:"rate_limit_per_sec"`

	// Fairness gates admission through internal/ratelimit's priority-weighted
	// token bucket ahead of the fixed-window RateLimitPerSec check. Disabled
	// (the zero value) by default since most deployments need only the
	// fixed-window limiter.
	Fairness FairnessConfig `mapstructure:"fairness"`
}

// FairnessConfig configures the optional ratelimiting.RateLimiter a Producer
// consults before admitting a job (spec's priority-weighted admission
// control layered in front of the worker's queue-wide dispatch limiter).
type FairnessConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	GlobalRatePerSecond  int64         `mapstructure:"global_rate_per_second"`
	GlobalBurstSize      int64         `mapstructure:"global_burst_size"`
	DefaultRatePerSecond int64         `mapstructure:"default_rate_per_second"`
	DefaultBurstSize     int64         `mapstructure:"default_burst_size"`
	KeyTTL               time.Duration `mapstructure:"key_ttl"`
	DryRun               bool          `mapstructure:"dry_run"`
}

// CircuitBreaker shields the worker's dispatch loop from a Redis outage.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// TracingConfig configures the optional OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Endpoint     string        `mapstructure:"endpoint"`
	Environment  string        `mapstructure:"environment"`
	SamplingRate float64       `mapstructure:"sampling_rate"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Insecure     bool          `mapstructure:"insecure"`
}

// Observability configures logging, metrics and tracing.
type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Admin configures the optional HTTP administration surface.
type Admin struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the root configuration object, assembled by Load.
type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Queue          Queue          `mapstructure:"queue"`
	Worker         Worker         `mapstructure:"worker"`
	Scheduler      Scheduler      `mapstructure:"scheduler"`
	Producer       Producer       `mapstructure:"producer"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Admin          Admin          `mapstructure:"admin"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Queue: Queue{
			Prefix:              "bull",
			Name:                "default",
			DefaultAttempts:     3,
			DefaultBackoffBase:  1 * time.Second,
			StackTraceLimit:     10,
			RemoveOnCompleteAge: 24 * time.Hour,
			RemoveOnFailAge:     7 * 24 * time.Hour,
			MaxEventsLen:        10000,
		},
		Worker: Worker{
			Concurrency:       16,
			LockDuration:      30 * time.Second,
			LockRenewEvery:    15 * time.Second,
			DrainTimeout:      30 * time.Second,
			StalledInterval:   30 * time.Second,
			MaxStalledCount:   1,
			EmptyPollInterval: 1 * time.Second,
			RateLimitMax:      0,
			RateLimitDuration: 1 * time.Second,
		},
		Scheduler: Scheduler{
			Interval:      5 * time.Second,
			FingerprintV2: false,
		},
		Producer: Producer{
			ScanDir:         "./data",
			IncludeGlobs:    []string{"**/*.job.json"},
			ExcludeGlobs:    []string{"**/*.tmp", "**/.DS_Store"},
			DefaultPriority: 0,
			RateLimitPerSec: 0,
			Fairness: FairnessConfig{
				Enabled:              false,
				GlobalRatePerSecond:  10000,
				GlobalBurstSize:      20000,
				DefaultRatePerSecond: 100,
				DefaultBurstSize:     200,
				KeyTTL:               time.Hour,
			},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Admin: Admin{
			Enabled: false,
			Addr:    ":8080",
		},
	}
}

// Load reads configuration from a YAML file with environment overrides
// (FLOWQUEUE_REDIS_ADDR overrides redis.addr, etc). A missing file at path
// is not an error; defaults apply and env vars may still override them.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("flowqueue")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.prefix", def.Queue.Prefix)
	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.default_attempts", def.Queue.DefaultAttempts)
	v.SetDefault("queue.default_backoff_base", def.Queue.DefaultBackoffBase)
	v.SetDefault("queue.stack_trace_limit", def.Queue.StackTraceLimit)
	v.SetDefault("queue.remove_on_complete_age", def.Queue.RemoveOnCompleteAge)
	v.SetDefault("queue.remove_on_fail_age", def.Queue.RemoveOnFailAge)
	v.SetDefault("queue.max_events_len", def.Queue.MaxEventsLen)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.lock_duration", def.Worker.LockDuration)
	v.SetDefault("worker.lock_renew_every", def.Worker.LockRenewEvery)
	v.SetDefault("worker.drain_timeout", def.Worker.DrainTimeout)
	v.SetDefault("worker.stalled_interval", def.Worker.StalledInterval)
	v.SetDefault("worker.max_stalled_count", def.Worker.MaxStalledCount)
	v.SetDefault("worker.empty_poll_interval", def.Worker.EmptyPollInterval)
	v.SetDefault("worker.rate_limit_max", def.Worker.RateLimitMax)
	v.SetDefault("worker.rate_limit_duration", def.Worker.RateLimitDuration)

	v.SetDefault("scheduler.interval", def.Scheduler.Interval)
	v.SetDefault("scheduler.fingerprint_v2", def.Scheduler.FingerprintV2)

	v.SetDefault("producer.scan_dir", def.Producer.ScanDir)
	v.SetDefault("producer.include_globs", def.Producer.IncludeGlobs)
	v.SetDefault("producer.exclude_globs", def.Producer.ExcludeGlobs)
	v.SetDefault("producer.default_priority", def.Producer.DefaultPriority)
	v.SetDefault("producer.rate_limit_per_sec", def.Producer.RateLimitPerSec)
	v.SetDefault("producer.fairness.enabled", def.Producer.Fairness.Enabled)
	v.SetDefault("producer.fairness.global_rate_per_second", def.Producer.Fairness.GlobalRatePerSecond)
	v.SetDefault("producer.fairness.global_burst_size", def.Producer.Fairness.GlobalBurstSize)
	v.SetDefault("producer.fairness.default_rate_per_second", def.Producer.Fairness.DefaultRatePerSecond)
	v.SetDefault("producer.fairness.default_burst_size", def.Producer.Fairness.DefaultBurstSize)
	v.SetDefault("producer.fairness.key_ttl", def.Producer.Fairness.KeyTTL)
	v.SetDefault("producer.fairness.dry_run", def.Producer.Fairness.DryRun)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_file", def.Observability.LogFile)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("admin.enabled", def.Admin.Enabled)
	v.SetDefault("admin.addr", def.Admin.Addr)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Worker.LockDuration <= 0 {
		return fmt.Errorf("worker.lock_duration must be > 0")
	}
	if cfg.Worker.LockRenewEvery <= 0 || cfg.Worker.LockRenewEvery >= cfg.Worker.LockDuration {
		return fmt.Errorf("worker.lock_renew_every must be > 0 and < lock_duration")
	}
	if cfg.Worker.MaxStalledCount < 0 {
		return fmt.Errorf("worker.max_stalled_count must be >= 0")
	}
	if cfg.Queue.Name == "" {
		return fmt.Errorf("queue.name must be non-empty")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
