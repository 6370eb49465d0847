// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("FLOWQUEUE_WORKER_CONCURRENCY")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Concurrency != 16 {
		t.Fatalf("expected default worker concurrency 16, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Queue.Name != "default" {
		t.Fatalf("expected default queue name, got %q", cfg.Queue.Name)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Concurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.concurrency < 1")
	}

	cfg = defaultConfig()
	cfg.Worker.LockRenewEvery = cfg.Worker.LockDuration
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for lock_renew_every >= lock_duration")
	}

	cfg = defaultConfig()
	cfg.Queue.Name = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty queue name")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid metrics port")
	}
}
