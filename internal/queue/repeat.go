package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arcweave/flowqueue/internal/job"
)

// jobTemplate is the shape repeat_upsert.lua expects for materializing a
// fresh occurrence's hash the first time a given (fingerprint, nextMillis)
// pair is seen.
type jobTemplate struct {
	Name        string `json:"name"`
	Data        string `json:"data"`
	Opts        string `json:"opts"`
	Priority    int    `json:"priority"`
	AttemptsMax int    `json:"attemptsMax"`
}

// UpsertRepeatable idempotently writes a repeatable job definition under
// fingerprint and inserts its next occurrence into delayed if that occurrence
// doesn't already exist (spec §4.4). Returns the materialized occurrence's
// job id and whether the definition itself was new.
func (q *Queue) UpsertRepeatable(ctx context.Context, fingerprint string, definition interface{}, next time.Time, name string, data json.RawMessage, opts job.Options) (string, bool, error) {
	defJSON, err := json.Marshal(definition)
	if err != nil {
		return "", false, fmt.Errorf("queue: marshal repeat definition: %w", err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = q.defaultAttempts
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", false, fmt.Errorf("queue: marshal repeat job opts: %w", err)
	}
	tmplJSON, err := json.Marshal(jobTemplate{
		Name: name, Data: string(data), Opts: string(optsJSON),
		Priority: opts.Priority, AttemptsMax: opts.Attempts,
	})
	if err != nil {
		return "", false, fmt.Errorf("queue: marshal repeat job template: %w", err)
	}

	keysArg := []string{q.keys.Repeat(), q.keys.Delayed(), q.keys.PriorityCounter(), q.keys.Marker(), q.keys.ID()}
	res, err := q.scripts.RepeatUpsert.Run(ctx, q.rdb, keysArg,
		fingerprint, string(defJSON), next.UnixMilli(), q.base(), string(tmplJSON), nowMillis(),
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("queue: upsert repeatable: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", false, fmt.Errorf("queue: unexpected repeatUpsert result %#v", res)
	}
	return fmt.Sprint(arr[0]), toInt64(arr[1]) == 1, nil
}

// RemoveRepeatable deletes a repeatable definition by fingerprint, falling
// back to a legacy raw key if the fingerprint isn't found.
func (q *Queue) RemoveRepeatable(ctx context.Context, fingerprint, legacyKey string) (bool, error) {
	res, err := q.scripts.RepeatRemove.Run(ctx, q.rdb, []string{q.keys.Repeat()}, fingerprint, legacyKey).Result()
	if err != nil {
		return false, fmt.Errorf("queue: remove repeatable: %w", err)
	}
	return toInt64FromResult(res) == 1, nil
}

// ListRepeatable returns every persisted repeatable definition, keyed by
// fingerprint, as raw JSON values for the scheduler package to decode.
func (q *Queue) ListRepeatable(ctx context.Context) (map[string]string, error) {
	h, err := q.rdb.HGetAll(ctx, q.keys.Repeat()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list repeatable: %w", err)
	}
	return h, nil
}
