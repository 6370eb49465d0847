// Copyright 2025 James Ross
// Package job defines the job record, its options, and the lifecycle
// helpers shared by the queue, scheduler, worker and flow packages. A Job
// is serialized into (and out of) a Redis hash; this package owns that
// round trip so every other package deals in typed Go values.
package job

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the data size above which ToHash stores a
// zstd-compressed payload instead of the raw JSON. Most job payloads are
// small control messages; this only kicks in for the minority that embed
// larger documents.
const compressThreshold = 1024

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeData returns the string to store in a job hash's "data" field along
// with the "dataEncoding" tag describing it, compressing payloads over
// compressThreshold so large documents don't bloat the hash uncompressed.
func EncodeData(data json.RawMessage) (field string, encoding string) {
	if len(data) <= compressThreshold {
		return string(data), ""
	}
	return string(zstdEncoder.EncodeAll(data, nil)), "zstd"
}

// DecodeData reverses EncodeData given the stored field value and encoding
// tag read back from a job hash.
func DecodeData(field, encoding string) (json.RawMessage, error) {
	if encoding != "zstd" || field == "" {
		return json.RawMessage(field), nil
	}
	plain, err := zstdDecoder.DecodeAll([]byte(field), nil)
	if err != nil {
		return nil, fmt.Errorf("job: decompress data: %w", err)
	}
	return json.RawMessage(plain), nil
}

// BackoffType enumerates the supported retry-delay strategies.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
	BackoffCustom      BackoffType = "custom"
)

// Backoff is a tagged configuration record for retry delay computation.
// Only one of Delay (fixed/exponential) or CustomName (custom) is
// meaningful depending on Type.
type Backoff struct {
	Type       BackoffType   `json:"type"`
	Delay      time.Duration `json:"delay,omitempty"`
	CustomName string        `json:"customName,omitempty"`
}

// StrategyFunc computes a custom retry delay for a job's next attempt. A
// non-positive return value skips the delay entirely: the job goes straight
// back to wait instead of through the delayed set.
type StrategyFunc func(attemptsMade int, failErr error, j *Job) time.Duration

// BackoffStrategies is the named lookup table behind Backoff{Type:
// BackoffCustom}, resolved by Backoff.CustomName. A queue binds one via
// queue.WithBackoffStrategies so MoveToFailed can call through it.
type BackoffStrategies struct {
	mu    sync.RWMutex
	funcs map[string]StrategyFunc
}

// NewBackoffStrategies returns an empty registry.
func NewBackoffStrategies() *BackoffStrategies {
	return &BackoffStrategies{funcs: make(map[string]StrategyFunc)}
}

// Register binds name so any job with Backoff{Type: BackoffCustom,
// CustomName: name} resolves its retry delay to fn.
func (s *BackoffStrategies) Register(name string, fn StrategyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
}

func (s *BackoffStrategies) resolve(name string) (StrategyFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.funcs[name]
	return fn, ok
}

// DecorrelatedJitterStrategy returns a StrategyFunc that grows the delay
// geometrically by multiplier per attempt, caps it at max, and randomizes
// it by +/-12.5% so many jobs failing together don't retry in lockstep.
func DecorrelatedJitterStrategy(base, max time.Duration, multiplier float64) StrategyFunc {
	return func(attemptsMade int, _ error, _ *Job) time.Duration {
		if attemptsMade <= 0 {
			attemptsMade = 1
		}
		delay := float64(base)
		for i := 1; i < attemptsMade; i++ {
			delay *= multiplier
		}
		if delay > float64(max) {
			delay = float64(max)
		}
		jitter := delay * 0.25
		delay += rand.Float64()*jitter - jitter/2
		if delay < 0 {
			delay = 0
		}
		return time.Duration(delay)
	}
}

// SkipDelayOnErrorPattern returns a StrategyFunc that retries immediately
// when the failure reason matches pattern (e.g. a malformed payload a
// downstream validator will reject the same way no matter how long the job
// waits) and otherwise defers to fallback.
func SkipDelayOnErrorPattern(pattern string, fallback StrategyFunc) StrategyFunc {
	re := regexp.MustCompile(pattern)
	return func(attemptsMade int, failErr error, j *Job) time.Duration {
		if failErr != nil && re.MatchString(failErr.Error()) {
			return 0
		}
		return fallback(attemptsMade, failErr, j)
	}
}

// RemoveMode enumerates the shapes removeOnComplete/removeOnFail can take.
type RemoveMode int

const (
	RemoveNever RemoveMode = iota
	RemoveAlways
	RemoveKeepCount
	RemoveKeepCountAndAge
)

// RemovePolicy is the tagged form of `bool | N | {count, age}`.
type RemovePolicy struct {
	Mode  RemoveMode
	Count int64
	Age   time.Duration
}

// MarshalJSON renders the policy back into its original dynamic shape so
// that API clients observing persisted options see the same value they sent.
func (r RemovePolicy) MarshalJSON() ([]byte, error) {
	switch r.Mode {
	case RemoveNever:
		return json.Marshal(false)
	case RemoveAlways:
		return json.Marshal(true)
	case RemoveKeepCount:
		return json.Marshal(r.Count)
	case RemoveKeepCountAndAge:
		return json.Marshal(struct {
			Count int64 `json:"count"`
			Age   int64 `json:"age"`
		}{r.Count, int64(r.Age / time.Millisecond)})
	default:
		return json.Marshal(false)
	}
}

// UnmarshalJSON accepts bool, number, or {count, age}.
func (r *RemovePolicy) UnmarshalJSON(b []byte) error {
	var asBool bool
	if err := json.Unmarshal(b, &asBool); err == nil {
		if asBool {
			*r = RemovePolicy{Mode: RemoveAlways}
		} else {
			*r = RemovePolicy{Mode: RemoveNever}
		}
		return nil
	}
	var asNum int64
	if err := json.Unmarshal(b, &asNum); err == nil {
		*r = RemovePolicy{Mode: RemoveKeepCount, Count: asNum}
		return nil
	}
	var asObj struct {
		Count int64 `json:"count"`
		Age   int64 `json:"age"`
	}
	if err := json.Unmarshal(b, &asObj); err != nil {
		return fmt.Errorf("job: invalid remove policy: %w", err)
	}
	*r = RemovePolicy{Mode: RemoveKeepCountAndAge, Count: asObj.Count, Age: time.Duration(asObj.Age) * time.Millisecond}
	return nil
}

// ParentRef identifies the parent of a flow child, possibly in another queue.
type ParentRef struct {
	ID       string `json:"id"`
	QueueKey string `json:"queueKey"`
}

// EdgePolicy carries the per-child-edge flow propagation flags of spec §4.6.
// At most one of these should be set; FailParentOnFailure takes precedence.
type EdgePolicy struct {
	FailParentOnFailure       bool `json:"failParentOnFailure,omitempty"`
	ContinueParentOnFailure   bool `json:"continueParentOnFailure,omitempty"`
	IgnoreDependencyOnFailure bool `json:"ignoreDependencyOnFailure,omitempty"`
	RemoveDependencyOnFailure bool `json:"removeDependencyOnFailure,omitempty"`
}

// RepeatOptions configures a repeatable job series (scheduler input).
type RepeatOptions struct {
	Pattern     string     `json:"pattern,omitempty"`
	Every       *int64     `json:"every,omitempty"` // milliseconds
	TZ          string     `json:"tz,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	Immediately bool       `json:"immediately,omitempty"`
	UTC         bool       `json:"utc,omitempty"`
	JobID       string     `json:"jobId,omitempty"`
	Key         string     `json:"key,omitempty"`
}

// Options is the tagged configuration record behind the producer-facing
// "opts" object of spec §6. It decodes with plain encoding/json, so unknown
// fields are silently ignored, not rejected; schema.go validates only a
// job's data against a schema registered for its name, never opts.
type Options struct {
	Delay            time.Duration  `json:"delay,omitempty"`
	Timestamp        *time.Time     `json:"timestamp,omitempty"`
	Attempts         int            `json:"attempts,omitempty"`
	Backoff          Backoff        `json:"backoff,omitempty"`
	RemoveOnComplete RemovePolicy   `json:"removeOnComplete,omitempty"`
	RemoveOnFail     RemovePolicy   `json:"removeOnFail,omitempty"`
	JobID            string         `json:"jobId,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	Edge             EdgePolicy     `json:"-"`
	Repeat           *RepeatOptions `json:"repeat,omitempty"`
	StackTraceLimit  int            `json:"stackTraceLimit,omitempty"`
	Discard          bool           `json:"discard,omitempty"`
	Limit            *LimitOptions  `json:"limit,omitempty"`
}

// LimitOptions carries a rate-limiter group key. GroupKey is stored with the
// job's opts but nothing reads it: dispatch rate limiting
// (queue.MoveToActiveLimited) counts every job of a queue in one window.
type LimitOptions struct {
	GroupKey string `json:"groupKey,omitempty"`
}

// Job is the full persisted record of spec §3.
type Job struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Data            json.RawMessage `json:"data"`
	Opts            Options         `json:"opts"`
	Timestamp       time.Time       `json:"timestamp"`
	Delay           time.Duration   `json:"delay"`
	Priority        int             `json:"priority"`
	AttemptsMax     int             `json:"attempts"`
	AttemptsStarted int             `json:"attemptsStarted"`
	AttemptsMade    int             `json:"attemptsMade"`
	StalledCounter  int             `json:"stalledCounter"`
	FailedReason    string          `json:"failedReason,omitempty"`
	Stacktrace      []string        `json:"stacktrace,omitempty"`
	ReturnValue     json.RawMessage `json:"returnvalue,omitempty"`
	ProcessedOn     *time.Time      `json:"processedOn,omitempty"`
	FinishedOn      *time.Time      `json:"finishedOn,omitempty"`
	Parent          *ParentRef      `json:"parent,omitempty"`
	ParentKey       string          `json:"parentKey,omitempty"`
	RepeatJobKey    string          `json:"repeatJobKey,omitempty"`
}

// New builds a job record from a name/data/opts triple, the shape producers
// call Add with. It does not assign an id; the queue does that atomically.
func New(name string, data json.RawMessage, opts Options) *Job {
	ts := time.Now().UTC()
	if opts.Timestamp != nil {
		ts = *opts.Timestamp
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Job{
		Name:        name,
		Data:        data,
		Opts:        opts,
		Timestamp:   ts,
		Delay:       opts.Delay,
		Priority:    opts.Priority,
		AttemptsMax: attempts,
	}
}

// IsCompleted reports whether the job finished successfully.
func (j *Job) IsCompleted() bool {
	return j.FinishedOn != nil && j.FailedReason == ""
}

// IsFailed reports whether the job finished with an error.
func (j *Job) IsFailed() bool {
	return j.FinishedOn != nil && j.FailedReason != ""
}

// IsFinished reports whether the job reached a terminal state.
func (j *Job) IsFinished() bool {
	return j.FinishedOn != nil
}

// ToHash renders the job into the flat string map written via HSET. Data,
// opts, stacktrace and the parent reference are JSON-encoded sub-values;
// everything else is a scalar so admin tooling can HGET individual fields
// without deserializing the whole record.
func (j *Job) ToHash() (map[string]string, error) {
	optsJSON, err := json.Marshal(j.Opts)
	if err != nil {
		return nil, fmt.Errorf("job: marshal opts: %w", err)
	}
	stackJSON, err := json.Marshal(j.Stacktrace)
	if err != nil {
		return nil, fmt.Errorf("job: marshal stacktrace: %w", err)
	}
	dataField, dataEncoding := EncodeData(j.Data)
	h := map[string]string{
		"name":            j.Name,
		"data":            dataField,
		"dataEncoding":    dataEncoding,
		"opts":            string(optsJSON),
		"timestamp":       strconv.FormatInt(j.Timestamp.UnixMilli(), 10),
		"delay":           strconv.FormatInt(j.Delay.Milliseconds(), 10),
		"priority":        strconv.Itoa(j.Priority),
		"attemptsMax":     strconv.Itoa(j.AttemptsMax),
		"attemptsStarted": strconv.Itoa(j.AttemptsStarted),
		"attemptsMade":    strconv.Itoa(j.AttemptsMade),
		"stalledCounter":  strconv.Itoa(j.StalledCounter),
		"failedReason":    j.FailedReason,
		"stacktrace":      string(stackJSON),
		"returnvalue":     string(j.ReturnValue),
		"parentKey":       j.ParentKey,
		"repeatJobKey":    j.RepeatJobKey,
	}
	if j.ProcessedOn != nil {
		h["processedOn"] = strconv.FormatInt(j.ProcessedOn.UnixMilli(), 10)
	}
	if j.FinishedOn != nil {
		h["finishedOn"] = strconv.FormatInt(j.FinishedOn.UnixMilli(), 10)
	}
	if j.Parent != nil {
		parentJSON, err := json.Marshal(j.Parent)
		if err != nil {
			return nil, fmt.Errorf("job: marshal parent: %w", err)
		}
		h["parent"] = string(parentJSON)
	}
	return h, nil
}

// FromHash reconstructs a Job from the flat map read back via HGETALL. The
// caller supplies the id since the hash itself does not store it redundantly.
func FromHash(id string, h map[string]string) (*Job, error) {
	j := &Job{ID: id}
	j.Name = h["name"]
	data, err := DecodeData(h["data"], h["dataEncoding"])
	if err != nil {
		return nil, err
	}
	j.Data = data
	if raw := h["opts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Opts); err != nil {
			return nil, fmt.Errorf("job: unmarshal opts: %w", err)
		}
	}
	j.Timestamp = millisField(h["timestamp"])
	j.Delay = time.Duration(atoi64(h["delay"])) * time.Millisecond
	j.Priority = int(atoi64(h["priority"]))
	j.AttemptsMax = int(atoi64(h["attemptsMax"]))
	j.AttemptsStarted = int(atoi64(h["attemptsStarted"]))
	j.AttemptsMade = int(atoi64(h["attemptsMade"]))
	j.StalledCounter = int(atoi64(h["stalledCounter"]))
	j.FailedReason = h["failedReason"]
	if raw := h["stacktrace"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Stacktrace); err != nil {
			return nil, fmt.Errorf("job: unmarshal stacktrace: %w", err)
		}
	}
	if rv := h["returnvalue"]; rv != "" {
		j.ReturnValue = json.RawMessage(rv)
	}
	j.ParentKey = h["parentKey"]
	j.RepeatJobKey = h["repeatJobKey"]
	if raw, ok := h["processedOn"]; ok && raw != "" {
		t := millisField(raw)
		j.ProcessedOn = &t
	}
	if raw, ok := h["finishedOn"]; ok && raw != "" {
		t := millisField(raw)
		j.FinishedOn = &t
	}
	if raw, ok := h["parent"]; ok && raw != "" {
		var p ParentRef
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("job: unmarshal parent: %w", err)
		}
		j.Parent = &p
	}
	return j, nil
}

func millisField(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.UnixMilli(atoi64(s)).UTC()
}

func atoi64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// NextBackoff computes the retry delay for attemptsMade using the fixed or
// exponential built-in strategies. A BackoffCustom job falls back to
// b.Delay since no strategy registry is available here; callers that have
// one (internal/queue's MoveToFailed) call NextBackoffWithStrategies
// instead.
func NextBackoff(b Backoff, attemptsMade int) time.Duration {
	return NextBackoffWithStrategies(b, attemptsMade, nil, nil, nil)
}

// NextBackoffWithStrategies is NextBackoff plus custom-strategy resolution:
// a BackoffCustom job's delay comes from calling its registered
// StrategyFunc with the attempt count, the failure error, and the job
// itself. An unregistered name or a nil registry falls back to b.Delay.
func NextBackoffWithStrategies(b Backoff, attemptsMade int, failErr error, j *Job, strategies *BackoffStrategies) time.Duration {
	switch b.Type {
	case BackoffExponential:
		if attemptsMade <= 0 {
			attemptsMade = 1
		}
		shift := attemptsMade - 1
		if shift > 30 {
			shift = 30
		}
		return b.Delay * time.Duration(uint64(1)<<uint(shift))
	case BackoffCustom:
		if strategies != nil {
			if fn, ok := strategies.resolve(b.CustomName); ok {
				return fn(attemptsMade, failErr, j)
			}
		}
		return b.Delay
	case BackoffFixed, "":
		return b.Delay
	default:
		return b.Delay
	}
}
