// Copyright 2025 James Ross
// Package scheduler materializes repeatable job definitions into delayed
// occurrences: it owns fingerprinting, next-occurrence computation (cron
// pattern or fixed interval), and the at-most-one-outstanding-occurrence
// invariant that internal/queue's repeat scripts only half-enforce (the
// scripts are idempotent on a given fingerprint+nextMillis pair; this
// package is what decides what that pair should be).
package scheduler

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arcweave/flowqueue/internal/job"
	"github.com/arcweave/flowqueue/internal/queue"
)

// HashAlgorithm selects the digest used to fingerprint a repeat definition
// that didn't supply an explicit legacy key (spec §4.4,
// settings.repeatKeyHashAlgorithm).
type HashAlgorithm int

const (
	MD5 HashAlgorithm = iota
	SHA256
)

// cronParser matches the field layout internal/calendar-view validates
// against: optional leading seconds field, plus the usual five, plus the
// named descriptors ("@daily" etc).
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ErrSeriesEnded is returned by NextOccurrence once a definition's endDate
// or limit has been reached; the caller should stop scheduling further
// occurrences but leave the definition itself in place for inspection.
var ErrSeriesEnded = errors.New("scheduler: repeatable series has ended")

// ErrConflictingRepeat mirrors the literal diagnostic spec §6 requires when
// a caller sets both pattern and every.
var ErrConflictingRepeat = errors.New("Both .pattern and .every options are defined for this repeatable job")

// ErrEndDateInPast mirrors the literal diagnostic spec §6 requires when
// endDate is not strictly in the future at add time.
var ErrEndDateInPast = errors.New("End date must be greater than current timestamp")

// Definition is the persisted repeatable-job record: the hash value stored
// at keys.Repeat()[fingerprint]. Its Next field is advanced every time a new
// occurrence is materialized, so GetRepeatableJobs can report it without a
// second lookup into delayed.
type Definition struct {
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Pattern     string     `json:"pattern,omitempty"`
	Every       *int64     `json:"every,omitempty"`
	TZ          string     `json:"tz,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	Immediately bool       `json:"immediately,omitempty"`
	UTC         bool       `json:"utc,omitempty"`
	JobID       string     `json:"jobId,omitempty"`
	Next        int64      `json:"next"`
	Count       int        `json:"count"`
}

// RepeatStrategyFunc computes the next fire time (millis since epoch) for a
// repeatable definition given the time its last occurrence fired from, its
// repeat options, and its name — the settings.repeatStrategy override spec
// §4.4/§6 name, for series whose cadence isn't a plain cron pattern or fixed
// interval (e.g. business-hours-only or holiday-aware schedules). Returning
// ok=false falls back to NextOccurrence's built-in cron/every computation
// for that occurrence.
type RepeatStrategyFunc func(millis int64, repeat job.RepeatOptions, name string) (next int64, ok bool)

// Scheduler manages repeatable job definitions for one queue.
type Scheduler struct {
	q        *queue.Queue
	hash     HashAlgorithm
	strategy RepeatStrategyFunc
}

// Option configures optional Scheduler behavior at construction time.
type Option func(*Scheduler)

// WithRepeatStrategy registers the override NextOccurrence consults before
// falling back to its built-in cron/every computation.
func WithRepeatStrategy(fn RepeatStrategyFunc) Option {
	return func(s *Scheduler) { s.strategy = fn }
}

// New binds a Scheduler to q. hash selects the fingerprint digest for
// definitions that don't supply an explicit legacy key.
func New(q *queue.Queue, hash HashAlgorithm, opts ...Option) *Scheduler {
	s := &Scheduler{q: q, hash: hash}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fingerprint computes the stable definition key of spec §4.4: a caller-
// supplied repeat.Key is used verbatim (the legacy format); otherwise
// name/jobId/endDate/tz/suffix are joined and hashed, where suffix is the
// cron pattern or the every interval.
func Fingerprint(name string, repeat job.RepeatOptions, hash HashAlgorithm) string {
	if repeat.Key != "" {
		return repeat.Key
	}
	suffix := repeat.Pattern
	if repeat.Every != nil {
		suffix = strconv.FormatInt(*repeat.Every, 10)
	}
	endDate := ""
	if repeat.EndDate != nil {
		endDate = strconv.FormatInt(repeat.EndDate.UnixMilli(), 10)
	}
	raw := strings.Join([]string{name, repeat.JobID, endDate, repeat.TZ, suffix}, "::")

	var sum string
	switch hash {
	case SHA256:
		digest := sha256.Sum256([]byte(raw))
		sum = hex.EncodeToString(digest[:])
	default:
		digest := md5.Sum([]byte(raw))
		sum = hex.EncodeToString(digest[:])
	}
	return "repeat:" + sum
}

// NextOccurrence computes the next fire time strictly after from, honoring
// immediately (first occurrence only), endDate and limit. occurrenceCount is
// the number of occurrences already materialized for this definition.
func NextOccurrence(repeat job.RepeatOptions, from time.Time, occurrenceCount int) (time.Time, error) {
	if repeat.EndDate != nil && !from.Before(*repeat.EndDate) {
		return time.Time{}, ErrSeriesEnded
	}
	if repeat.Limit > 0 && occurrenceCount >= repeat.Limit {
		return time.Time{}, ErrSeriesEnded
	}

	if repeat.Immediately && occurrenceCount == 0 {
		return from, nil
	}

	var next time.Time
	switch {
	case repeat.Every != nil:
		every := time.Duration(*repeat.Every) * time.Millisecond
		if every <= 0 {
			return time.Time{}, fmt.Errorf("scheduler: every must be positive")
		}
		anchor := from
		if repeat.StartDate != nil {
			anchor = *repeat.StartDate
		}
		elapsed := from.Sub(anchor)
		steps := int64(elapsed / every)
		if elapsed < 0 || elapsed%every != 0 {
			steps++
		}
		next = anchor.Add(time.Duration(steps) * every)
		for !next.After(from) {
			next = next.Add(every)
		}

	case repeat.Pattern != "":
		loc := time.UTC
		if repeat.TZ != "" && !repeat.UTC {
			l, err := time.LoadLocation(repeat.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("scheduler: invalid timezone %q: %w", repeat.TZ, err)
			}
			loc = l
		}
		schedule, err := cronParser.Parse(repeat.Pattern)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: invalid cron pattern %q: %w", repeat.Pattern, err)
		}
		next = schedule.Next(from.In(loc)).UTC()

	default:
		return time.Time{}, fmt.Errorf("scheduler: repeat options must set pattern or every")
	}

	if repeat.EndDate != nil && next.After(*repeat.EndDate) {
		return time.Time{}, ErrSeriesEnded
	}
	return next, nil
}

// nextOccurrence is NextOccurrence plus the registered repeatStrategy
// override: a strategy that returns ok=true wins outright (its result still
// passes through the endDate/limit checks below so an override can't
// extend a series past its configured end), otherwise the built-in cron/
// every computation applies.
func (s *Scheduler) nextOccurrence(repeat job.RepeatOptions, from time.Time, occurrenceCount int, name string) (time.Time, error) {
	if repeat.EndDate != nil && !from.Before(*repeat.EndDate) {
		return time.Time{}, ErrSeriesEnded
	}
	if repeat.Limit > 0 && occurrenceCount >= repeat.Limit {
		return time.Time{}, ErrSeriesEnded
	}

	if s.strategy != nil {
		if millis, ok := s.strategy(from.UnixMilli(), repeat, name); ok {
			next := time.UnixMilli(millis).UTC()
			if repeat.EndDate != nil && next.After(*repeat.EndDate) {
				return time.Time{}, ErrSeriesEnded
			}
			return next, nil
		}
	}
	return NextOccurrence(repeat, from, occurrenceCount)
}

// UpsertResult is the outcome of Upsert.
type UpsertResult struct {
	Fingerprint string
	JobID       string
	IsNew       bool
	Next        time.Time
}

// Upsert persists a repeatable job definition and materializes its next
// occurrence. Calling Upsert twice with equivalent (name, opts.Repeat) is
// idempotent while the series' recorded next occurrence is still in the
// future: the same fingerprint and that occurrence are reused, so no second
// delayed entry is created.
func (s *Scheduler) Upsert(ctx context.Context, name string, data json.RawMessage, opts job.Options) (*UpsertResult, error) {
	if opts.Repeat == nil {
		return nil, fmt.Errorf("scheduler: opts.Repeat is required")
	}
	repeat := *opts.Repeat
	if repeat.Pattern != "" && repeat.Every != nil {
		return nil, ErrConflictingRepeat
	}

	now := time.Now().UTC()
	if repeat.EndDate != nil && !repeat.EndDate.After(now) {
		return nil, ErrEndDateInPast
	}

	from := now
	if repeat.StartDate != nil && repeat.StartDate.After(now) {
		from = *repeat.StartDate
	}

	next, err := s.nextOccurrence(repeat, from, 0, name)
	if err != nil {
		return nil, fmt.Errorf("scheduler: compute first occurrence: %w", err)
	}

	fingerprint := Fingerprint(name, repeat, s.hash)
	count := 1
	existing, err := s.q.ListRepeatable(ctx)
	if err != nil {
		return nil, err
	}
	var prev Definition
	if v, ok := existing[fingerprint]; ok && json.Unmarshal([]byte(v), &prev) == nil && prev.Next > now.UnixMilli() {
		next = time.UnixMilli(prev.Next).UTC()
		count = prev.Count
	}
	def := Definition{
		Key: fingerprint, Name: name, Pattern: repeat.Pattern, Every: repeat.Every,
		TZ: repeat.TZ, StartDate: repeat.StartDate, EndDate: repeat.EndDate,
		Limit: repeat.Limit, Immediately: repeat.Immediately, UTC: repeat.UTC,
		JobID: repeat.JobID, Next: next.UnixMilli(), Count: count,
	}

	id, isNew, err := s.q.UpsertRepeatable(ctx, fingerprint, def, next, name, data, opts)
	if err != nil {
		return nil, err
	}
	return &UpsertResult{Fingerprint: fingerprint, JobID: id, IsNew: isNew, Next: time.UnixMilli(def.Next).UTC()}, nil
}

// Advance materializes the occurrence following the one the worker just
// dispatched, preserving at-most-one-outstanding-occurrence per series. j
// must have a non-empty RepeatJobKey (set by repeat_upsert.lua on every
// materialized occurrence's hash); callers should check that before calling
// Advance, since a job with no repeat key isn't part of a series at all.
func (s *Scheduler) Advance(ctx context.Context, j *job.Job) error {
	if j.RepeatJobKey == "" {
		return fmt.Errorf("scheduler: job %s is not a repeatable occurrence", j.ID)
	}

	raw, err := s.q.ListRepeatable(ctx)
	if err != nil {
		return err
	}
	defJSON, ok := raw[j.RepeatJobKey]
	if !ok {
		return fmt.Errorf("scheduler: repeatable definition %s no longer exists", j.RepeatJobKey)
	}
	var def Definition
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return fmt.Errorf("scheduler: decode repeatable definition: %w", err)
	}

	repeat := job.RepeatOptions{
		Pattern: def.Pattern, Every: def.Every, TZ: def.TZ, StartDate: def.StartDate,
		EndDate: def.EndDate, Limit: def.Limit, Immediately: def.Immediately, UTC: def.UTC,
		JobID: def.JobID, Key: def.Key,
	}

	from := time.UnixMilli(def.Next)
	next, err := s.nextOccurrence(repeat, from, def.Count, def.Name)
	if errors.Is(err, ErrSeriesEnded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: compute next occurrence: %w", err)
	}

	def.Next = next.UnixMilli()
	def.Count++

	opts := j.Opts
	opts.JobID = ""
	opts.Repeat = &repeat
	_, _, err = s.q.UpsertRepeatable(ctx, j.RepeatJobKey, def, next, j.Name, j.Data, opts)
	return err
}

// Remove deletes a repeatable definition. repeat should carry the same
// identifying fields (or explicit Key) originally passed to Upsert so the
// same fingerprint is computed.
func (s *Scheduler) Remove(ctx context.Context, name string, repeat job.RepeatOptions) (bool, error) {
	fingerprint := Fingerprint(name, repeat, s.hash)
	return s.q.RemoveRepeatable(ctx, fingerprint, repeat.Key)
}

// RepeatableJobInfo is one row of GetRepeatableJobs.
type RepeatableJobInfo struct {
	Key     string
	Name    string
	EndDate *time.Time
	TZ      string
	Pattern string
	Every   *int64
	Next    time.Time
}

// GetRepeatableJobs lists every persisted repeatable definition, ordered by
// fingerprint, per spec §4.4.
func (s *Scheduler) GetRepeatableJobs(ctx context.Context, offset, limit int, asc bool) ([]RepeatableJobInfo, error) {
	raw, err := s.q.ListRepeatable(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]RepeatableJobInfo, 0, len(raw))
	for _, v := range raw {
		var def Definition
		if err := json.Unmarshal([]byte(v), &def); err != nil {
			continue
		}
		infos = append(infos, RepeatableJobInfo{
			Key: def.Key, Name: def.Name, EndDate: def.EndDate, TZ: def.TZ,
			Pattern: def.Pattern, Every: def.Every, Next: time.UnixMilli(def.Next),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if asc {
			return infos[i].Key < infos[j].Key
		}
		return infos[i].Key > infos[j].Key
	})

	if offset >= len(infos) {
		return []RepeatableJobInfo{}, nil
	}
	end := len(infos)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return infos[offset:end], nil
}
