// Copyright 2025 James Ross
// Package events tails a queue's lifecycle event stream (populated by the
// transition scripts' XADD calls — see spec §4.7) and fans each entry out
// to subscriber channels. Publishing is entirely the scripts' job; this
// package only observes.
package events

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one decoded entry from a queue's events stream.
type Event struct {
	ID    string
	Queue string
	Name  string // "added", "waiting", "active", "completed", "failed", ...
	JobID string
}

// QueueEvents tails a single queue's event stream from a stored cursor and
// publishes each entry to every subscriber registered at the time it
// arrives. Subscribers that fall behind have events dropped rather than
// blocking the tailer, matching the at-most-once nature of an observer
// feed (distinct from the queue's own at-least-once delivery guarantee).
type QueueEvents struct {
	rdb       redis.Cmdable
	streamKey string
	queueName string
	block     time.Duration

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New builds a QueueEvents over the given stream key. block is how long a
// single XREAD call waits for new entries before looping to check ctx;
// zero defaults to 5s.
func New(rdb redis.Cmdable, streamKey, queueName string, block time.Duration) *QueueEvents {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &QueueEvents{rdb: rdb, streamKey: streamKey, queueName: queueName, block: block, subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns it along with an unsubscribe
// func. The channel has a small buffer; slow readers drop events rather than
// stall the tailer.
func (e *QueueEvents) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	ch := make(chan Event, 64)
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *QueueEvents) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run tails the stream starting from cursor (use "$" to start at the
// stream's current tail, or "0" to replay from the beginning) until ctx is
// canceled.
func (e *QueueEvents) Run(ctx context.Context, cursor string) error {
	for ctx.Err() == nil {
		res, err := e.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{e.streamKey, cursor},
			Block:   e.block,
			Count:   100,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				cursor = msg.ID
				e.publish(decode(msg, e.queueName))
			}
		}
	}
	return ctx.Err()
}

func decode(msg redis.XMessage, queueName string) Event {
	ev := Event{ID: msg.ID, Queue: queueName}
	if v, ok := msg.Values["event"]; ok {
		ev.Name, _ = v.(string)
	}
	if v, ok := msg.Values["jobId"]; ok {
		ev.JobID, _ = v.(string)
	}
	return ev
}

// ParseCursor splits a stream entry id "<millis>-<seq>" into its parts,
// useful for persisting/resuming a cursor across process restarts.
func ParseCursor(id string) (millis int64, seq int64, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			m, err1 := strconv.ParseInt(id[:i], 10, 64)
			s, err2 := strconv.ParseInt(id[i+1:], 10, 64)
			if err1 != nil || err2 != nil {
				return 0, 0, false
			}
			return m, s, true
		}
	}
	m, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return m, 0, true
}
