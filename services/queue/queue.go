// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue implements per-session work queues with priority
// ordering and cooperative cancellation.
//
// One queue exists per session name. Items pop in priority-then-FIFO
// order; at most one item per session is active at a time. Queues for
// different sessions run concurrently with no ordering constraint
// between them.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/events"
)

// injectCounter disambiguates ids minted within the same millisecond.
var injectCounter atomic.Uint64

// NewInjectID mints a monotonically increasing injection id of the
// shape inject-<base36 millis>-<counter>.
func NewInjectID() string {
	ms := time.Now().UnixMilli()
	n := injectCounter.Add(1)
	return "inject-" + strconv.FormatInt(ms, 36) + "-" + strconv.FormatUint(n, 36)
}

// Executor runs one dequeued item. The context is cancelled when the
// item's session calls CancelActive; executors must observe it at every
// blocking boundary.
type Executor func(ctx context.Context, item *Item) (*datatypes.QueryResult, error)

// Future resolves when an enqueued item finishes dispatching.
type Future struct {
	done   chan struct{}
	result *datatypes.QueryResult
	err    error
}

// Wait blocks until the item completes, is cancelled, or ctx expires.
func (f *Future) Wait(ctx context.Context) (*datatypes.QueryResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) resolve(result *datatypes.QueryResult, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Item is one unit of queued work.
type Item struct {
	InjectID string
	Session  string
	Message  string
	Priority int
	// Payload carries the dispatcher's request state (security context,
	// stream callbacks). The queue never inspects it.
	Payload any

	seq        uint64
	enqueuedAt time.Time
	future     *Future
}

// Stats is a point-in-time snapshot of one queue.
type Stats struct {
	SessionKey   string `json:"session_key"`
	QueueDepth   int    `json:"queue_depth"`
	IsProcessing bool   `json:"is_processing"`
}

// Queue serializes dispatches for a single session.
type Queue struct {
	session  string
	bus      *events.Bus
	executor Executor
	logger   *slog.Logger

	mu           sync.Mutex
	items        []*Item
	active       *Item
	cancelActive context.CancelFunc
	idleSince    time.Time
	seq          uint64
	closed       bool

	wake chan struct{}
	done chan struct{}
}

func newQueue(session string, bus *events.Bus, executor Executor, logger *slog.Logger) *Queue {
	q := &Queue{
		session:   session,
		bus:       bus,
		executor:  executor,
		logger:    logger,
		idleSince: time.Now(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go q.worker()
	return q
}

// Enqueue adds an item and returns its future. Higher priority pops
// first; equal priorities pop in enqueue order.
func (q *Queue) Enqueue(message string, priority int, payload any) (*Item, *Future) {
	item := &Item{
		InjectID:   NewInjectID(),
		Session:    q.session,
		Message:    message,
		Priority:   priority,
		Payload:    payload,
		enqueuedAt: time.Now(),
		future:     &Future{done: make(chan struct{})},
	}

	q.mu.Lock()
	item.seq = q.seq
	q.seq++
	q.items = append(q.items, item)
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority > q.items[j].Priority
		}
		return q.items[i].seq < q.items[j].seq
	})
	q.mu.Unlock()

	q.publish(events.QueueEnqueue, item.InjectID)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item, item.future
}

// CancelActive signals the active item's context. The executor observes
// the cancellation and the future rejects with werr.Cancelled. The
// terminal event comes from the worker once the executor returns: a
// cancellation that lands after the executor's last context check still
// terminates with queue:complete, never both.
func (q *Queue) CancelActive() bool {
	q.mu.Lock()
	cancel := q.cancelActive
	active := q.active
	q.mu.Unlock()
	if cancel == nil || active == nil {
		return false
	}
	cancel()
	return true
}

// CancelQueued rejects every non-active item with werr.Cancelled and
// returns how many were dropped.
func (q *Queue) CancelQueued() int {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range dropped {
		q.publish(events.QueueCancel, item.InjectID)
		item.future.resolve(nil, werr.New(werr.Cancelled, "cancelled while queued"))
	}
	return len(dropped)
}

// CancelAll cancels queued items and the active one. Returns the number
// of queued items dropped.
func (q *Queue) CancelAll() int {
	n := q.CancelQueued()
	q.CancelActive()
	return n
}

// Stats snapshots queue depth and processing state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		SessionKey:   q.session,
		QueueDepth:   len(q.items),
		IsProcessing: q.active != nil,
	}
}

// idle reports whether the queue has been empty and inactive since
// before the cutoff.
func (q *Queue) idle(cutoff time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active == nil && len(q.items) == 0 && q.idleSince.Before(cutoff)
}

func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.CancelAll()
}

// worker pops items one at a time. The previous item always terminates
// before the next starts.
func (q *Queue) worker() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			item := q.pop()
			if item == nil {
				break
			}
			q.run(item)
		}
	}
}

func (q *Queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.active = item
	return item
}

func (q *Queue) run(item *Item) {
	q.publish(events.QueueDequeue, item.InjectID)

	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancelActive = cancel
	q.mu.Unlock()

	q.publish(events.QueueStart, item.InjectID)

	result, err := q.safeExecute(ctx, item)
	cancel()

	q.mu.Lock()
	q.active = nil
	q.cancelActive = nil
	q.idleSince = time.Now()
	q.mu.Unlock()

	// Exactly one terminal per item, chosen by the executor's actual
	// outcome.
	switch {
	case err == nil:
		q.publish(events.QueueComplete, item.InjectID)
	case werr.IsKind(err, werr.Cancelled):
		q.publish(events.QueueCancel, item.InjectID)
	default:
		q.publish(events.QueueError, item.InjectID)
	}
	item.future.resolve(result, err)
}

// safeExecute shields the worker loop from a panicking executor.
func (q *Queue) safeExecute(ctx context.Context, item *Item) (result *datatypes.QueryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue executor panicked",
				"session", q.session, "inject_id", item.InjectID, "panic", r)
			result = nil
			err = werr.New(werr.Internal, "executor panic: %v", r)
		}
	}()
	return q.executor(ctx, item)
}

func (q *Queue) publish(eventType, injectID string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{
		Type:      eventType,
		Session:   q.session,
		InjectID:  injectID,
		Timestamp: time.Now(),
	})
}
