// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/events"
)

// recordingExecutor completes items immediately and records the order
// messages were started in.
type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	// hold, when set, blocks items whose message matches until released.
	hold    map[string]chan struct{}
	started map[string]chan struct{}
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		hold:    make(map[string]chan struct{}),
		started: make(map[string]chan struct{}),
	}
}

func (r *recordingExecutor) holdMessage(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold[msg] = make(chan struct{})
	r.started[msg] = make(chan struct{}, 1)
}

func (r *recordingExecutor) release(msg string) {
	r.mu.Lock()
	ch := r.hold[msg]
	delete(r.hold, msg)
	r.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (r *recordingExecutor) waitStarted(t *testing.T, msg string) {
	t.Helper()
	r.mu.Lock()
	ch := r.started[msg]
	r.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("item %q never started", msg)
	}
}

func (r *recordingExecutor) run(ctx context.Context, item *Item) (*datatypes.QueryResult, error) {
	r.mu.Lock()
	r.order = append(r.order, item.Message)
	gate := r.hold[item.Message]
	started := r.started[item.Message]
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, werr.Wrap(werr.Cancelled, ctx.Err(), "dispatch cancelled")
		}
	}
	return &datatypes.QueryResult{Text: "echo:" + item.Message, FinishReason: "stop"}, nil
}

func (r *recordingExecutor) startOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestNewInjectID(t *testing.T) {
	a := NewInjectID()
	b := NewInjectID()
	assert.True(t, strings.HasPrefix(a, "inject-"))
	assert.NotEqual(t, a, b)
	assert.Len(t, strings.Split(a, "-"), 3)
}

func TestQueueFIFO(t *testing.T) {
	exec := newRecordingExecutor()
	m := NewManager(events.NewBus(nil), exec.run, nil)
	defer m.Shutdown()
	q := m.Get("alpha")

	_, f1 := q.Enqueue("first", 0, nil)
	_, f2 := q.Enqueue("second", 0, nil)
	_, f3 := q.Enqueue("third", 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range []*Future{f1, f2, f3} {
		result, err := f.Wait(ctx)
		require.NoError(t, err)
		require.NotNil(t, result)
	}
	assert.Equal(t, []string{"first", "second", "third"}, exec.startOrder())
}

func TestQueuePriorityUnderBackpressure(t *testing.T) {
	exec := newRecordingExecutor()
	exec.holdMessage("blocker")
	m := NewManager(events.NewBus(nil), exec.run, nil)
	defer m.Shutdown()
	q := m.Get("alpha")

	_, fb := q.Enqueue("blocker", 0, nil)
	exec.waitStarted(t, "blocker")

	_, fl := q.Enqueue("low", 1, nil)
	_, fh := q.Enqueue("high", 10, nil)
	_, fm := q.Enqueue("medium", 5, nil)

	exec.release("blocker")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range []*Future{fb, fh, fm, fl} {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"blocker", "high", "medium", "low"}, exec.startOrder())
}

func TestQueueCancelActive(t *testing.T) {
	bus := events.NewBus(nil)
	exec := newRecordingExecutor()
	exec.holdMessage("long")
	m := NewManager(bus, exec.run, nil)
	defer m.Shutdown()
	q := m.Get("alpha")

	var mu sync.Mutex
	terminals := make(map[string][]string)
	unsub := bus.Subscribe("*", func(e events.Event) {
		switch e.Type {
		case events.QueueComplete, events.QueueCancel, events.QueueError:
			mu.Lock()
			terminals[e.InjectID] = append(terminals[e.InjectID], e.Type)
			mu.Unlock()
		}
	})
	defer unsub()

	long, fLong := q.Enqueue("long", 0, nil)
	exec.waitStarted(t, "long")
	_, fNext := q.Enqueue("next", 0, nil)

	require.True(t, q.CancelActive())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := fLong.Wait(ctx)
	assert.True(t, werr.IsKind(err, werr.Cancelled))

	// The next queued item starts normally after the cancellation.
	result, err := fNext.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:next", result.Text)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(terminals[long.InjectID]) >= 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.QueueCancel}, terminals[long.InjectID])
}

func TestCancelAfterFinalContextCheckSingleTerminal(t *testing.T) {
	bus := events.NewBus(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, item *Item) (*datatypes.QueryResult, error) {
		close(started)
		// Past its last context check: the executor finishes
		// successfully even though cancellation already fired.
		<-release
		return &datatypes.QueryResult{Text: "done", FinishReason: "stop"}, nil
	}
	m := NewManager(bus, exec, nil)
	defer m.Shutdown()

	var mu sync.Mutex
	var terminals []string
	unsub := bus.Subscribe("*", func(e events.Event) {
		switch e.Type {
		case events.QueueComplete, events.QueueCancel, events.QueueError:
			mu.Lock()
			terminals = append(terminals, e.Type)
			mu.Unlock()
		}
	})
	defer unsub()

	q := m.Get("alpha")
	_, f := q.Enqueue("late-cancel", 0, nil)
	<-started
	require.True(t, q.CancelActive())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(terminals) >= 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.QueueComplete}, terminals)
}

func TestQueueCancelQueued(t *testing.T) {
	exec := newRecordingExecutor()
	exec.holdMessage("blocker")
	m := NewManager(events.NewBus(nil), exec.run, nil)
	defer m.Shutdown()
	q := m.Get("alpha")

	_, _ = q.Enqueue("blocker", 0, nil)
	exec.waitStarted(t, "blocker")
	_, f1 := q.Enqueue("queued-1", 0, nil)
	_, f2 := q.Enqueue("queued-2", 0, nil)

	assert.Equal(t, 2, q.CancelQueued())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range []*Future{f1, f2} {
		_, err := f.Wait(ctx)
		assert.True(t, werr.IsKind(err, werr.Cancelled))
	}
	exec.release("blocker")
}

func TestQueueEventLifecycle(t *testing.T) {
	bus := events.NewBus(nil)
	exec := newRecordingExecutor()
	m := NewManager(bus, exec.run, nil)
	defer m.Shutdown()

	var mu sync.Mutex
	var seen []string
	unsub := bus.Subscribe("*", func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	defer unsub()

	q := m.Get("alpha")
	_, f := q.Enqueue("hello", 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	require.NoError(t, err)

	// Terminal event publishes just before the future resolves; give the
	// bus a moment.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 4
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		events.QueueEnqueue,
		events.QueueDequeue,
		events.QueueStart,
		events.QueueComplete,
	}, seen[:4])
}

func TestQueueStatsAndManager(t *testing.T) {
	exec := newRecordingExecutor()
	exec.holdMessage("busy")
	m := NewManager(events.NewBus(nil), exec.run, nil)
	defer m.Shutdown()

	q := m.Get("alpha")
	_, _ = q.Enqueue("busy", 0, nil)
	exec.waitStarted(t, "busy")
	_, _ = q.Enqueue("waiting", 0, nil)

	assert.True(t, m.IsActive("alpha"))
	assert.True(t, m.HasPending("alpha"))
	assert.False(t, m.IsActive("beta"))

	stats := q.Stats()
	assert.Equal(t, "alpha", stats.SessionKey)
	assert.Equal(t, 1, stats.QueueDepth)
	assert.True(t, stats.IsProcessing)

	all := m.AllStats()
	require.Len(t, all, 1)
	assert.Equal(t, "alpha", all[0].SessionKey)

	exec.release("busy")
}

func TestManagerCleanup(t *testing.T) {
	exec := newRecordingExecutor()
	m := NewManager(events.NewBus(nil), exec.run, nil)
	defer m.Shutdown()

	q := m.Get("idle-session")
	_, f := q.Enqueue("one", 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	require.NoError(t, err)

	// Busy queues survive the reaper.
	exec.holdMessage("busy")
	busy := m.Get("busy-session")
	_, _ = busy.Enqueue("busy", 0, nil)
	exec.waitStarted(t, "busy")

	time.Sleep(20 * time.Millisecond)
	reaped := m.Cleanup(10 * time.Millisecond)
	assert.Equal(t, 1, reaped)

	_, ok := m.Peek("idle-session")
	assert.False(t, ok)
	_, ok = m.Peek("busy-session")
	assert.True(t, ok)

	exec.release("busy")
}

func TestManagerRemoveCancelsWork(t *testing.T) {
	exec := newRecordingExecutor()
	exec.holdMessage("doomed")
	m := NewManager(events.NewBus(nil), exec.run, nil)
	defer m.Shutdown()

	q := m.Get("alpha")
	_, f := q.Enqueue("doomed", 0, nil)
	exec.waitStarted(t, "doomed")

	m.Remove("alpha")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.True(t, werr.IsKind(err, werr.Cancelled))
}
