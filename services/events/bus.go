// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events is the process-wide typed publish/subscribe bus.
//
// Two delivery modes exist:
//
//   - Notifications (session:create, session:stream, queue lifecycle, custom
//     events): fire-and-forget. A panicking subscriber is caught, logged,
//     and never aborts the publisher or other subscribers.
//
//   - Mutable hooks (message:incoming, message:outgoing, injection:pending):
//     run synchronously in priority order on the dispatch critical path.
//     Each hook is a typed reduce step returning Continue (possibly with a
//     rewritten payload) or Prevent; the bus threads each output into the
//     next hook and the dispatch engine pattern-matches the final outcome.
//
// The bus is a typed container with explicit construction and a Reset entry
// point for tests, not an ambient singleton.
package events

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/wopr/services/datatypes"
)

// Well-known notification event types.
const (
	SessionCreate   = "session:create"
	SessionDestroy  = "session:destroy"
	SessionStream   = "session:stream"
	SessionResponse = "session:response"
	SessionComplete = "session:complete"

	QueueEnqueue  = "queue:enqueue"
	QueueDequeue  = "queue:dequeue"
	QueueStart    = "queue:start"
	QueueCancel   = "queue:cancel"
	QueueError    = "queue:error"
	QueueComplete = "queue:complete"

	ToolInvoked       = "tool:invoked"
	SecurityAudit     = "security:audit"
	RateLimitExceeded = "rate_limit_exceeded"

	CapabilityRegistered   = "capability:providerRegistered"
	CapabilityUnregistered = "capability:providerUnregistered"
)

// Mutable hook types.
const (
	HookIncoming         = "message:incoming"
	HookOutgoing         = "message:outgoing"
	HookInjectionPending = "injection:pending"
)

// Event is one notification published on the bus.
type Event struct {
	Type      string         `json:"type"`
	Session   string         `json:"session,omitempty"`
	InjectID  string         `json:"inject_id,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler receives notification events.
type Handler func(Event)

// HookPayload is the mutable payload threaded through hook chains.
type HookPayload struct {
	Session  string
	From     string
	Message  string
	Source   datatypes.InjectionSource
	InjectID string
}

// Outcome is the result of one hook step (and of the whole chain).
type Outcome struct {
	Prevent bool
	Reason  string
	Payload HookPayload
}

// Continue passes a (possibly rewritten) payload to the next hook.
func Continue(p HookPayload) Outcome { return Outcome{Payload: p} }

// Prevent stops the chain; the originating operation resolves without
// dispatching.
func Prevent(reason string) Outcome { return Outcome{Prevent: true, Reason: reason} }

// Hook is one registered mutable middleware step.
type Hook struct {
	Name     string
	Priority int
	Enabled  bool
	Fn       func(HookPayload) Outcome
}

type subscription struct {
	id      int
	topic   string
	handler Handler
}

// Bus is the event bus. Safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   []subscription
	hooks  map[string][]Hook
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, hooks: make(map[string][]Hook)}
}

// Reset removes all subscribers and hooks. For tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.hooks = make(map[string][]Hook)
}

// Subscribe registers a handler for a topic. Topic "*" receives every
// notification. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers a notification to every matching subscriber. A panicking
// handler is recovered and logged; remaining handlers still run.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.topic != "*" && s.topic != event.Type {
			continue
		}
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", s.topic, "event", event.Type, "panic", r)
		}
	}()
	s.handler(event)
}

// RegisterHook adds a mutable hook for the given hook type.
func (b *Bus) RegisterHook(hookType string, h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[hookType] = append(b.hooks[hookType], h)
	// Higher priority runs first; ties keep registration order.
	sort.SliceStable(b.hooks[hookType], func(i, j int) bool {
		return b.hooks[hookType][i].Priority > b.hooks[hookType][j].Priority
	})
}

// SetHookEnabled toggles a named hook. Unknown names are ignored.
func (b *Bus) SetHookEnabled(hookType, name string, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.hooks[hookType] {
		if b.hooks[hookType][i].Name == name {
			b.hooks[hookType][i].Enabled = enabled
		}
	}
}

// RunHooks reduces the payload through every enabled hook of the given
// type, in priority order. A panicking hook is treated as Continue with the
// unmodified payload so middleware bugs never block dispatch.
func (b *Bus) RunHooks(hookType string, payload HookPayload) Outcome {
	b.mu.RLock()
	chain := make([]Hook, len(b.hooks[hookType]))
	copy(chain, b.hooks[hookType])
	b.mu.RUnlock()

	current := payload
	for _, h := range chain {
		if !h.Enabled {
			continue
		}
		out := b.runHook(h, current)
		if out.Prevent {
			return Outcome{Prevent: true, Reason: out.Reason, Payload: current}
		}
		current = out.Payload
	}
	return Continue(current)
}

func (b *Bus) runHook(h Hook, payload HookPayload) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("middleware hook panicked", "hook", h.Name, "panic", r)
			out = Continue(payload)
		}
	}()
	return h.Fn(payload)
}
