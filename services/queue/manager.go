// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/wopr/services/events"
)

// Manager owns the sessionName to Queue map. Queues are created lazily
// on first enqueue and reaped by Cleanup once idle.
type Manager struct {
	bus      *events.Bus
	executor Executor
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager(bus *events.Bus, executor Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		executor: executor,
		logger:   logger,
		queues:   make(map[string]*Queue),
	}
}

// Get returns the session's queue, creating it if needed.
func (m *Manager) Get(session string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[session]
	if !ok {
		q = newQueue(session, m.bus, m.executor, m.logger)
		m.queues[session] = q
	}
	return q
}

// Peek returns the session's queue without creating one.
func (m *Manager) Peek(session string) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[session]
	return q, ok
}

// HasPending reports whether the session has queued items.
func (m *Manager) HasPending(session string) bool {
	q, ok := m.Peek(session)
	return ok && q.Stats().QueueDepth > 0
}

// IsActive reports whether the session is currently dispatching.
func (m *Manager) IsActive(session string) bool {
	q, ok := m.Peek(session)
	return ok && q.Stats().IsProcessing
}

// AllStats snapshots every live queue, sorted by session name.
func (m *Manager) AllStats() []Stats {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	stats := make([]Stats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].SessionKey < stats[j].SessionKey })
	return stats
}

// Cleanup removes queues that have been idle longer than maxIdle and
// have nothing queued or active. Returns the number reaped.
func (m *Manager) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var reaped []*Queue
	for name, q := range m.queues {
		if q.idle(cutoff) {
			delete(m.queues, name)
			reaped = append(reaped, q)
		}
	}
	m.mu.Unlock()

	for _, q := range reaped {
		q.close()
	}
	if len(reaped) > 0 {
		m.logger.Debug("reaped idle session queues", "count", len(reaped))
	}
	return len(reaped)
}

// Remove drops a session's queue immediately, cancelling anything in it.
// Used when a session is destroyed.
func (m *Manager) Remove(session string) {
	m.mu.Lock()
	q, ok := m.queues[session]
	delete(m.queues, session)
	m.mu.Unlock()
	if ok {
		q.close()
	}
}

// Shutdown closes every queue.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}
