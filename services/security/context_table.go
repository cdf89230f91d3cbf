// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"sync"

	"github.com/AleutianAI/wopr/services/datatypes"
)

// ContextTable holds the ephemeral SecurityContext for each in-flight
// injection, keyed by (session, inject-id). The dispatch engine stores the
// context before calling the provider and clears it in its cleanup path,
// so tool handlers running mid-query always observe the correct context.
type ContextTable struct {
	mu sync.RWMutex
	// bySession maps session name -> inject id -> context.
	bySession map[string]map[string]*datatypes.SecurityContext
	// latest tracks the most recently stored inject id per session. With
	// per-session serialization this is the active injection.
	latest map[string]string
}

// NewContextTable creates an empty table.
func NewContextTable() *ContextTable {
	return &ContextTable{
		bySession: make(map[string]map[string]*datatypes.SecurityContext),
		latest:    make(map[string]string),
	}
}

// Reset drops all stored contexts. For tests.
func (t *ContextTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySession = make(map[string]map[string]*datatypes.SecurityContext)
	t.latest = make(map[string]string)
}

// Store records the context for one injection.
func (t *ContextTable) Store(session, injectID string, sctx *datatypes.SecurityContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bySession[session] == nil {
		t.bySession[session] = make(map[string]*datatypes.SecurityContext)
	}
	t.bySession[session][injectID] = sctx
	t.latest[session] = injectID
}

// Retrieve returns the context for a specific injection, or nil.
func (t *ContextTable) Retrieve(session, injectID string) *datatypes.SecurityContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bySession[session][injectID]
}

// RetrieveActive returns the context of the session's active injection,
// or nil when the session has nothing in flight.
func (t *ContextTable) RetrieveActive(session string) *datatypes.SecurityContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.latest[session]
	if !ok {
		return nil
	}
	return t.bySession[session][id]
}

// Clear removes the context for one injection.
func (t *ContextTable) Clear(session, injectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m := t.bySession[session]; m != nil {
		delete(m, injectID)
		if len(m) == 0 {
			delete(t.bySession, session)
		}
	}
	if t.latest[session] == injectID {
		delete(t.latest, session)
	}
}
