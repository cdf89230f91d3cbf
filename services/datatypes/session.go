// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the shared data model for the WOPR daemon.
//
// Types here are persisted by the store and passed between subsystems
// (security kernel, queue, dispatch, cron, providers). They carry no
// behavior beyond small derivations so that packages can share them
// without import cycles.
package datatypes

import "time"

// ChannelRef identifies the external channel a session or entry is bound to
// (e.g. a chat platform channel when a plugin adapter created the session).
type ChannelRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ProviderBinding pins a session to a provider, with an optional model
// override and an ordered fallback chain consulted when the primary
// provider is unavailable.
type ProviderBinding struct {
	Name     string         `json:"name"`
	Model    string         `json:"model,omitempty"`
	Fallback []string       `json:"fallback,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// Session is the durable record for one agent conversation.
//
// Name is the unique human key; ID is assigned once at creation and never
// changes. Context is the session's system prompt. The conversation log is
// stored separately and referenced by name (never embedded).
type Session struct {
	Name    string           `json:"name"`
	ID      string           `json:"id"`
	Created time.Time        `json:"created"`
	Context string           `json:"context,omitempty"`
	Binding *ProviderBinding `json:"provider_binding,omitempty"`
	Channel *ChannelRef      `json:"channel,omitempty"`
}

// EntryType classifies a conversation log entry.
type EntryType string

const (
	EntryContext    EntryType = "context"
	EntryMessage    EntryType = "message"
	EntryResponse   EntryType = "response"
	EntryMiddleware EntryType = "middleware"
)

// ConversationEntry is one append-only record in a session's log.
type ConversationEntry struct {
	Timestamp time.Time   `json:"ts"`
	From      string      `json:"from"`
	SenderID  string      `json:"sender_id,omitempty"`
	Content   string      `json:"content"`
	Type      EntryType   `json:"type"`
	Channel   *ChannelRef `json:"channel,omitempty"`
	// FinishReason is set on response entries: "stop", "cancelled", etc.
	FinishReason string `json:"finish_reason,omitempty"`
	// Usage is set on response entries when the provider reported it.
	Usage *Usage `json:"usage,omitempty"`
}
