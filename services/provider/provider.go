// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package provider hosts the AI provider registry and client
// implementations.
//
// Each provider registers a Descriptor (id, default model, credential
// type, client factory). The registry binds credentials, caches clients,
// polls health concurrently, and resolves a session's effective provider
// through its binding, fallback chain, and the globally active provider.
//
// The Client.Query contract is streaming: text chunks arrive in order and
// concatenate; tool_use chunks may interleave; a terminal complete (or
// error) chunk ends the stream.
package provider

import (
	"context"

	"github.com/AleutianAI/wopr/services/datatypes"
)

// CredentialType describes how a provider authenticates.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api-key"
	CredentialOAuth  CredentialType = "oauth"
	CredentialNone   CredentialType = "none"
)

// Credential is a provider credential in plaintext form. It exists only in
// memory; persistence goes through the Vault, which seals it first.
type Credential struct {
	Type   CredentialType `json:"type"`
	APIKey string         `json:"api_key,omitempty"`
	// BaseURL overrides the provider endpoint (used by ollama and
	// OpenAI-compatible gateways).
	BaseURL string `json:"base_url,omitempty"`
}

// ToolDefinition describes one agent-callable tool exposed to a provider.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// QueryOptions tunes a single provider query.
type QueryOptions struct {
	Model       string
	MaxTokens   int
	Temperature *float32
	Tools       []ToolDefinition
	Options     map[string]any
}

// ChunkFunc receives streaming chunks. Implementations must be cheap;
// long work belongs downstream of the dispatch engine.
type ChunkFunc func(datatypes.StreamChunk)

// Client is the per-provider query surface.
type Client interface {
	// ListModels enumerates the models this provider can serve.
	ListModels(ctx context.Context) ([]string, error)

	// HealthCheck reports whether the provider is currently reachable.
	// It must be cheap and honour the context deadline.
	HealthCheck(ctx context.Context) bool

	// Query runs one streaming completion. Chunks are delivered
	// monotonically through onChunk before Query returns. Cancellation
	// through ctx must abort the underlying request.
	Query(ctx context.Context, messages []datatypes.Message, opts QueryOptions, onChunk ChunkFunc) (*datatypes.QueryResult, error)
}

// Descriptor registers one provider with the registry.
type Descriptor struct {
	ID           string
	Name         string
	DefaultModel string
	Credential   CredentialType

	// New builds a client from a credential. Called once per binding;
	// the registry caches the result.
	New func(cred Credential) (Client, error)

	// Validate performs a cheap syntactic credential check before the
	// registry accepts a binding.
	Validate func(cred Credential) bool
}
