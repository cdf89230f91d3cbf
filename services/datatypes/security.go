// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"time"
)

// TrustLevel orders how much the daemon trusts an injection source.
type TrustLevel string

const (
	TrustOwner       TrustLevel = "owner"
	TrustTrusted     TrustLevel = "trusted"
	TrustSemiTrusted TrustLevel = "semi-trusted"
	TrustUntrusted   TrustLevel = "untrusted"
)

// Rank returns the numeric ordering used for meets-or-exceeds checks:
// owner=100 > trusted=75 > semi-trusted=50 > untrusted=0.
func (t TrustLevel) Rank() int {
	switch t {
	case TrustOwner:
		return 100
	case TrustTrusted:
		return 75
	case TrustSemiTrusted:
		return 50
	default:
		return 0
	}
}

// Meets reports whether t meets or exceeds the required level.
func (t TrustLevel) Meets(required TrustLevel) bool {
	return t.Rank() >= required.Rank()
}

// SourceType identifies where an injection entered the daemon.
type SourceType string

const (
	SourceCLI          SourceType = "cli"
	SourceDaemon       SourceType = "daemon"
	SourceP2P          SourceType = "p2p"
	SourceP2PDiscovery SourceType = "p2p.discovery"
	SourcePlugin       SourceType = "plugin"
	SourceCron         SourceType = "cron"
	SourceAPI          SourceType = "api"
	SourceGateway      SourceType = "gateway"
	SourceInternal     SourceType = "internal"
)

// DefaultTrust returns the trust level implied by a source type when no
// access grant overrides it.
func (s SourceType) DefaultTrust() TrustLevel {
	switch s {
	case SourceCLI, SourceDaemon, SourceCron, SourceInternal:
		return TrustOwner
	case SourcePlugin:
		return TrustTrusted
	case SourceAPI, SourceGateway:
		return TrustSemiTrusted
	default:
		return TrustUntrusted
	}
}

// SourceIdentity carries whichever identifier the transport authenticated.
type SourceIdentity struct {
	PublicKey      string `json:"public_key,omitempty"`
	PluginName     string `json:"plugin_name,omitempty"`
	APIKeyID       string `json:"api_key_id,omitempty"`
	GatewaySession string `json:"gateway_session,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// InjectionSource describes the origin of one injection request.
type InjectionSource struct {
	Type                 SourceType     `json:"type"`
	TrustLevel           TrustLevel     `json:"trust_level"`
	Identity             SourceIdentity `json:"identity,omitempty"`
	GrantedCapabilities  []string       `json:"granted_capabilities,omitempty"`
	GrantID              string         `json:"grant_id,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
	TargetSession        string         `json:"target_session,omitempty"`
}

// NewSource builds an InjectionSource with the type's default trust level.
func NewSource(t SourceType) InjectionSource {
	return InjectionSource{
		Type:       t,
		TrustLevel: t.DefaultTrust(),
		Timestamp:  time.Now(),
	}
}

// AuditEvent records one security decision or tool invocation. Identity
// carries the authenticated identifier behind the source (peer public
// key, api key id, plugin name); Kind carries the failure taxonomy kind
// when a check did not pass cleanly.
type AuditEvent struct {
	Timestamp time.Time  `json:"ts"`
	RequestID string     `json:"request_id,omitempty"`
	Action    string     `json:"action"`
	Session   string     `json:"session,omitempty"`
	Source    SourceType `json:"source,omitempty"`
	Identity  string     `json:"identity,omitempty"`
	Allowed   bool       `json:"allowed"`
	Reason    string     `json:"reason,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// SecurityContext is the ephemeral per-injection security state. It is
// created by the kernel's evaluation, stored in the context table for the
// duration of one dispatch, and consulted by tool handlers mid-query.
type SecurityContext struct {
	RequestID           string          `json:"request_id"`
	Source              InjectionSource `json:"source"`
	TargetSession       string          `json:"target_session"`
	TrustLevel          TrustLevel      `json:"trust_level"`
	GrantedCapabilities []string        `json:"granted_capabilities"`
	CreatedAt           time.Time       `json:"created_at"`
	Audit               []AuditEvent    `json:"audit,omitempty"`
}

// Peer is a known remote daemon identity.
type Peer struct {
	PublicKey  string     `json:"public_key"`
	EncryptKey string     `json:"encrypt_key,omitempty"`
	Name       string     `json:"name,omitempty"`
	TrustLevel TrustLevel `json:"trust_level"`
	AddedAt    time.Time  `json:"added_at"`
	LastSeen   time.Time  `json:"last_seen,omitempty"`
}

// AccessGrant authorizes a specific source to inject with an explicit
// capability list and trust level, overriding type-derived defaults.
type AccessGrant struct {
	ID           string     `json:"id"`
	PeerKey      string     `json:"peer_key,omitempty"`
	Sessions     []string   `json:"sessions,omitempty"`
	Capabilities []string   `json:"capabilities"`
	TrustLevel   TrustLevel `json:"trust_level"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at,omitempty"`
}

// Expired reports whether the grant has an expiry in the past.
func (g *AccessGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// APIKeyScope restricts what an API key may do.
type APIKeyScope string

const (
	ScopeFull     APIKeyScope = "full"
	ScopeReadOnly APIKeyScope = "read-only"
	// ScopeInstance pins a key to a single session; APIKey.Instance
	// names it. The wire form is "instance:<session>".
	ScopeInstance APIKeyScope = "instance"
)

// ParseAPIKeyScope splits a wire scope string into the scope and, for
// instance scopes, the session the key is pinned to.
func ParseAPIKeyScope(raw string) (APIKeyScope, string) {
	if rest, ok := strings.CutPrefix(raw, string(ScopeInstance)+":"); ok {
		return ScopeInstance, rest
	}
	return APIKeyScope(raw), ""
}

// APIKey is the stored form of a management API key. The raw secret is
// shown once at creation; only the salted hash is persisted.
type APIKey struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Scope        APIKeyScope `json:"scope"`
	Instance     string      `json:"instance,omitempty"`
	Prefix       string      `json:"prefix"`
	HashedSecret string      `json:"hashed_secret"`
	Salt         string      `json:"salt"`
	CreatedAt    time.Time   `json:"created_at"`
	LastUsedAt   time.Time   `json:"last_used_at,omitempty"`
	Revoked      bool        `json:"revoked,omitempty"`
}
