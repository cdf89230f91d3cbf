// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/events"
	"github.com/AleutianAI/wopr/services/store"
	"github.com/AleutianAI/wopr/pkg/werr"
)

// Enforcement modes. In "off" mode every check passes with a warning
// recorded; in "warn" mode failures are logged but allowed; in "enforce"
// mode failures block. Audit records fire in every mode.
const (
	ModeOff     = "off"
	ModeWarn    = "warn"
	ModeEnforce = "enforce"
)

// Policy supplies the configuration the kernel evaluates against. The
// config service implements it; tests use a literal.
type Policy interface {
	// EnforcementMode returns off, warn, or enforce.
	EnforcementMode() string

	// SessionAccess returns the session-specific access pattern list, or
	// nil when the session has none configured.
	SessionAccess(session string) []string

	// DefaultAccess returns the global default access pattern list.
	DefaultAccess() []string

	// TrustCapabilities returns the default capability set for a trust
	// level, used when neither a grant nor the source carries an explicit
	// list.
	TrustCapabilities(level datatypes.TrustLevel) []string

	// SessionCapabilities returns the per-session capability override,
	// nil when the session has none configured. It replaces the
	// trust-level baseline for injections into that session.
	SessionCapabilities(session string) []string

	// IsGateway reports whether the session is configured as a gateway.
	IsGateway(session string) bool

	// GatewayTargets returns the sessions a gateway may forward to.
	// A single "*" entry allows any target.
	GatewayTargets(gateway string) []string

	// RateLimit returns the per-source per-minute and per-hour injection
	// budgets. Zero disables the corresponding bucket.
	RateLimit() (perMinute, perHour int)
}

// Decision is the outcome of the injection pipeline.
type Decision struct {
	Allowed bool
	Reason  string
	// Kind is the failure kind when a check failed (also set in warn/off
	// mode, where Allowed stays true).
	Kind    werr.Kind
	Context *datatypes.SecurityContext
}

// Err converts a blocking decision into its taxonomy error.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return werr.New(d.Kind, "%s", d.Reason)
}

// Kernel is the security kernel. Safe for concurrent use.
type Kernel struct {
	store   *store.Store
	bus     *events.Bus
	policy  Policy
	limiter *RateLimiter
	table   *ContextTable
	logger  *slog.Logger
}

// NewKernel wires the kernel to its store, bus, and policy source.
func NewKernel(st *store.Store, bus *events.Bus, policy Policy, logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		store:   st,
		bus:     bus,
		policy:  policy,
		limiter: NewRateLimiter(),
		table:   NewContextTable(),
		logger:  logger,
	}
}

// Table exposes the per-injection context table used by tool handlers.
func (k *Kernel) Table() *ContextTable { return k.table }

// Reset clears in-memory kernel state (context table, rate buckets).
// For tests.
func (k *Kernel) Reset() {
	k.table.Reset()
	k.limiter.Reset()
}

// EvaluateInjection runs the ordered decision pipeline for one injection.
//
// Pipeline: enforcement mode, trust derivation (grant override), rate
// limit, access pattern match, gateway routing, capability baseline,
// audit. Audit events fire regardless of the outcome.
func (k *Kernel) EvaluateInjection(source datatypes.InjectionSource, target string) Decision {
	mode := k.policy.EnforcementMode()

	sctx := &datatypes.SecurityContext{
		RequestID:     uuid.NewString(),
		Source:        source,
		TargetSession: target,
		CreatedAt:     time.Now(),
	}

	decision := k.evaluate(source, target, sctx)
	sctx.TrustLevel = decisionTrust(source, sctx)
	decision.Context = sctx

	// The mode only affects the final gate; audit always fires.
	k.audit(datatypes.AuditEvent{
		RequestID: sctx.RequestID,
		Action:    "inject",
		Session:   target,
		Source:    source.Type,
		Identity:  identityOf(source),
		Allowed:   decision.Allowed || mode != ModeEnforce,
		Reason:    decision.Reason,
		Kind:      string(decision.Kind),
	})

	if decision.Allowed {
		return decision
	}
	switch mode {
	case ModeOff:
		k.logger.Warn("security check skipped (enforcement off)",
			"session", target, "reason", decision.Reason)
		decision.Allowed = true
	case ModeWarn:
		k.logger.Warn("security check failed (warn mode, allowing)",
			"session", target, "kind", string(decision.Kind), "reason", decision.Reason)
		decision.Allowed = true
	}
	return decision
}

func decisionTrust(source datatypes.InjectionSource, sctx *datatypes.SecurityContext) datatypes.TrustLevel {
	if sctx.TrustLevel != "" {
		return sctx.TrustLevel
	}
	if source.TrustLevel != "" {
		return source.TrustLevel
	}
	return source.Type.DefaultTrust()
}

// evaluate runs the checks and fills the context's trust and capability
// fields. It returns the first failure, or an allow carrying the effective
// capability set.
func (k *Kernel) evaluate(source datatypes.InjectionSource, target string, sctx *datatypes.SecurityContext) Decision {
	// Trust derivation. An explicit grant overrides the type default.
	trust := source.TrustLevel
	if trust == "" {
		trust = source.Type.DefaultTrust()
	}
	caps := source.GrantedCapabilities

	if source.GrantID != "" {
		grant, err := k.store.GetGrant(source.GrantID)
		if err != nil {
			return Decision{Reason: "grant lookup failed", Kind: werr.AccessDenied}
		}
		if grant == nil {
			return Decision{Reason: "access grant not found", Kind: werr.AccessDenied}
		}
		if grant.Expired(time.Now()) {
			return Decision{Reason: "access grant expired", Kind: werr.GrantExpired}
		}
		if len(grant.Sessions) > 0 && !containsString(grant.Sessions, target) {
			return Decision{Reason: "grant does not cover this session", Kind: werr.AccessDenied}
		}
		trust = grant.TrustLevel
		caps = grant.Capabilities
	}
	sctx.TrustLevel = trust
	if len(caps) == 0 {
		caps = k.policy.SessionCapabilities(target)
	}
	if len(caps) == 0 {
		caps = k.policy.TrustCapabilities(trust)
	}
	sctx.GrantedCapabilities = ExpandCapabilities(caps)

	// Rate limiting.
	perMin, perHour := k.policy.RateLimit()
	if !k.limiter.Allow(sourceKey(source), target, perMin, perHour) {
		k.bus.Publish(events.Event{
			Type:    events.RateLimitExceeded,
			Session: target,
			Payload: map[string]any{"source": string(source.Type)},
		})
		return Decision{Reason: "injection rate limit exceeded", Kind: werr.RateLimited}
	}

	// Access pattern match: session-specific list if set, else defaults.
	// Patterns are disjunctive.
	patterns := k.policy.SessionAccess(target)
	if patterns == nil {
		patterns = k.policy.DefaultAccess()
	}
	src := source
	src.TrustLevel = trust
	if !MatchAny(patterns, src) {
		return Decision{Reason: "no access pattern matches this source", Kind: werr.AccessDenied}
	}

	// Gateway routing. Low-trust external traffic reaches non-gateway
	// sessions only through a gateway that can forward to them.
	if gd := k.gatewayCheck(src, target); !gd.Allowed {
		return gd
	}

	return Decision{Allowed: true}
}

func (k *Kernel) gatewayCheck(source datatypes.InjectionSource, target string) Decision {
	if k.policy.IsGateway(target) {
		return Decision{Allowed: true}
	}
	if source.TrustLevel.Meets(datatypes.TrustTrusted) {
		return Decision{Allowed: true}
	}
	switch source.Type {
	case datatypes.SourceInternal, datatypes.SourceCLI, datatypes.SourceDaemon:
		return Decision{Allowed: true}
	}
	// Must be forwarded through a gateway session.
	gw := source.Identity.GatewaySession
	if gw == "" {
		return Decision{Reason: "target requires gateway forwarding", Kind: werr.GatewayRequired}
	}
	if fwd := k.CanGatewayForward(gw, target); !fwd.Allowed {
		return fwd
	}
	return Decision{Allowed: true}
}

// IsGateway reports whether a session is configured as a gateway.
func (k *Kernel) IsGateway(session string) bool {
	return k.policy.IsGateway(session)
}

// CanGatewayForward reports whether the gateway session may forward
// traffic to the target session.
func (k *Kernel) CanGatewayForward(from, to string) Decision {
	if !k.policy.IsGateway(from) {
		return Decision{Reason: fmt.Sprintf("session %q is not a gateway", from), Kind: werr.GatewayRequired}
	}
	targets := k.policy.GatewayTargets(from)
	for _, t := range targets {
		if t == "*" || t == to {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: "gateway may not forward to this session", Kind: werr.TrustInsufficient}
}

// CheckCapability reports whether the context holds the capability.
func (k *Kernel) CheckCapability(sctx *datatypes.SecurityContext, cap string) bool {
	if sctx == nil {
		return false
	}
	return HasCapability(sctx.GrantedCapabilities, cap)
}

// RequireCapability is the throwing variant used in enforced paths.
// In warn/off mode the denial is logged and nil is returned.
func (k *Kernel) RequireCapability(sctx *datatypes.SecurityContext, cap string) error {
	if k.CheckCapability(sctx, cap) {
		return nil
	}
	mode := k.policy.EnforcementMode()
	k.audit(datatypes.AuditEvent{
		RequestID: requestID(sctx),
		Action:    "capability",
		Session:   sessionOf(sctx),
		Identity:  contextIdentity(sctx),
		Allowed:   mode != ModeEnforce,
		Reason:    "missing capability " + cap,
		Kind:      string(werr.CapabilityDenied),
	})
	if mode != ModeEnforce {
		k.logger.Warn("capability denied (non-enforce mode, allowing)", "capability", cap)
		return nil
	}
	return werr.New(werr.CapabilityDenied, "capability %q is not granted", cap)
}

// RequireToolCapability gates one tool call. Unmapped tools are denied by
// default; security introspection tools always pass.
func (k *Kernel) RequireToolCapability(sctx *datatypes.SecurityContext, tool string) error {
	if introspectionTools[tool] {
		return nil
	}
	cap, ok := ToolCapability(tool)
	if !ok {
		k.audit(datatypes.AuditEvent{
			RequestID: requestID(sctx),
			Action:    "tool",
			Session:   sessionOf(sctx),
			Allowed:   false,
			Reason:    "tool has no capability mapping",
			Detail:    tool,
		})
		return werr.New(werr.CapabilityDenied, "tool %q is not permitted", tool)
	}
	return k.RequireCapability(sctx, cap)
}

func (k *Kernel) audit(event datatypes.AuditEvent) {
	if err := k.store.AppendAudit(event); err != nil {
		k.logger.Error("failed to persist audit event", "error", err)
	}
	payload := map[string]any{
		"action":  event.Action,
		"allowed": event.Allowed,
		"reason":  event.Reason,
		"source":  string(event.Source),
	}
	if event.Identity != "" {
		payload["identity"] = event.Identity
	}
	if event.Kind != "" {
		payload["kind"] = event.Kind
	}
	k.bus.Publish(events.Event{
		Type:    events.SecurityAudit,
		Session: event.Session,
		Payload: payload,
	})
}

// identityOf returns the authenticated identifier behind a source, empty
// when the transport did not authenticate one.
func identityOf(source datatypes.InjectionSource) string {
	switch {
	case source.Identity.PublicKey != "":
		return source.Identity.PublicKey
	case source.Identity.APIKeyID != "":
		return source.Identity.APIKeyID
	case source.Identity.PluginName != "":
		return source.Identity.PluginName
	case source.Identity.UserID != "":
		return source.Identity.UserID
	default:
		return ""
	}
}

func contextIdentity(sctx *datatypes.SecurityContext) string {
	if sctx == nil {
		return ""
	}
	return identityOf(sctx.Source)
}

func sourceKey(source datatypes.InjectionSource) string {
	switch {
	case source.Identity.PublicKey != "":
		return "p2p:" + source.Identity.PublicKey
	case source.Identity.APIKeyID != "":
		return "api:" + source.Identity.APIKeyID
	case source.Identity.PluginName != "":
		return "plugin:" + source.Identity.PluginName
	default:
		return "type:" + string(source.Type)
	}
}

func requestID(sctx *datatypes.SecurityContext) string {
	if sctx == nil {
		return ""
	}
	return sctx.RequestID
}

func sessionOf(sctx *datatypes.SecurityContext) string {
	if sctx == nil {
		return ""
	}
	return sctx.TargetSession
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
