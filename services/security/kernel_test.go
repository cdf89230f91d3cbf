// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/events"
	"github.com/AleutianAI/wopr/services/store"
	"github.com/AleutianAI/wopr/pkg/werr"
)

// testPolicy is a literal Policy for kernel tests.
type testPolicy struct {
	mode          string
	sessionAccess map[string][]string
	sessionCaps   map[string][]string
	defaultAccess []string
	gateways      map[string][]string
	perMin, perHr int
}

func (p *testPolicy) EnforcementMode() string { return p.mode }

func (p *testPolicy) SessionAccess(session string) []string {
	if p.sessionAccess == nil {
		return nil
	}
	return p.sessionAccess[session]
}

func (p *testPolicy) DefaultAccess() []string {
	if p.defaultAccess == nil {
		return []string{"trust:semi-trusted"}
	}
	return p.defaultAccess
}

func (p *testPolicy) TrustCapabilities(level datatypes.TrustLevel) []string {
	switch level {
	case datatypes.TrustOwner:
		return []string{"*"}
	case datatypes.TrustTrusted:
		return []string{"inject", "session.history"}
	default:
		return []string{"inject"}
	}
}

func (p *testPolicy) SessionCapabilities(session string) []string {
	if p.sessionCaps == nil {
		return nil
	}
	return p.sessionCaps[session]
}

func (p *testPolicy) IsGateway(session string) bool {
	_, ok := p.gateways[session]
	return ok
}

func (p *testPolicy) GatewayTargets(gateway string) []string { return p.gateways[gateway] }

func (p *testPolicy) RateLimit() (int, int) { return p.perMin, p.perHr }

func newTestKernel(t *testing.T, policy *testPolicy) (*Kernel, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	bus := events.NewBus(nil)
	return NewKernel(st, bus, policy, nil), st, bus
}

func TestEvaluateInjection_OwnerAllowed(t *testing.T) {
	k, _, _ := newTestKernel(t, &testPolicy{mode: ModeEnforce})

	d := k.EvaluateInjection(datatypes.NewSource(datatypes.SourceCLI), "main")
	require.True(t, d.Allowed)
	require.NotNil(t, d.Context)
	assert.Equal(t, datatypes.TrustOwner, d.Context.TrustLevel)
	assert.Contains(t, d.Context.GrantedCapabilities, "inject.exec",
		"owner wildcard expands to the full capability list")
}

func TestEvaluateInjection_UntrustedP2PDeniedInEnforce(t *testing.T) {
	policy := &testPolicy{mode: ModeEnforce}
	k, st, bus := newTestKernel(t, policy)

	var audited []events.Event
	bus.Subscribe(events.SecurityAudit, func(e events.Event) { audited = append(audited, e) })

	src := datatypes.NewSource(datatypes.SourceP2P)
	src.Identity.PublicKey = "aabbcc"
	d := k.EvaluateInjection(src, "main")

	assert.False(t, d.Allowed)
	assert.Equal(t, werr.AccessDenied, d.Kind)
	assert.Equal(t, werr.AccessDenied, werr.KindOf(d.Err()))

	require.NotEmpty(t, audited, "audit event fires on deny")
	records, err := st.ReadAudit(0)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	last := records[len(records)-1]
	assert.False(t, last.Allowed)
	assert.Equal(t, datatypes.SourceP2P, last.Source)
	assert.Equal(t, "aabbcc", last.Identity, "persisted audit names the peer key")
	assert.Equal(t, string(werr.AccessDenied), last.Kind)
	assert.Equal(t, "aabbcc", audited[len(audited)-1].Payload["identity"])
}

func TestEvaluateInjection_WarnModeAllowsButRecords(t *testing.T) {
	k, st, _ := newTestKernel(t, &testPolicy{mode: ModeWarn})

	src := datatypes.NewSource(datatypes.SourceP2P)
	d := k.EvaluateInjection(src, "main")

	assert.True(t, d.Allowed, "warn mode lets the injection through")
	assert.Equal(t, werr.AccessDenied, d.Kind, "failure kind is still recorded")

	records, err := st.ReadAudit(0)
	require.NoError(t, err)
	require.NotEmpty(t, records)
}

func TestEvaluateInjection_AccessPatterns(t *testing.T) {
	policy := &testPolicy{
		mode: ModeEnforce,
		sessionAccess: map[string][]string{
			"public":  {"*"},
			"peered":  {"p2p:aabbcc"},
			"typed":   {"type:api"},
			"gated":   {"session:frontdoor"},
		},
		gateways: map[string][]string{"frontdoor": {"*"}},
	}
	k, _, _ := newTestKernel(t, policy)

	t.Run("wildcard admits untrusted", func(t *testing.T) {
		src := datatypes.NewSource(datatypes.SourceP2P)
		src.Identity.GatewaySession = "frontdoor"
		assert.True(t, k.EvaluateInjection(src, "public").Allowed)
	})

	t.Run("p2p pattern is exact", func(t *testing.T) {
		src := datatypes.NewSource(datatypes.SourceP2P)
		src.Identity.PublicKey = "aabbcc"
		src.Identity.GatewaySession = "frontdoor"
		assert.True(t, k.EvaluateInjection(src, "peered").Allowed)

		src.Identity.PublicKey = "ddeeff"
		d := k.EvaluateInjection(src, "peered")
		assert.False(t, d.Allowed)
		assert.Equal(t, werr.AccessDenied, d.Kind)
	})

	t.Run("type pattern", func(t *testing.T) {
		src := datatypes.NewSource(datatypes.SourceAPI)
		src.Identity.GatewaySession = "frontdoor"
		assert.True(t, k.EvaluateInjection(src, "typed").Allowed)
	})

	t.Run("session pattern matches gateway identity", func(t *testing.T) {
		src := datatypes.NewSource(datatypes.SourceP2P)
		src.Identity.GatewaySession = "frontdoor"
		assert.True(t, k.EvaluateInjection(src, "gated").Allowed)
	})
}

func TestEvaluateInjection_GatewayRequired(t *testing.T) {
	policy := &testPolicy{
		mode:          ModeEnforce,
		defaultAccess: []string{"*"},
		gateways:      map[string][]string{"frontdoor": {"main"}},
	}
	k, _, _ := newTestKernel(t, policy)

	t.Run("untrusted direct to non-gateway denied", func(t *testing.T) {
		src := datatypes.NewSource(datatypes.SourceP2P)
		d := k.EvaluateInjection(src, "main")
		assert.False(t, d.Allowed)
		assert.Equal(t, werr.GatewayRequired, d.Kind)
	})

	t.Run("forwarded through permitted gateway", func(t *testing.T) {
		src := datatypes.NewSource(datatypes.SourceP2P)
		src.Identity.GatewaySession = "frontdoor"
		assert.True(t, k.EvaluateInjection(src, "main").Allowed)
	})

	t.Run("gateway cannot forward to uncovered target", func(t *testing.T) {
		src := datatypes.NewSource(datatypes.SourceP2P)
		src.Identity.GatewaySession = "frontdoor"
		d := k.EvaluateInjection(src, "vault")
		assert.False(t, d.Allowed)
		assert.Equal(t, werr.TrustInsufficient, d.Kind)
	})

	t.Run("gateway session itself accepts untrusted", func(t *testing.T) {
		src := datatypes.NewSource(datatypes.SourceP2P)
		assert.True(t, k.EvaluateInjection(src, "frontdoor").Allowed)
	})
}

func TestEvaluateInjection_GrantOverride(t *testing.T) {
	policy := &testPolicy{mode: ModeEnforce, defaultAccess: []string{"trust:trusted"}}
	k, st, _ := newTestKernel(t, policy)

	require.NoError(t, st.SaveGrant(datatypes.AccessGrant{
		ID:           "grant-1",
		Capabilities: []string{"inject", "session.history"},
		TrustLevel:   datatypes.TrustTrusted,
	}))

	src := datatypes.NewSource(datatypes.SourceP2P)
	src.GrantID = "grant-1"
	d := k.EvaluateInjection(src, "main")
	require.True(t, d.Allowed, "grant lifts p2p to trusted")
	assert.Equal(t, datatypes.TrustTrusted, d.Context.TrustLevel)
	assert.Contains(t, d.Context.GrantedCapabilities, "session.history")

	t.Run("expired grant denied", func(t *testing.T) {
		require.NoError(t, st.SaveGrant(datatypes.AccessGrant{
			ID:           "grant-2",
			Capabilities: []string{"inject"},
			TrustLevel:   datatypes.TrustTrusted,
			ExpiresAt:    time.Now().Add(-time.Hour),
		}))
		src := datatypes.NewSource(datatypes.SourceP2P)
		src.GrantID = "grant-2"
		d := k.EvaluateInjection(src, "main")
		assert.False(t, d.Allowed)
		assert.Equal(t, werr.GrantExpired, d.Kind)
	})
}

func TestEvaluateInjection_RateLimited(t *testing.T) {
	policy := &testPolicy{mode: ModeEnforce, defaultAccess: []string{"*"}, perMin: 2}
	k, _, bus := newTestKernel(t, policy)

	exceeded := false
	bus.Subscribe(events.RateLimitExceeded, func(events.Event) { exceeded = true })

	src := datatypes.NewSource(datatypes.SourceCLI)
	assert.True(t, k.EvaluateInjection(src, "main").Allowed)
	assert.True(t, k.EvaluateInjection(src, "main").Allowed)

	d := k.EvaluateInjection(src, "main")
	assert.False(t, d.Allowed)
	assert.Equal(t, werr.RateLimited, d.Kind)
	assert.True(t, exceeded)
}

func TestEvaluateInjection_SessionCapabilityOverride(t *testing.T) {
	k, _, _ := newTestKernel(t, &testPolicy{
		mode:        ModeEnforce,
		sessionCaps: map[string][]string{"locked": {"session.history"}},
	})

	src := datatypes.NewSource(datatypes.SourceCLI)
	d := k.EvaluateInjection(src, "locked")
	require.True(t, d.Allowed)
	assert.True(t, HasCapability(d.Context.GrantedCapabilities, "session.history"))
	assert.False(t, HasCapability(d.Context.GrantedCapabilities, "inject"))

	// Sessions without an override keep the trust-level baseline.
	d = k.EvaluateInjection(src, "open")
	require.True(t, d.Allowed)
	assert.True(t, HasCapability(d.Context.GrantedCapabilities, "inject"))
}

func TestCapabilities(t *testing.T) {
	t.Run("parent grants children", func(t *testing.T) {
		assert.True(t, HasCapability([]string{"inject"}, "inject.tools"))
		assert.True(t, HasCapability([]string{"session"}, "session.history"))
	})

	t.Run("wildcard passes everything", func(t *testing.T) {
		assert.True(t, HasCapability([]string{"*"}, "inject.exec"))
		assert.True(t, HasCapability([]string{"*"}, "cron.manage"))
	})

	t.Run("dangerous capabilities need explicit grant", func(t *testing.T) {
		assert.False(t, HasCapability([]string{"inject"}, "inject.network"))
		assert.False(t, HasCapability([]string{"inject"}, "inject.exec"))
		assert.False(t, HasCapability([]string{"event"}, "event.emit"))
		assert.True(t, HasCapability([]string{"inject.exec"}, "inject.exec"))
	})

	t.Run("expand wildcard", func(t *testing.T) {
		expanded := ExpandCapabilities([]string{"*"})
		assert.ElementsMatch(t, AllCapabilities, expanded)
	})
}

func TestRequireToolCapability(t *testing.T) {
	policy := &testPolicy{mode: ModeEnforce}
	k, _, _ := newTestKernel(t, policy)

	sctx := &datatypes.SecurityContext{
		RequestID:           "r1",
		TargetSession:       "main",
		GrantedCapabilities: []string{"inject", "session.history"},
	}

	assert.NoError(t, k.RequireToolCapability(sctx, "sessions_list"))
	assert.NoError(t, k.RequireToolCapability(sctx, "security_whoami"),
		"introspection tools bypass the mapping")

	err := k.RequireToolCapability(sctx, "exec_command")
	assert.Equal(t, werr.CapabilityDenied, werr.KindOf(err))

	err = k.RequireToolCapability(sctx, "no_such_tool")
	assert.Equal(t, werr.CapabilityDenied, werr.KindOf(err),
		"unmapped tools are denied by default")
}

func TestContextTable(t *testing.T) {
	table := NewContextTable()
	sctx := &datatypes.SecurityContext{RequestID: "r1"}

	table.Store("alpha", "inject-1", sctx)
	assert.Same(t, sctx, table.Retrieve("alpha", "inject-1"))
	assert.Same(t, sctx, table.RetrieveActive("alpha"))

	table.Clear("alpha", "inject-1")
	assert.Nil(t, table.Retrieve("alpha", "inject-1"))
	assert.Nil(t, table.RetrieveActive("alpha"))
}

func TestAPIKeys_Lifecycle(t *testing.T) {
	k, _, _ := newTestKernel(t, &testPolicy{mode: ModeEnforce})

	key, raw, err := k.CreateAPIKey("ci", datatypes.ScopeFull, "")
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.True(t, len(key.Prefix) < len(raw))
	assert.NotContains(t, key.HashedSecret, raw, "raw secret is never stored")

	got, err := k.ValidateAPIKey(raw)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, key.ID, got.ID)

	t.Run("wrong key yields nil", func(t *testing.T) {
		got, err := k.ValidateAPIKey("wopr_0000000000000000000000000000000000000000000000000000")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("revoked key is rejected", func(t *testing.T) {
		require.NoError(t, k.RevokeAPIKey(key.ID))
		got, err := k.ValidateAPIKey(raw)
		assert.Nil(t, got)
		assert.Equal(t, werr.TokenRevoked, werr.KindOf(err))
	})

	t.Run("invalid scope rejected", func(t *testing.T) {
		_, _, err := k.CreateAPIKey("bad", "superuser", "")
		assert.Equal(t, werr.InvalidScope, werr.KindOf(err))
	})
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("*"))
	assert.NoError(t, ValidatePattern("trust:owner"))
	assert.NoError(t, ValidatePattern("session:main"))
	assert.NoError(t, ValidatePattern("p2p:aabb01"))
	assert.NoError(t, ValidatePattern("type:cron"))

	assert.Equal(t, werr.InvalidPattern, werr.KindOf(ValidatePattern("trust:super")))
	assert.Equal(t, werr.InvalidPattern, werr.KindOf(ValidatePattern("p2p:zzz")))
	assert.Equal(t, werr.InvalidPattern, werr.KindOf(ValidatePattern("bogus")))
	assert.Equal(t, werr.InvalidPattern, werr.KindOf(ValidatePattern("acl:stuff")))
}
