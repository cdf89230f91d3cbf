// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/security"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSetGetNested(t *testing.T) {
	s := newTestService(t)

	require.NoError(t, s.Set("daemon.cronScriptsEnabled", true))
	require.NoError(t, s.Set("security.sessions.main.prompt", "you are main"))

	v, ok := s.Get("daemon.cronScriptsEnabled")
	require.True(t, ok)
	assert.Equal(t, true, v)
	assert.Equal(t, "you are main", s.SessionPrompt("main"))

	_, ok = s.Get("daemon.noSuchKey")
	assert.False(t, ok)
}

func TestPersistsAcrossReopen(t *testing.T) {
	home := t.TempDir()
	s, err := Open(home, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("providers.anthropic.model", "claude-sonnet-4-20250514"))
	s.Close()

	s2, err := Open(home, nil)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, "claude-sonnet-4-20250514", s2.ProviderModel("anthropic"))
}

func TestEnvOverrideWins(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Set("security.enforcement", "off"))

	t.Setenv("WOPR_SECURITY_ENFORCEMENT", "enforce")
	assert.Equal(t, security.ModeEnforce, s.EnforcementMode())
}

func TestEnforcementModeFallsBackOnTypo(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Set("security.enforcement", "enforcd"))
	assert.Equal(t, security.ModeWarn, s.EnforcementMode())
}

func TestPolicyDefaults(t *testing.T) {
	s := newTestService(t)

	assert.Equal(t, security.ModeWarn, s.EnforcementMode())
	assert.Equal(t, []string{"trust:semi-trusted"}, s.DefaultAccess())
	assert.Equal(t, []string{"*"}, s.TrustCapabilities(datatypes.TrustOwner))
	assert.Empty(t, s.TrustCapabilities(datatypes.TrustUntrusted))
	assert.Nil(t, s.SessionAccess("main"), "unconfigured session has no override")
	assert.False(t, s.CronScriptsEnabled())
	assert.False(t, s.Sandboxed("main"))
	assert.False(t, s.IsGateway("main"))

	perMin, perHour := s.RateLimit()
	assert.Zero(t, perMin)
	assert.Zero(t, perHour)
}

func TestSessionOverrides(t *testing.T) {
	s := newTestService(t)

	require.NoError(t, s.Set("security.sessions.edge.access", []string{"trust:untrusted", "type:p2p"}))
	require.NoError(t, s.Set("security.sessions.edge.gateway", true))
	require.NoError(t, s.Set("security.sessions.edge.gatewayTargets", []string{"main"}))
	require.NoError(t, s.Set("security.sessions.edge.sandbox", true))
	require.NoError(t, s.Set("security.sessions.edge.capabilities", []string{"inject"}))

	assert.Equal(t, []string{"trust:untrusted", "type:p2p"}, s.SessionAccess("edge"))
	assert.True(t, s.IsGateway("edge"))
	assert.Equal(t, []string{"main"}, s.GatewayTargets("edge"))
	assert.True(t, s.Sandboxed("edge"))
	assert.Equal(t, []string{"inject"}, s.SessionCapabilities("edge"))
}

func TestSnapshotRedactsSensitiveKeys(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Set("providers.anthropic.apiKey", "sk-ant-secret-value"))
	require.NoError(t, s.Set("p2p.sharedSecret", "hunter2"))
	require.NoError(t, s.Set("daemon.cronScriptsEnabled", true))

	snap := s.Snapshot()
	assert.Equal(t, "[redacted]", snap["providers.anthropic.apiKey"])
	assert.Equal(t, "[redacted]", snap["p2p.sharedSecret"])
	assert.Equal(t, true, snap["daemon.cronScriptsEnabled"])
}

func TestRedactedValueMasksNestedMaps(t *testing.T) {
	s := newTestService(t)
	v := s.RedactedValue("providers", map[string]any{
		"apiKey": "raw",
		"model":  "llama3",
	})
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[redacted]", m["apiKey"])
	assert.Equal(t, "llama3", m["model"])
}

func TestHotReloadPicksUpExternalEdit(t *testing.T) {
	home := t.TempDir()
	s, err := Open(home, nil)
	require.NoError(t, err)
	defer s.Close()

	err = os.WriteFile(filepath.Join(home, FileName),
		[]byte(`{"daemon":{"cronScriptsEnabled":true}}`), 0o600)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.CronScriptsEnabled()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDeleteKey(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Set("webSearch.providerOrder", []string{"brave", "duckduckgo"}))
	assert.Equal(t, []string{"brave", "duckduckgo"}, s.WebSearchProviderOrder())

	require.NoError(t, s.Delete("webSearch.providerOrder"))
	assert.Nil(t, s.WebSearchProviderOrder())
}

func TestImportExportYAML(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Set("daemon.cronScriptsEnabled", true))

	doc := []byte("security:\n  enforcement: enforce\n")
	require.NoError(t, s.ImportYAML(doc))

	assert.Equal(t, security.ModeEnforce, s.EnforcementMode())
	assert.True(t, s.CronScriptsEnabled(), "import merges, it does not replace")

	out, err := s.ExportYAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "enforcement: enforce")
}
