// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/security"
)

// Typed accessors over the raw tree. These implement the policy
// interfaces the security kernel, cron scheduler, and tool surface
// consume, so a single *Service wires all three.

//go:embed defaults.yaml
var defaultsYAML []byte

type policyDefaults struct {
	Enforcement   string   `yaml:"enforcement"`
	DefaultAccess []string `yaml:"defaultAccess"`
	TrustLevels   map[string]struct {
		Capabilities []string `yaml:"capabilities"`
	} `yaml:"trustLevels"`
}

func loadPolicyDefaults() (policyDefaults, error) {
	var d policyDefaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		return d, fmt.Errorf("parse embedded policy defaults: %w", err)
	}
	return d, nil
}

// ====== security.Policy ======

// EnforcementMode returns off, warn, or enforce. Unrecognized values
// fall back to the baseline so a typo cannot silently disable checks.
func (s *Service) EnforcementMode() string {
	mode := s.getString("security.enforcement", s.defaults.Enforcement)
	switch mode {
	case security.ModeOff, security.ModeWarn, security.ModeEnforce:
		return mode
	}
	return s.defaults.Enforcement
}

// SessionAccess returns the per-session access pattern list, nil when
// the session has none configured.
func (s *Service) SessionAccess(session string) []string {
	return s.getStringSlice(sessionKey(session, "access"))
}

// DefaultAccess returns the global access pattern list.
func (s *Service) DefaultAccess() []string {
	if v := s.getStringSlice("security.defaults.access"); v != nil {
		return v
	}
	return s.defaults.DefaultAccess
}

// TrustCapabilities returns the default capability set for a trust level.
func (s *Service) TrustCapabilities(level datatypes.TrustLevel) []string {
	if v := s.getStringSlice("security.trustLevels." + string(level) + ".capabilities"); v != nil {
		return v
	}
	return s.defaults.TrustLevels[string(level)].Capabilities
}

// IsGateway reports whether the session is configured as a gateway.
func (s *Service) IsGateway(session string) bool {
	return s.getBool(sessionKey(session, "gateway"), false)
}

// GatewayTargets returns the sessions a gateway may forward to.
func (s *Service) GatewayTargets(gateway string) []string {
	return s.getStringSlice(sessionKey(gateway, "gatewayTargets"))
}

// RateLimit returns the per-source injection budgets. Zero disables.
func (s *Service) RateLimit() (perMinute, perHour int) {
	return s.getInt("security.rateLimit.perMinute", 0),
		s.getInt("security.rateLimit.perHour", 0)
}

// ====== cron.Policy / tools.SessionPolicy ======

// CronScriptsEnabled gates cron script execution. Off unless opted in.
func (s *Service) CronScriptsEnabled() bool {
	return s.getBool("daemon.cronScriptsEnabled", false)
}

// Sandboxed reports whether host-reaching tools for the session must be
// routed through the container bridge.
func (s *Service) Sandboxed(session string) bool {
	return s.getBool(sessionKey(session, "sandbox"), false)
}

// SessionPrompt returns the configured system prompt override for a
// session, empty when unset.
func (s *Service) SessionPrompt(session string) string {
	return s.getString(sessionKey(session, "prompt"), "")
}

// SessionCapabilities returns the configured capability grant for a
// session, nil when unset.
func (s *Service) SessionCapabilities(session string) []string {
	return s.getStringSlice(sessionKey(session, "capabilities"))
}

// ====== Provider and P2P slices ======

// ProviderModel returns the configured model override for a provider.
func (s *Service) ProviderModel(id string) string {
	return s.getString("providers."+id+".model", "")
}

// ProviderReasoningEffort returns the configured reasoning effort for a
// provider, empty when unset.
func (s *Service) ProviderReasoningEffort(id string) string {
	return s.getString("providers."+id+".reasoningEffort", "")
}

// WebSearchProviderOrder returns the preferred search backend order.
func (s *Service) WebSearchProviderOrder() []string {
	return s.getStringSlice("webSearch.providerOrder")
}

// P2PDiscoveryTrust returns the trust level assigned to peers that
// arrive via discovery rather than explicit pairing.
func (s *Service) P2PDiscoveryTrust() datatypes.TrustLevel {
	return datatypes.TrustLevel(s.getString("security.p2p.discoveryTrust", string(datatypes.TrustUntrusted)))
}

// P2PAutoAccept reports whether inbound peer hellos are accepted
// without operator confirmation.
func (s *Service) P2PAutoAccept() bool {
	return s.getBool("security.p2p.autoAccept", false)
}

// P2PKeyRotationGraceHours returns how long a rotated-away signing key
// remains honoured.
func (s *Service) P2PKeyRotationGraceHours() int {
	return s.getInt("security.p2p.keyRotationGraceHours", 24)
}

// P2PMaxPayloadSize returns the envelope payload ceiling in bytes.
func (s *Service) P2PMaxPayloadSize() int {
	return s.getInt("security.p2p.maxPayloadSize", 64*1024)
}

// ====== Import / export ======

// ExportYAML renders the full tree as YAML, unredacted. For operator
// backup through the CLI, never the HTTP surface.
func (s *Service) ExportYAML() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return yaml.Marshal(s.values)
}

// ImportYAML merges a YAML document over the current tree and persists.
func (s *Service) ImportYAML(data []byte) error {
	incoming := make(map[string]any)
	if err := yaml.Unmarshal(data, &incoming); err != nil {
		return fmt.Errorf("parse config import: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merge(s.values, incoming)
	return s.saveLocked()
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				merge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// ====== Scalar coercion ======

func sessionKey(session, field string) string {
	return "security.sessions." + session + "." + field
}

func (s *Service) getString(key, fallback string) string {
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	if str, ok := v.(string); ok && str != "" {
		return str
	}
	return fallback
}

func (s *Service) getBool(key string, fallback bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return fallback
}

func (s *Service) getInt(key string, fallback int) int {
	v, ok := s.Get(key)
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return fallback
}

// getStringSlice returns nil when the key is unset, distinguishing
// "not configured" from "configured empty". Env overrides are
// comma-separated.
func (s *Service) getStringSlice(key string) []string {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return nil
}
