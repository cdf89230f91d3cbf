// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package security implements the layered trust and capability kernel.
//
// Every injection passes through the ordered decision pipeline in
// Kernel.EvaluateInjection (enforcement mode, trust derivation, access
// pattern match, gateway routing, capability baseline, audit). Tool calls
// issued mid-dispatch re-enter through RequireToolCapability, which
// resolves the caller's SecurityContext from the context table.
package security

import "strings"

// The enumerated capability set. Dotted names are hierarchical: holding a
// parent grants its children, except for the dangerous set below.
const (
	CapInject         = "inject"
	CapInjectTools    = "inject.tools"
	CapInjectNetwork  = "inject.network"
	CapInjectExec     = "inject.exec"
	CapSessionSpawn   = "session.spawn"
	CapSessionHistory = "session.history"
	CapCrossInject    = "cross.inject"
	CapCrossRead      = "cross.read"
	CapConfigRead     = "config.read"
	CapConfigWrite    = "config.write"
	CapMemoryRead     = "memory.read"
	CapMemoryWrite    = "memory.write"
	CapCronManage     = "cron.manage"
	CapEventEmit      = "event.emit"
	CapA2ACall        = "a2a.call"
	CapWildcard       = "*"
)

// AllCapabilities is the full enumerated list the wildcard expands to.
var AllCapabilities = []string{
	CapInject, CapInjectTools, CapInjectNetwork, CapInjectExec,
	CapSessionSpawn, CapSessionHistory,
	CapCrossInject, CapCrossRead,
	CapConfigRead, CapConfigWrite,
	CapMemoryRead, CapMemoryWrite,
	CapCronManage, CapEventEmit, CapA2ACall,
}

// dangerousCaps are never implied by their dotted parent: they must be
// granted explicitly or via the wildcard.
var dangerousCaps = map[string]bool{
	CapInjectNetwork: true,
	CapInjectExec:    true,
	CapEventEmit:     true,
}

// ExpandCapabilities resolves the wildcard into the full enumerated list.
// Other entries pass through unchanged, duplicates removed, input order
// preserved.
func ExpandCapabilities(caps []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range caps {
		if c == CapWildcard {
			for _, all := range AllCapabilities {
				add(all)
			}
			continue
		}
		add(c)
	}
	return out
}

// HasCapability reports whether the held set satisfies the required
// capability. The wildcard passes every check. A held parent "a" satisfies
// "a.b" unless "a.b" is in the dangerous set, which requires an explicit
// grant.
func HasCapability(held []string, required string) bool {
	for _, c := range held {
		if c == CapWildcard || c == required {
			return true
		}
	}
	if dangerousCaps[required] {
		return false
	}
	for _, c := range held {
		if strings.HasPrefix(required, c+".") {
			return true
		}
	}
	return false
}

// toolCapabilities maps each tool name to the capability its caller
// must hold. Tools without an entry are denied by default.
var toolCapabilities = map[string]string{
	"sessions_list":            CapSessionHistory,
	"sessions_history":         CapSessionHistory,
	"sessions_send":            CapCrossInject,
	"sessions_spawn":           CapSessionSpawn,
	"config_get":               CapConfigRead,
	"config_set":               CapConfigWrite,
	"config_provider_defaults": CapConfigWrite,
	"memory_read":              CapMemoryRead,
	"memory_search":            CapMemoryRead,
	"memory_get":               CapMemoryRead,
	"identity_get":             CapMemoryRead,
	"soul_get":                 CapMemoryRead,
	"memory_write":             CapMemoryWrite,
	"self_reflect":             CapMemoryWrite,
	"identity_update":          CapMemoryWrite,
	"soul_update":              CapMemoryWrite,
	"cron_add":                 CapCronManage,
	"cron_list":                CapCronManage,
	"cron_remove":              CapCronManage,
	"cron_history":             CapCronManage,
	"event_emit":               CapEventEmit,
	"event_list":               CapEventEmit,
	"notify":                   CapEventEmit,
	"http_fetch":               CapInjectNetwork,
	"exec_command":             CapInjectExec,
	"security_whoami":          CapInject,
	"security_check":           CapInject,
}

// introspectionTools bypass the capability mapping entirely: an agent may
// always ask what it is allowed to do.
var introspectionTools = map[string]bool{
	"security_whoami": true,
	"security_check":  true,
}

// ToolCapability returns the capability required for a tool. ok is false
// for unmapped tools, which are denied by default.
func ToolCapability(tool string) (string, bool) {
	cap, ok := toolCapabilities[tool]
	return cap, ok
}
