// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"strings"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/pkg/werr"
)

// ValidatePattern checks an access pattern's syntax. Accepted forms:
//
//	"*"
//	"trust:<owner|trusted|semi-trusted|untrusted>"
//	"session:<name>"
//	"p2p:<hex-pubkey>"
//	"type:<source type>"
func ValidatePattern(pattern string) error {
	if pattern == "*" {
		return nil
	}
	scheme, rest, found := strings.Cut(pattern, ":")
	if !found || rest == "" {
		return werr.New(werr.InvalidPattern, "access pattern %q is malformed", pattern)
	}
	switch scheme {
	case "trust":
		switch datatypes.TrustLevel(rest) {
		case datatypes.TrustOwner, datatypes.TrustTrusted,
			datatypes.TrustSemiTrusted, datatypes.TrustUntrusted:
			return nil
		}
		return werr.New(werr.InvalidPattern, "unknown trust level %q", rest)
	case "session", "type":
		return nil
	case "p2p":
		for _, r := range rest {
			if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
				return werr.New(werr.InvalidPattern, "p2p pattern requires a hex public key")
			}
		}
		return nil
	default:
		return werr.New(werr.InvalidPattern, "unknown access pattern scheme %q", scheme)
	}
}

// MatchPattern reports whether a single pattern matches the source.
//
// trust: uses meets-or-exceeds semantics over the trust ordering.
// session: matches the source's gateway session identity.
// p2p: exact public key match. type: exact source type match.
func MatchPattern(pattern string, source datatypes.InjectionSource) bool {
	if pattern == "*" {
		return true
	}
	scheme, rest, found := strings.Cut(pattern, ":")
	if !found {
		return false
	}
	switch scheme {
	case "trust":
		return source.TrustLevel.Meets(datatypes.TrustLevel(rest))
	case "session":
		return source.Identity.GatewaySession == rest
	case "p2p":
		return source.Identity.PublicKey != "" &&
			strings.EqualFold(source.Identity.PublicKey, rest)
	case "type":
		return string(source.Type) == rest
	default:
		return false
	}
}

// MatchAny reports whether any pattern in the disjunctive list matches.
func MatchAny(patterns []string, source datatypes.InjectionSource) bool {
	for _, p := range patterns {
		if MatchPattern(p, source) {
			return true
		}
	}
	return false
}
