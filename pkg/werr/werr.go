// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package werr defines the daemon-wide error taxonomy.
//
// Every error that crosses a subsystem boundary carries a machine-readable
// Kind plus a human message. The HTTP layer maps kinds to stable status codes
// via HTTPStatus; internal callers branch on KindOf.
//
// Usage:
//
//	if sess == nil {
//	    return werr.New(werr.SessionNotFound, "session %q does not exist", name)
//	}
//
//	if werr.KindOf(err) == werr.Cancelled { ... }
package werr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable machine-readable error code.
type Kind string

// Validation kinds.
const (
	MissingField    Kind = "missing_field"
	InvalidScope    Kind = "invalid_scope"
	InvalidPattern  Kind = "invalid_pattern"
	InvalidUUID     Kind = "invalid_uuid"
	InvalidSchedule Kind = "invalid_schedule"
)

// Auth kinds.
const (
	Unauthenticated Kind = "unauthenticated"
	TokenInvalid    Kind = "token_invalid"
	TokenRevoked    Kind = "token_revoked"
	KeyExpired      Kind = "key_expired"
)

// Authorization kinds.
const (
	TrustInsufficient Kind = "trust_insufficient"
	AccessDenied      Kind = "access_denied"
	CapabilityDenied  Kind = "capability_denied"
	GatewayRequired   Kind = "gateway_required"
	ScriptsDisabled   Kind = "scripts_disabled"
)

// Lifecycle kinds.
const (
	SessionNotFound      Kind = "session_not_found"
	SessionAlreadyExists Kind = "session_already_exists"
	JobNotFound          Kind = "job_not_found"
	ModelNotFound        Kind = "model_not_found"
)

// Runtime kinds.
const (
	ProviderUnavailable Kind = "provider_unavailable"
	ProviderTimeout     Kind = "provider_timeout"
	Cancelled           Kind = "cancelled"
	NestedTransaction   Kind = "nested_transaction"
	RateLimited         Kind = "rate_limited"
	NoProviders         Kind = "no_providers"
	GrantExpired        Kind = "grant_expired"
)

// Integrity kinds.
const (
	ReplayDetected   Kind = "replay_detected"
	SignatureInvalid Kind = "signature_invalid"
	VersionMismatch  Kind = "version_mismatch"
)

// Internal is the catch-all kind for errors that carry no explicit Kind.
const Internal Kind = "internal"

// Error is the concrete error type used across the daemon.
type Error struct {
	Kind    Kind
	Message string
	// Wrapped is the underlying cause, if any.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is match on kind sentinel values created with New.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind and message.
// A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// KindOf extracts the Kind from an error chain. Errors that do not carry a
// *werr.Error anywhere in the chain report Internal.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return Internal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to the stable HTTP status used by the
// management surface. Unknown kinds map to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case MissingField, InvalidScope, InvalidPattern, InvalidUUID, InvalidSchedule:
		return http.StatusBadRequest
	case Unauthenticated, TokenInvalid, TokenRevoked, KeyExpired:
		return http.StatusUnauthorized
	case TrustInsufficient, AccessDenied, CapabilityDenied, GatewayRequired, ScriptsDisabled:
		return http.StatusForbidden
	case SessionNotFound, JobNotFound, ModelNotFound:
		return http.StatusNotFound
	case SessionAlreadyExists:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case ProviderTimeout:
		return http.StatusGatewayTimeout
	case ProviderUnavailable, NoProviders:
		return http.StatusServiceUnavailable
	case Cancelled:
		return http.StatusRequestTimeout
	case ReplayDetected, VersionMismatch:
		return http.StatusConflict
	case SignatureInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
