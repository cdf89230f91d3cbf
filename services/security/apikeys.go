// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/pkg/werr"
)

const apiKeyPrefix = "wopr_"

// CreateAPIKey mints a new management API key. The raw secret is returned
// exactly once; only the salted SHA-256 hash is persisted.
func (k *Kernel) CreateAPIKey(name string, scope datatypes.APIKeyScope, instance string) (*datatypes.APIKey, string, error) {
	if name == "" {
		return nil, "", werr.New(werr.MissingField, "api key name is required")
	}
	switch scope {
	case datatypes.ScopeFull, datatypes.ScopeReadOnly:
	case datatypes.ScopeInstance:
		if instance == "" {
			return nil, "", werr.New(werr.InvalidScope, "instance scope requires a session name")
		}
	default:
		return nil, "", werr.New(werr.InvalidScope, "unknown api key scope %q", scope)
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", err
	}
	raw := apiKeyPrefix + hex.EncodeToString(secret)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", err
	}

	key := datatypes.APIKey{
		ID:           uuid.NewString(),
		Name:         name,
		Scope:        scope,
		Instance:     instance,
		Prefix:       raw[:len(apiKeyPrefix)+6],
		HashedSecret: hashSecret(raw, salt),
		Salt:         hex.EncodeToString(salt),
		CreatedAt:    time.Now(),
	}
	if err := k.store.SaveAPIKey(key); err != nil {
		return nil, "", err
	}
	return &key, raw, nil
}

// ValidateAPIKey checks a raw key against every stored hash in constant
// time and returns the matching record, or nil for unknown or revoked
// keys. LastUsedAt is updated on success.
func (k *Kernel) ValidateAPIKey(raw string) (*datatypes.APIKey, error) {
	if !strings.HasPrefix(raw, apiKeyPrefix) {
		return nil, nil
	}
	keys, err := k.store.ListAPIKeys()
	if err != nil {
		return nil, err
	}
	for i := range keys {
		key := &keys[i]
		salt, derr := hex.DecodeString(key.Salt)
		if derr != nil {
			continue
		}
		candidate := hashSecret(raw, salt)
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key.HashedSecret)) != 1 {
			continue
		}
		if key.Revoked {
			return nil, werr.New(werr.TokenRevoked, "api key has been revoked")
		}
		key.LastUsedAt = time.Now()
		if serr := k.store.SaveAPIKey(*key); serr != nil {
			k.logger.Warn("failed to update api key last-used timestamp", "error", serr)
		}
		return key, nil
	}
	return nil, nil
}

// RevokeAPIKey marks a key as revoked. Subsequent validation returns nil.
func (k *Kernel) RevokeAPIKey(id string) error {
	key, err := k.store.GetAPIKey(id)
	if err != nil {
		return err
	}
	if key == nil {
		return werr.New(werr.TokenInvalid, "api key does not exist")
	}
	key.Revoked = true
	return k.store.SaveAPIKey(*key)
}

func hashSecret(raw string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}
