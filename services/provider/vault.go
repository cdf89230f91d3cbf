// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Vault seals provider credentials before they reach the store and opens
// them on load. The 32-byte key is derived from the daemon identity's
// encryption key so credentials at rest are useless without it.
type Vault struct {
	key [32]byte
}

// NewVault creates a vault from a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

// Seal encrypts a credential for storage.
func (v *Vault) Seal(cred Credential) ([]byte, error) {
	plain, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &v.key), nil
}

// Open decrypts a sealed credential.
func (v *Vault) Open(sealed []byte) (Credential, error) {
	var cred Credential
	if len(sealed) < 24 {
		return cred, errors.New("sealed credential is truncated")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &v.key)
	if !ok {
		return cred, errors.New("credential decryption failed")
	}
	if err := json.Unmarshal(plain, &cred); err != nil {
		return cred, err
	}
	return cred, nil
}
