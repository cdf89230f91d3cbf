// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package identity manages the daemon keypair and the signed, encrypted
// peer-to-peer wire format.
//
// Each daemon holds one identity: an Ed25519 signing pair and an X25519
// encryption pair. The identity is created once, rotated on demand, and
// never deleted.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/store"
)

// Manager owns the daemon identity lifecycle.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	current *datatypes.Identity
}

func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger}
}

// Init loads the persisted identity or generates one on first run.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.store.GetIdentity()
	if err != nil {
		return err
	}
	if id != nil {
		m.current = id
		return nil
	}

	fresh, err := generate()
	if err != nil {
		return err
	}
	if err := m.store.SaveIdentity(*fresh); err != nil {
		return err
	}
	m.current = fresh
	m.logger.Info("generated daemon identity", "sign_pub", fresh.SignPub)
	return nil
}

// Current returns the active identity.
func (m *Manager) Current() *datatypes.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Rotate replaces the keypair, recording the previous signing key so
// peers can honour a rotation grace window.
func (m *Manager) Rotate() (*datatypes.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, fmt.Errorf("identity is not initialized")
	}
	fresh, err := generate()
	if err != nil {
		return nil, err
	}
	fresh.Created = m.current.Created
	fresh.RotatedFrom = m.current.SignPub
	fresh.RotatedAt = time.Now()

	if err := m.store.SaveIdentity(*fresh); err != nil {
		return nil, err
	}
	m.current = fresh
	m.logger.Info("rotated daemon identity",
		"sign_pub", fresh.SignPub, "rotated_from", fresh.RotatedFrom)
	return fresh, nil
}

// VaultKey derives the 32-byte credential vault key from the encryption
// private key. Stable across restarts, changes on rotation.
func (m *Manager) VaultKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, fmt.Errorf("identity is not initialized")
	}
	priv, err := hex.DecodeString(m.current.EncryptPriv)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(priv)
	return sum[:], nil
}

// SigningKey returns the Ed25519 private key for envelope signatures.
func (m *Manager) SigningKey() (ed25519.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, fmt.Errorf("identity is not initialized")
	}
	raw, err := hex.DecodeString(m.current.SignPriv)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key has wrong length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// EncryptionKeys returns the X25519 pair for payload encryption.
func (m *Manager) EncryptionKeys() (pub, priv *[32]byte, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, nil, fmt.Errorf("identity is not initialized")
	}
	pub, err = decodeKey32(m.current.EncryptPub)
	if err != nil {
		return nil, nil, err
	}
	priv, err = decodeKey32(m.current.EncryptPriv)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func generate() (*datatypes.Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &datatypes.Identity{
		SignPub:     hex.EncodeToString(signPub),
		SignPriv:    hex.EncodeToString(signPriv),
		EncryptPub:  hex.EncodeToString(encPub[:]),
		EncryptPriv: hex.EncodeToString(encPriv[:]),
		Created:     time.Now(),
	}, nil
}

func decodeKey32(s string) (*[32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key has wrong length %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
