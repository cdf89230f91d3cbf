// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
)

// WireVersion is the envelope format version this daemon speaks.
const WireVersion = 1

// Envelope message types.
const (
	TypeHello       = "hello"
	TypeHelloAck    = "hello-ack"
	TypeInject      = "inject"
	TypeClaim       = "claim"
	TypeAck         = "ack"
	TypeReject      = "reject"
	TypeKeyRotation = "key-rotation"
)

// Envelope is one signed peer-to-peer message. The payload is encrypted
// end to end with an ephemeral X25519 key for forward secrecy; Sig
// covers everything except itself.
type Envelope struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	From  string `json:"from"`
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
	Sig   string `json:"sig,omitempty"`
	// EphemeralKey is the sender's one-time X25519 public key, hex.
	EphemeralKey string `json:"ephemeral_key,omitempty"`
	// Payload is the boxed ciphertext, base64. Nonce-prefixed.
	Payload string `json:"payload,omitempty"`
}

// signable returns the byte string the signature covers. Field order is
// fixed so both ends agree.
func (e *Envelope) signable() []byte {
	return []byte(strconv.Itoa(e.V) + "|" + e.Type + "|" + e.From + "|" +
		e.Nonce + "|" + strconv.FormatInt(e.TS, 10) + "|" + e.EphemeralKey + "|" + e.Payload)
}

// NonceCache is the bounded replay guard keyed by (from, nonce).
type NonceCache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func NewNonceCache(capacity int) *NonceCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &NonceCache{seen: make(map[string]struct{}), cap: capacity}
}

// Observe records (from, nonce) and reports whether it was already seen.
func (c *NonceCache) Observe(from, nonce string) bool {
	key := from + "/" + nonce
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[key]; dup {
		return true
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	if len(c.order) > c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	return false
}

// Codec seals and opens envelopes for one daemon identity.
type Codec struct {
	manager *Manager
	nonces  *NonceCache
}

func NewCodec(m *Manager) *Codec {
	return &Codec{manager: m, nonces: NewNonceCache(0)}
}

// Seal builds a signed envelope carrying payload encrypted to the
// peer's X25519 public key. A fresh ephemeral key per message gives
// forward secrecy.
func (c *Codec) Seal(msgType string, payload any, peerEncryptPub string) (*Envelope, error) {
	id := c.manager.Current()
	if id == nil {
		return nil, fmt.Errorf("identity is not initialized")
	}
	return SealAs(id, msgType, payload, peerEncryptPub)
}

// SealAs builds an envelope signed by the given identity. Rotation
// announcements use it to sign with the outgoing key after the manager
// has already moved on to the new one.
func SealAs(id *datatypes.Identity, msgType string, payload any, peerEncryptPub string) (*Envelope, error) {
	rawSign, err := hex.DecodeString(id.SignPriv)
	if err != nil || len(rawSign) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key")
	}
	signKey := ed25519.PrivateKey(rawSign)
	peerKey, err := decodeKey32(peerEncryptPub)
	if err != nil {
		return nil, fmt.Errorf("invalid peer encryption key: %w", err)
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var boxNonce [24]byte
	if _, err := rand.Read(boxNonce[:]); err != nil {
		return nil, err
	}
	sealed := box.Seal(boxNonce[:], plain, &boxNonce, peerKey, ephPriv)

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, err
	}

	env := &Envelope{
		V:            WireVersion,
		Type:         msgType,
		From:         id.SignPub,
		Nonce:        hex.EncodeToString(nonceBytes),
		TS:           time.Now().UnixMilli(),
		EphemeralKey: hex.EncodeToString(ephPub[:]),
		Payload:      base64.StdEncoding.EncodeToString(sealed),
	}
	env.Sig = hex.EncodeToString(ed25519.Sign(signKey, env.signable()))
	return env, nil
}

// Open verifies and decrypts an inbound envelope into out. Failure
// kinds: version_mismatch, signature_invalid, replay_detected.
func (c *Codec) Open(env *Envelope, out any) error {
	if env.V != WireVersion {
		return werr.New(werr.VersionMismatch,
			"unsupported wire version %d (want %d)", env.V, WireVersion)
	}

	fromKey, err := hex.DecodeString(env.From)
	if err != nil || len(fromKey) != ed25519.PublicKeySize {
		return werr.New(werr.SignatureInvalid, "malformed sender key")
	}
	sig, err := hex.DecodeString(env.Sig)
	if err != nil || !ed25519.Verify(ed25519.PublicKey(fromKey), env.signable(), sig) {
		return werr.New(werr.SignatureInvalid, "envelope signature verification failed")
	}

	if c.nonces.Observe(env.From, env.Nonce) {
		return werr.New(werr.ReplayDetected, "duplicate nonce from peer")
	}

	if env.Payload == "" {
		return nil
	}
	_, myPriv, err := c.manager.EncryptionKeys()
	if err != nil {
		return err
	}
	ephKey, err := decodeKey32(env.EphemeralKey)
	if err != nil {
		return werr.New(werr.SignatureInvalid, "malformed ephemeral key")
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil || len(sealed) < 24 {
		return werr.New(werr.SignatureInvalid, "malformed payload")
	}
	var boxNonce [24]byte
	copy(boxNonce[:], sealed[:24])
	plain, ok := box.Open(nil, sealed[24:], &boxNonce, ephKey, myPriv)
	if !ok {
		return werr.New(werr.SignatureInvalid, "payload decryption failed")
	}
	return json.Unmarshal(plain, out)
}

// HelloPayload negotiates versions and advertises the encryption key.
type HelloPayload struct {
	Versions   []int  `json:"versions"`
	EncryptPub string `json:"encrypt_pub"`
	Name       string `json:"name,omitempty"`
}

// InjectPayload carries a P2P injection request.
type InjectPayload struct {
	Session string `json:"session"`
	Message string `json:"message"`
	GrantID string `json:"grant_id,omitempty"`
}

// KeyRotationPayload announces a new signing key, signed by the old one.
type KeyRotationPayload struct {
	NewSignPub    string `json:"new_sign_pub"`
	NewEncryptPub string `json:"new_encrypt_pub"`
	RotatedAt     int64  `json:"rotated_at"`
}
