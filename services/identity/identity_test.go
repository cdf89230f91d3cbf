// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := NewManager(st, nil)
	require.NoError(t, m.Init())
	return m
}

func TestInitIsIdempotent(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	defer st.Close()

	m := NewManager(st, nil)
	require.NoError(t, m.Init())
	first := m.Current().SignPub

	// A second manager over the same store loads, not regenerates.
	m2 := NewManager(st, nil)
	require.NoError(t, m2.Init())
	assert.Equal(t, first, m2.Current().SignPub)
}

func TestRotatePreservesLineage(t *testing.T) {
	m := newTestManager(t)
	old := m.Current()

	rotated, err := m.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, old.SignPub, rotated.SignPub)
	assert.Equal(t, old.SignPub, rotated.RotatedFrom)
	assert.Equal(t, old.Created, rotated.Created)
	assert.False(t, rotated.RotatedAt.IsZero())
}

func TestVaultKeyStableUntilRotation(t *testing.T) {
	m := newTestManager(t)
	k1, err := m.VaultKey()
	require.NoError(t, err)
	require.Len(t, k1, 32)

	k2, err := m.VaultKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	_, err = m.Rotate()
	require.NoError(t, err)
	k3, err := m.VaultKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	aliceCodec := NewCodec(alice)
	bobCodec := NewCodec(bob)

	env, err := aliceCodec.Seal(TypeInject, InjectPayload{
		Session: "main", Message: "hello from alice",
	}, bob.Current().EncryptPub)
	require.NoError(t, err)
	assert.Equal(t, WireVersion, env.V)
	assert.Equal(t, alice.Current().SignPub, env.From)
	assert.NotContains(t, env.Payload, "hello from alice")

	var payload InjectPayload
	require.NoError(t, bobCodec.Open(env, &payload))
	assert.Equal(t, "main", payload.Session)
	assert.Equal(t, "hello from alice", payload.Message)
}

func TestOpenRejectsReplay(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)
	bobCodec := NewCodec(bob)

	env, err := NewCodec(alice).Seal(TypeClaim, map[string]string{"k": "v"}, bob.Current().EncryptPub)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, bobCodec.Open(env, &out))

	err = bobCodec.Open(env, &out)
	assert.True(t, werr.IsKind(err, werr.ReplayDetected))
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)
	bobCodec := NewCodec(bob)

	env, err := NewCodec(alice).Seal(TypeAck, map[string]string{}, bob.Current().EncryptPub)
	require.NoError(t, err)
	env.Type = TypeInject

	var out map[string]string
	err = bobCodec.Open(env, &out)
	assert.True(t, werr.IsKind(err, werr.SignatureInvalid))
}

func TestOpenRejectsVersionMismatch(t *testing.T) {
	alice := newTestManager(t)
	bob := newTestManager(t)

	env, err := NewCodec(alice).Seal(TypeHello, HelloPayload{Versions: []int{1}}, bob.Current().EncryptPub)
	require.NoError(t, err)
	env.V = 99

	var out HelloPayload
	err = NewCodec(bob).Open(env, &out)
	assert.True(t, werr.IsKind(err, werr.VersionMismatch))
}

func TestNonceCacheBounded(t *testing.T) {
	c := NewNonceCache(2)
	assert.False(t, c.Observe("a", "n1"))
	assert.False(t, c.Observe("a", "n2"))
	assert.False(t, c.Observe("a", "n3"), "n1 evicted, n3 fresh")
	assert.False(t, c.Observe("a", "n1"), "evicted nonce is forgotten")
	assert.True(t, c.Observe("a", "n1"))
}
