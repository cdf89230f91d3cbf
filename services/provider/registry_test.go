// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/store"
)

// fakeClient is a scriptable in-memory client for registry tests.
type fakeClient struct {
	healthy bool
	reply   string
}

func (f *fakeClient) ListModels(ctx context.Context) ([]string, error) {
	return []string{"fake-1"}, nil
}

func (f *fakeClient) HealthCheck(ctx context.Context) bool {
	return f.healthy
}

func (f *fakeClient) Query(ctx context.Context, messages []datatypes.Message,
	opts QueryOptions, onChunk ChunkFunc) (*datatypes.QueryResult, error) {
	if onChunk != nil {
		onChunk(datatypes.StreamChunk{Type: datatypes.ChunkText, Text: f.reply})
		onChunk(datatypes.StreamChunk{Type: datatypes.ChunkComplete})
	}
	return &datatypes.QueryResult{Text: f.reply, FinishReason: "stop"}, nil
}

func fakeDescriptor(id string, client *fakeClient) Descriptor {
	return Descriptor{
		ID:           id,
		Name:         id,
		DefaultModel: id + "-default",
		Credential:   CredentialNone,
		New: func(cred Credential) (Client, error) {
			return client, nil
		},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	vault, err := NewVault(key)
	require.NoError(t, err)

	return NewRegistry(st, vault, nil), st
}

func TestVaultSealOpen(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	vault, err := NewVault(key)
	require.NoError(t, err)

	cred := Credential{Type: CredentialAPIKey, APIKey: "sk-ant-test123"}
	sealed, err := vault.Seal(cred)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-ant-test123")

	opened, err := vault.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, cred, opened)

	sealed[len(sealed)-1] ^= 0xff
	_, err = vault.Open(sealed)
	assert.Error(t, err)
}

func TestRegistryBindPersistsCredential(t *testing.T) {
	reg, st := newTestRegistry(t)
	reg.Register(fakeDescriptor("fake", &fakeClient{healthy: true}))

	err := reg.Bind("fake", Credential{Type: CredentialNone})
	require.NoError(t, err)

	_, ok := reg.Client("fake")
	assert.True(t, ok)

	ids, err := st.ListCredentialIDs()
	require.NoError(t, err)
	assert.Contains(t, ids, "fake")
}

func TestRegistryBindRejectsUnknownProvider(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Bind("nope", Credential{})
	assert.True(t, werr.IsKind(err, werr.NoProviders))
}

func TestRegistryBindValidatesCredential(t *testing.T) {
	reg, _ := newTestRegistry(t)
	desc := fakeDescriptor("picky", &fakeClient{healthy: true})
	desc.Validate = func(cred Credential) bool { return cred.APIKey == "good" }
	reg.Register(desc)

	err := reg.Bind("picky", Credential{APIKey: "bad"})
	assert.True(t, werr.IsKind(err, werr.TokenInvalid))

	err = reg.Bind("picky", Credential{APIKey: "good"})
	assert.NoError(t, err)
}

func TestRegistryLoadBindings(t *testing.T) {
	reg, st := newTestRegistry(t)
	reg.Register(fakeDescriptor("stored", &fakeClient{healthy: true}))
	require.NoError(t, reg.Bind("stored", Credential{Type: CredentialAPIKey, APIKey: "k"}))

	// A fresh registry over the same store rebuilds the client.
	fresh := NewRegistry(st, reg.vault, nil)
	fresh.Register(fakeDescriptor("stored", &fakeClient{healthy: true}))
	fresh.Register(fakeDescriptor("free", &fakeClient{healthy: true}))

	require.NoError(t, fresh.LoadBindings())
	_, ok := fresh.Client("stored")
	assert.True(t, ok, "credentialed provider rebinds from the store")
	_, ok = fresh.Client("free")
	assert.True(t, ok, "credential-less provider binds implicitly")
}

func TestRegistryResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit binding wins", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		reg.Register(fakeDescriptor("a", &fakeClient{healthy: true}))
		reg.Register(fakeDescriptor("b", &fakeClient{healthy: true}))
		require.NoError(t, reg.Bind("a", Credential{}))
		require.NoError(t, reg.Bind("b", Credential{}))

		sess := &datatypes.Session{Binding: &datatypes.ProviderBinding{Name: "b"}}
		_, id, err := reg.Resolve(ctx, sess)
		require.NoError(t, err)
		assert.Equal(t, "b", id)
	})

	t.Run("fallback when binding unbound", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		reg.Register(fakeDescriptor("down", &fakeClient{healthy: false}))
		reg.Register(fakeDescriptor("up", &fakeClient{healthy: true}))
		require.NoError(t, reg.Bind("down", Credential{}))
		require.NoError(t, reg.Bind("up", Credential{}))

		sess := &datatypes.Session{Binding: &datatypes.ProviderBinding{
			Name:     "missing",
			Fallback: []string{"down", "up"},
		}}
		_, id, err := reg.Resolve(ctx, sess)
		require.NoError(t, err)
		assert.Equal(t, "up", id, "skips the unhealthy fallback")
	})

	t.Run("globally active provider", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		reg.Register(fakeDescriptor("first", &fakeClient{healthy: true}))
		reg.Register(fakeDescriptor("second", &fakeClient{healthy: true}))
		require.NoError(t, reg.Bind("first", Credential{}))
		require.NoError(t, reg.Bind("second", Credential{}))

		_, id, err := reg.Resolve(ctx, &datatypes.Session{Name: "plain"})
		require.NoError(t, err)
		assert.Equal(t, "first", id, "registration order is the priority order")
	})

	t.Run("no providers", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		_, _, err := reg.Resolve(ctx, nil)
		assert.True(t, werr.IsKind(err, werr.NoProviders))
	})
}

func TestRegistryCheckHealth(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register(fakeDescriptor("up", &fakeClient{healthy: true}))
	reg.Register(fakeDescriptor("down", &fakeClient{healthy: false}))
	require.NoError(t, reg.Bind("up", Credential{}))
	require.NoError(t, reg.Bind("down", Credential{}))

	statuses := reg.CheckHealth(context.Background())
	require.Len(t, statuses, 2)
	assert.True(t, statuses["up"].Available)
	assert.False(t, statuses["down"].Available)
	assert.False(t, statuses["up"].LastChecked.IsZero())
}

func TestRegistryDefaultModel(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register(fakeDescriptor("a", &fakeClient{healthy: true}))

	assert.Equal(t, "a-default", reg.DefaultModel("a", nil))

	sess := &datatypes.Session{Binding: &datatypes.ProviderBinding{Name: "a", Model: "custom"}}
	assert.Equal(t, "custom", reg.DefaultModel("a", sess))
}

func TestRegistryFallbackChain(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sess := &datatypes.Session{Binding: &datatypes.ProviderBinding{
		Name:     "a",
		Fallback: []string{"b", "a", "c"},
	}}
	assert.Equal(t, []string{"a", "b", "c"}, reg.FallbackChain(sess, "a"))
}

func TestEchoClientStreams(t *testing.T) {
	client := &EchoClient{}
	var chunks []datatypes.StreamChunk
	result, err := client.Query(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hello wopr daemon"}},
		QueryOptions{},
		func(c datatypes.StreamChunk) { chunks = append(chunks, c) })
	require.NoError(t, err)
	assert.Equal(t, "hello wopr daemon", result.Text)
	require.NotEmpty(t, chunks)
	assert.Equal(t, datatypes.ChunkComplete, chunks[len(chunks)-1].Type)

	var joined string
	for _, c := range chunks[:len(chunks)-1] {
		assert.Equal(t, datatypes.ChunkText, c.Type)
		joined += c.Text
	}
	assert.Equal(t, result.Text, joined)
}
