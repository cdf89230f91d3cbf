// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/pkg/werr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateSession_IdempotentOnName(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateSession("alpha")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	time.Sleep(2 * time.Millisecond)
	second, err := s.CreateSession("alpha")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "ID must survive re-creation")
	assert.Equal(t, first.Created.UnixNano(), second.Created.UnixNano(),
		"creation timestamp must be preserved")
}

func TestSaveSession_PreservesCreated(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateSession("alpha")
	require.NoError(t, err)

	update := &datatypes.Session{
		Name:    "alpha",
		Context: "you are a test harness",
		Binding: &datatypes.ProviderBinding{Name: "anthropic", Fallback: []string{"ollama"}},
	}
	require.NoError(t, s.SaveSession(update))

	got, err := s.GetSession("alpha")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.Created.UnixNano(), got.Created.UnixNano())
	assert.Equal(t, "you are a test harness", got.Context)
	require.NotNil(t, got.Binding)
	assert.Equal(t, "anthropic", got.Binding.Name)
}

func TestConversation_AppendOrderAndTail(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		err := s.AppendConversation("alpha", datatypes.ConversationEntry{
			From:    "user",
			Content: fmt.Sprintf("msg-%d", i),
			Type:    datatypes.EntryMessage,
		})
		require.NoError(t, err)
	}

	t.Run("full log preserves order", func(t *testing.T) {
		log, err := s.ReadConversation("alpha", 0)
		require.NoError(t, err)
		require.Len(t, log, 5)
		for i, e := range log {
			assert.Equal(t, fmt.Sprintf("msg-%d", i), e.Content)
		}
		for i := 1; i < len(log); i++ {
			assert.False(t, log[i].Timestamp.Before(log[i-1].Timestamp))
		}
	})

	t.Run("tail limit returns last n in order", func(t *testing.T) {
		log, err := s.ReadConversation("alpha", 2)
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, "msg-3", log[0].Content)
		assert.Equal(t, "msg-4", log[1].Content)
	})

	t.Run("append auto-creates the session", func(t *testing.T) {
		_, err := s.GetSession("alpha")
		assert.NoError(t, err)
	})

	t.Run("missing session reads empty", func(t *testing.T) {
		log, err := s.ReadConversation("nope", 0)
		require.NoError(t, err)
		assert.Empty(t, log)
	})
}

func TestDeleteSession_CascadesLog(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendConversation("alpha", datatypes.ConversationEntry{
		From: "user", Content: "hello", Type: datatypes.EntryMessage,
	}))

	finalLog, err := s.DeleteSession("alpha")
	require.NoError(t, err)
	require.Len(t, finalLog, 1)
	assert.Equal(t, "hello", finalLog[0].Content)

	_, err = s.GetSession("alpha")
	assert.Equal(t, werr.SessionNotFound, werr.KindOf(err))

	log, err := s.ReadConversation("alpha", 0)
	require.NoError(t, err)
	assert.Empty(t, log)

	_, err = s.DeleteSession("alpha")
	assert.Equal(t, werr.SessionNotFound, werr.KindOf(err))
}

func TestConversation_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.AppendConversation("alpha", datatypes.ConversationEntry{
		From: "user", Content: "before restart", Type: datatypes.EntryMessage,
	}))
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.AppendConversation("alpha", datatypes.ConversationEntry{
		From: "user", Content: "after restart", Type: datatypes.EntryMessage,
	}))

	log, err := s2.ReadConversation("alpha", 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "before restart", log[0].Content)
	assert.Equal(t, "after restart", log[1].Content)
}

func TestCronHistory_BoundedRing(t *testing.T) {
	s, err := Open(Config{InMemory: true, HistoryCap: 3})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendCronHistory(datatypes.CronHistoryEntry{
			Name:    fmt.Sprintf("job-%d", i),
			Session: "alpha",
			Success: true,
		}))
	}

	entries, err := s.ReadCronHistory(0)
	require.NoError(t, err)
	require.Len(t, entries, 3, "oldest entries must be evicted first")
	assert.Equal(t, "job-2", entries[0].Name)
	assert.Equal(t, "job-4", entries[2].Name)
}

func TestCronJobs_CRUD(t *testing.T) {
	s := newTestStore(t)

	job := datatypes.CronJob{
		Name:     "nightly",
		Schedule: "0 3 * * *",
		Session:  "alpha",
		Message:  "summarize the day",
	}
	require.NoError(t, s.SaveCronJob(job))

	got, err := s.GetCronJob("nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", got.Schedule)
	assert.False(t, got.Created.IsZero())

	jobs, err := s.ListCronJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteCronJob("nightly"))
	err = s.DeleteCronJob("nightly")
	assert.Equal(t, werr.JobNotFound, werr.KindOf(err))
}

func TestWithTx_RejectsNesting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(inner context.Context, txn *badger.Txn) error {
		assert.True(t, InTx(inner))
		nested := s.WithTx(inner, func(context.Context, *badger.Txn) error { return nil })
		assert.Equal(t, werr.NestedTransaction, werr.KindOf(nested))
		return nil
	})
	require.NoError(t, err)
}

func TestAPIKeys_CRUD(t *testing.T) {
	s := newTestStore(t)

	key := datatypes.APIKey{
		ID:           "key-1",
		Name:         "ci",
		Scope:        datatypes.ScopeFull,
		Prefix:       "wopr_abc",
		HashedSecret: "deadbeef",
		Salt:         "0102",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.SaveAPIKey(key))

	got, err := s.GetAPIKey("key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ci", got.Name)

	keys, err := s.ListAPIKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, s.DeleteAPIKey("key-1"))
	got, err = s.GetAPIKey("key-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
