// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/pkg/werr"
)

// CreateSession creates the named session if it does not exist and returns
// it. Creation is idempotent on name: the first creator's ID and creation
// timestamp are preserved across later calls.
func (s *Store) CreateSession(name string) (*datatypes.Session, error) {
	if name == "" {
		return nil, werr.New(werr.MissingField, "session name is required")
	}
	var sess datatypes.Session
	err := s.db.Update(func(txn *badger.Txn) error {
		err := getJSON(txn, prefixSession+name, &sess)
		if err == nil {
			return nil // already exists, keep original record
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		sess = datatypes.Session{
			Name:    name,
			ID:      uuid.NewString(),
			Created: time.Now(),
		}
		return setJSON(txn, prefixSession+name, &sess)
	})
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", name, err)
	}
	return &sess, nil
}

// GetSession returns the named session or werr.SessionNotFound.
func (s *Store) GetSession(name string) (*datatypes.Session, error) {
	var sess datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixSession+name, &sess)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, werr.New(werr.SessionNotFound, "session %q does not exist", name)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession persists an updated session record. The original creation
// timestamp and ID are preserved even if the caller zeroed them.
func (s *Store) SaveSession(sess *datatypes.Session) error {
	if sess == nil || sess.Name == "" {
		return werr.New(werr.MissingField, "session name is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var existing datatypes.Session
		if err := getJSON(txn, prefixSession+sess.Name, &existing); err == nil {
			if sess.ID == "" {
				sess.ID = existing.ID
			}
			if sess.Created.IsZero() {
				sess.Created = existing.Created
			}
		} else if sess.ID == "" {
			sess.ID = uuid.NewString()
			sess.Created = time.Now()
		}
		return setJSON(txn, prefixSession+sess.Name, sess)
	})
}

// ListSessions returns all sessions ordered by name.
func (s *Store) ListSessions() ([]datatypes.Session, error) {
	var sessions []datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixSession)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var sess datatypes.Session
			if err := it.Item().Value(func(val []byte) error {
				return unmarshalInto(val, &sess)
			}); err != nil {
				return err
			}
			sessions = append(sessions, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	return sessions, nil
}

// DeleteSession removes the session, its provider binding, and its whole
// conversation log in one transaction. The final log is returned so the
// caller can attach it to the session:destroy event.
func (s *Store) DeleteSession(name string) ([]datatypes.ConversationEntry, error) {
	finalLog, err := s.ReadConversation(name, 0)
	if err != nil {
		return nil, err
	}
	err = s.WithTx(context.Background(), func(_ context.Context, txn *badger.Txn) error {
		if _, gerr := txn.Get([]byte(prefixSession + name)); errors.Is(gerr, badger.ErrKeyNotFound) {
			return werr.New(werr.SessionNotFound, "session %q does not exist", name)
		}
		if derr := deletePrefix(txn, prefixConv+name+"/"); derr != nil {
			return derr
		}
		return txn.Delete([]byte(prefixSession + name))
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.convSeq, name)
	s.mu.Unlock()
	return finalLog, nil
}
