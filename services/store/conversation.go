// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/wopr/services/datatypes"
)

func unmarshalInto(val []byte, v any) error {
	return json.Unmarshal(val, v)
}

// AppendConversation appends one entry to the session's log. The session is
// auto-created if absent. Entries are keyed by a per-session monotonic
// sequence so iteration order is append order.
func (s *Store) AppendConversation(name string, entry datatypes.ConversationEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	seq := s.convSeq[name]
	s.convSeq[name] = seq + 1
	s.mu.Unlock()

	key := fmt.Sprintf("%s%s/%020d", prefixConv, name, seq)
	return s.db.Update(func(txn *badger.Txn) error {
		// Auto-create the session record so a log never dangles.
		if _, err := txn.Get([]byte(prefixSession + name)); errors.Is(err, badger.ErrKeyNotFound) {
			sess := datatypes.Session{Name: name, ID: uuid.NewString(), Created: time.Now()}
			if serr := setJSON(txn, prefixSession+name, &sess); serr != nil {
				return serr
			}
		}
		return setJSON(txn, key, &entry)
	})
}

// ReadConversation returns the session's log in append order. A positive
// limit returns only the last limit entries, order preserved. Limit zero
// returns everything. A missing session yields an empty log, not an error.
func (s *Store) ReadConversation(name string, limit int) ([]datatypes.ConversationEntry, error) {
	var entries []datatypes.ConversationEntry
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixConv + name + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry datatypes.ConversationEntry
			if err := it.Item().Value(func(val []byte) error {
				return unmarshalInto(val, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
