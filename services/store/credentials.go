// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

const prefixCredential = "cred/"

// SaveCredential stores an already-encrypted credential blob for a
// provider id. The store never sees plaintext credentials.
func (s *Store) SaveCredential(providerID string, sealed []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixCredential+providerID), sealed)
	})
}

// GetCredential returns the sealed credential blob, or nil if none.
func (s *Store) GetCredential(providerID string) ([]byte, error) {
	var sealed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixCredential + providerID))
		if err != nil {
			return err
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// DeleteCredential removes a provider's sealed credential.
func (s *Store) DeleteCredential(providerID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixCredential + providerID))
	})
}

// ListCredentialIDs returns the provider ids that have stored credentials.
func (s *Store) ListCredentialIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixCredential)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key())[len(prefixCredential):])
		}
		return nil
	})
	return ids, err
}
