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

	"github.com/AleutianAI/wopr/services/datatypes"
)

// GetIdentity returns the daemon identity, or nil if not yet initialized.
func (s *Store) GetIdentity() (*datatypes.Identity, error) {
	var id datatypes.Identity
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyIdentity, &id)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// SaveIdentity persists the daemon identity.
func (s *Store) SaveIdentity(id datatypes.Identity) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, keyIdentity, &id)
	})
}
