// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/pkg/werr"
)

// SavePeer inserts or updates a peer record keyed by signing public key.
func (s *Store) SavePeer(peer datatypes.Peer) error {
	if peer.PublicKey == "" {
		return werr.New(werr.MissingField, "peer public key is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixPeer+peer.PublicKey, &peer)
	})
}

// GetPeer returns the peer for a signing public key, or nil if unknown.
func (s *Store) GetPeer(publicKey string) (*datatypes.Peer, error) {
	var peer datatypes.Peer
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixPeer+publicKey, &peer)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

// ListPeers returns all peers ordered by public key.
func (s *Store) ListPeers() ([]datatypes.Peer, error) {
	var peers []datatypes.Peer
	err := s.listJSON(prefixPeer, func(val []byte) error {
		var p datatypes.Peer
		if err := unmarshalInto(val, &p); err != nil {
			return err
		}
		peers = append(peers, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PublicKey < peers[j].PublicKey })
	return peers, nil
}

// DeletePeer removes a peer record.
func (s *Store) DeletePeer(publicKey string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixPeer + publicKey))
	})
}

// SaveGrant inserts or updates an access grant.
func (s *Store) SaveGrant(grant datatypes.AccessGrant) error {
	if grant.ID == "" {
		return werr.New(werr.MissingField, "grant id is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixGrant+grant.ID, &grant)
	})
}

// GetGrant returns the grant for an id, or nil if unknown.
func (s *Store) GetGrant(id string) (*datatypes.AccessGrant, error) {
	var grant datatypes.AccessGrant
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixGrant+id, &grant)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// DeleteGrant removes an access grant.
func (s *Store) DeleteGrant(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixGrant + id))
	})
}

// SaveAPIKey persists a hashed API key record.
func (s *Store) SaveAPIKey(key datatypes.APIKey) error {
	if key.ID == "" {
		return werr.New(werr.MissingField, "api key id is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixAPIKey+key.ID, &key)
	})
}

// GetAPIKey returns the key record for an id, or nil if unknown.
func (s *Store) GetAPIKey(id string) (*datatypes.APIKey, error) {
	var key datatypes.APIKey
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixAPIKey+id, &key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys returns all key records ordered by creation time.
func (s *Store) ListAPIKeys() ([]datatypes.APIKey, error) {
	var keys []datatypes.APIKey
	err := s.listJSON(prefixAPIKey, func(val []byte) error {
		var k datatypes.APIKey
		if err := unmarshalInto(val, &k); err != nil {
			return err
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

// DeleteAPIKey removes a key record.
func (s *Store) DeleteAPIKey(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixAPIKey + id))
	})
}

func (s *Store) listJSON(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
