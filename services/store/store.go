// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store is the key-addressed persistent state layer for the daemon.
//
// All durable entities (sessions, conversation logs, cron jobs and history,
// peers, access grants, API keys, the daemon identity) live in a single
// embedded BadgerDB keyed by entity prefix:
//
//	session/<name>
//	conv/<name>/<seq>
//	cron/<name>
//	cronhist/<seq>
//	audit/<seq>
//	peer/<pubkey>
//	grant/<id>
//	apikey/<id>
//	identity
//
// Each logical write is a single Badger transaction. Nested transactions are
// rejected with werr.NestedTransaction.
//
// Use InMemoryConfig for tests: same code paths, no disk I/O.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/wopr/pkg/werr"
)

const (
	prefixSession  = "session/"
	prefixConv     = "conv/"
	prefixCron     = "cron/"
	prefixCronHist = "cronhist/"
	prefixAudit    = "audit/"
	prefixPeer     = "peer/"
	prefixGrant    = "grant/"
	prefixAPIKey   = "apikey/"
	keyIdentity    = "identity"
)

// DefaultHistoryCap bounds the cron history and audit rings.
const DefaultHistoryCap = 1000

// Config holds configuration for the store's BadgerDB instance.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// HistoryCap bounds the cron history and audit rings.
	// Zero means DefaultHistoryCap.
	HistoryCap int

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration
}

// DefaultConfig returns production defaults: durable writes, bounded
// history, five-minute GC.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		HistoryCap: DefaultHistoryCap,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns configuration for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true, HistoryCap: DefaultHistoryCap}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the repository for all persisted daemon state.
//
// Safe for concurrent use. Sequence counters for append-only logs are
// recovered from the highest existing key on open, so restarts preserve
// ordering.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	mu      sync.Mutex
	convSeq map[string]uint64
	histSeq uint64
	audSeq  uint64
	histCap int

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (or creates) the store with the given configuration.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	histCap := cfg.HistoryCap
	if histCap <= 0 {
		histCap = DefaultHistoryCap
	}

	s := &Store{
		db:      db,
		logger:  logger,
		convSeq: make(map[string]uint64),
		histCap: histCap,
	}
	if err := s.recoverSequences(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval)
	}
	return s, nil
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) gcLoop(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// recoverSequences scans the append-only prefixes so new writes continue
// the key ordering from before a restart.
func (s *Store) recoverSequences() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixConv)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, prefixConv)
			slash := strings.LastIndexByte(rest, '/')
			if slash < 0 {
				continue
			}
			name := rest[:slash]
			var seq uint64
			if _, err := fmt.Sscanf(rest[slash+1:], "%020d", &seq); err == nil {
				if seq >= s.convSeq[name] {
					s.convSeq[name] = seq + 1
				}
			}
		}

		s.histSeq = s.nextSeq(txn, prefixCronHist)
		s.audSeq = s.nextSeq(txn, prefixAudit)
		return nil
	})
}

func (s *Store) nextSeq(txn *badger.Txn, prefix string) uint64 {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
	defer it.Close()
	var next uint64
	for it.Rewind(); it.Valid(); it.Next() {
		var seq uint64
		if _, err := fmt.Sscanf(strings.TrimPrefix(string(it.Item().Key()), prefix), "%020d", &seq); err == nil {
			if seq >= next {
				next = seq + 1
			}
		}
	}
	return next
}

// =============================================================================
// Transaction guard
// =============================================================================

type txMarker struct{}

// WithTx runs fn inside a single write transaction. fn receives a derived
// context; calling WithTx again through that context is a programming error
// and returns werr.NestedTransaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txn *badger.Txn) error) error {
	if ctx.Value(txMarker{}) != nil {
		return werr.New(werr.NestedTransaction, "nested store transaction")
	}
	inner := context.WithValue(ctx, txMarker{}, true)
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(inner, txn)
	})
}

// InTx reports whether the context is already inside a store transaction.
func InTx(ctx context.Context) bool {
	return ctx.Value(txMarker{}) != nil
}

// =============================================================================
// JSON helpers
// =============================================================================

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// deletePrefix removes every key under the given prefix inside txn.
func deletePrefix(txn *badger.Txn, prefix string) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
