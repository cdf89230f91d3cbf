// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/pkg/werr"
)

// SaveCronJob inserts or replaces a cron job. Names are unique across all
// jobs.
func (s *Store) SaveCronJob(job datatypes.CronJob) error {
	if job.Name == "" {
		return werr.New(werr.MissingField, "cron job name is required")
	}
	if job.Created.IsZero() {
		job.Created = time.Now()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixCron+job.Name, &job)
	})
}

// GetCronJob returns the named job or werr.JobNotFound.
func (s *Store) GetCronJob(name string) (*datatypes.CronJob, error) {
	var job datatypes.CronJob
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixCron+name, &job)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, werr.New(werr.JobNotFound, "cron job %q does not exist", name)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteCronJob removes the named job. Deleting a missing job returns
// werr.JobNotFound.
func (s *Store) DeleteCronJob(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(prefixCron + name)); errors.Is(err, badger.ErrKeyNotFound) {
			return werr.New(werr.JobNotFound, "cron job %q does not exist", name)
		}
		return txn.Delete([]byte(prefixCron + name))
	})
}

// ListCronJobs returns all jobs ordered by name.
func (s *Store) ListCronJobs() ([]datatypes.CronJob, error) {
	var jobs []datatypes.CronJob
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixCron)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job datatypes.CronJob
			if err := it.Item().Value(func(val []byte) error {
				return unmarshalInto(val, &job)
			}); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs, nil
}

// AppendCronHistory records one fire. The history is a bounded ring:
// when capacity is exceeded the oldest entries are evicted first.
func (s *Store) AppendCronHistory(entry datatypes.CronHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	seq := s.histSeq
	s.histSeq++
	s.mu.Unlock()

	key := fmt.Sprintf("%s%020d", prefixCronHist, seq)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, key, &entry); err != nil {
			return err
		}
		return s.evictOldest(txn, prefixCronHist, s.histCap)
	})
}

// ReadCronHistory returns history entries oldest first. A positive limit
// returns only the most recent limit entries.
func (s *Store) ReadCronHistory(limit int) ([]datatypes.CronHistoryEntry, error) {
	var entries []datatypes.CronHistoryEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixCronHist)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry datatypes.CronHistoryEntry
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

// evictOldest trims a sequence-keyed prefix down to cap entries.
func (s *Store) evictOldest(txn *badger.Txn, prefix string, capacity int) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for len(keys) > capacity {
		if err := txn.Delete(keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

// AppendAudit records a security audit event in the bounded audit ring.
func (s *Store) AppendAudit(event datatypes.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	seq := s.audSeq
	s.audSeq++
	s.mu.Unlock()

	key := fmt.Sprintf("%s%020d", prefixAudit, seq)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, key, &event); err != nil {
			return err
		}
		return s.evictOldest(txn, prefixAudit, s.histCap)
	})
}

// ReadAudit returns audit events oldest first, bounded by limit when
// positive.
func (s *Store) ReadAudit(limit int) ([]datatypes.AuditEvent, error) {
	var events []datatypes.AuditEvent
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixAudit)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var event datatypes.AuditEvent
			if err := it.Item().Value(func(val []byte) error {
				return unmarshalInto(val, &event)
			}); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
