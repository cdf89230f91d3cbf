// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config is the daemon's dot-pathed configuration store.
//
// Values live in config.json under WOPR_HOME and hot-reload when the
// file changes on disk. Individual keys can be overridden through the
// environment (security.enforcement becomes WOPR_SECURITY_ENFORCEMENT).
// Sensitive values are redacted on any read that leaves the process.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/wopr/pkg/werr"
)

const (
	// FileName is the config file under WOPR_HOME.
	FileName = "config.json"

	// reloadDebounce batches rapid editor write events into one reload.
	reloadDebounce = 100 * time.Millisecond

	// selfWriteWindow suppresses reloads triggered by our own saves.
	selfWriteWindow = 500 * time.Millisecond
)

// sensitiveKey matches config keys whose values must never be echoed
// back through the management surface.
var sensitiveKey = regexp.MustCompile(`(?i)(apikey|api_key|secret|token|credential)`)

// Home resolves the daemon's state directory: WOPR_HOME, else $HOME/wopr.
func Home() string {
	if h := os.Getenv("WOPR_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "wopr"
	}
	return filepath.Join(home, "wopr")
}

// Service holds the live configuration tree. Safe for concurrent use.
type Service struct {
	home   string
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	values   map[string]any
	defaults policyDefaults

	watcher   *fsnotify.Watcher
	lastSave  atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

// Open loads (or creates) the configuration under home. An empty home
// resolves via Home().
func Open(home string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if home == "" {
		home = Home()
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("create config home: %w", err)
	}

	s := &Service{
		home:   home,
		path:   filepath.Join(home, FileName),
		logger: logger,
		values: make(map[string]any),
		done:   make(chan struct{}),
	}

	defaults, err := loadPolicyDefaults()
	if err != nil {
		return nil, err
	}
	s.defaults = defaults

	if err := s.reload(); err != nil {
		return nil, err
	}
	s.startWatcher()
	return s, nil
}

// Close stops the file watcher.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}

// HomeDir returns the resolved WOPR_HOME.
func (s *Service) HomeDir() string { return s.home }

// SessionsDir returns the root directory holding per-session state
// (memory files live under <sessions>/<name>/memory).
func (s *Service) SessionsDir() string { return filepath.Join(s.home, "sessions") }

// ====== Read path ======

// Get returns the value at a dot-separated key. Environment overrides
// win over the file; they are always strings.
func (s *Service) Get(key string) (any, bool) {
	if env, ok := envOverride(key); ok {
		return env, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.values, strings.Split(key, "."))
}

// Snapshot returns the full flattened tree with sensitive values
// redacted. For the management surface.
func (s *Service) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any)
	flatten("", s.values, out)
	for k, v := range out {
		out[k] = s.RedactedValue(k, v)
	}
	return out
}

// RedactedValue masks the value when the key looks sensitive. Nested
// maps are masked per child key.
func (s *Service) RedactedValue(key string, value any) any {
	if sensitiveKey.MatchString(key) {
		return "[redacted]"
	}
	if m, ok := value.(map[string]any); ok {
		masked := make(map[string]any, len(m))
		for k, v := range m {
			masked[k] = s.RedactedValue(k, v)
		}
		return masked
	}
	return value
}

// ====== Write path ======

// Set stores value at a dot-separated key and persists immediately.
func (s *Service) Set(key string, value any) error {
	if key == "" {
		return werr.New(werr.MissingField, "config key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := insert(s.values, strings.Split(key, "."), value); err != nil {
		return err
	}
	return s.saveLocked()
}

// Delete removes a key and persists. Deleting a missing key is a no-op.
func (s *Service) Delete(key string) error {
	if key == "" {
		return werr.New(werr.MissingField, "config key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	remove(s.values, strings.Split(key, "."))
	return s.saveLocked()
}

func (s *Service) saveLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.lastSave.Store(time.Now().UnixNano())
	return nil
}

// ====== Reload ======

func (s *Service) reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	fresh := make(map[string]any)
	if err := json.Unmarshal(data, &fresh); err != nil {
		return fmt.Errorf("parse %s: %w", FileName, err)
	}
	s.mu.Lock()
	s.values = fresh
	s.mu.Unlock()
	return nil
}

// startWatcher arms fsnotify on the home directory. Watch failures are
// non-fatal: the daemon runs without hot-reload.
func (s *Service) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config hot-reload unavailable", "error", err)
		return
	}
	if err := w.Add(s.home); err != nil {
		s.logger.Warn("config hot-reload unavailable", "error", err)
		_ = w.Close()
		return
	}
	s.watcher = w
	go s.watchLoop()
}

func (s *Service) watchLoop() {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != FileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if time.Since(time.Unix(0, s.lastSave.Load())) < selfWriteWindow {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := s.reload(); err != nil {
				s.logger.Error("config reload failed", "error", err)
				continue
			}
			s.logger.Info("config reloaded from disk")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

// ====== Tree helpers ======

func lookup(tree map[string]any, path []string) (any, bool) {
	cur := any(tree)
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func insert(tree map[string]any, path []string, value any) error {
	for i, seg := range path {
		if seg == "" {
			return werr.New(werr.MissingField, "config key has an empty segment")
		}
		if i == len(path)-1 {
			tree[seg] = value
			return nil
		}
		child, ok := tree[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			tree[seg] = child
		}
		tree = child
	}
	return nil
}

func remove(tree map[string]any, path []string) {
	for i, seg := range path {
		if i == len(path)-1 {
			delete(tree, seg)
			return
		}
		child, ok := tree[seg].(map[string]any)
		if !ok {
			return
		}
		tree = child
	}
}

func flatten(prefix string, tree map[string]any, out map[string]any) {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if child, ok := tree[k].(map[string]any); ok {
			flatten(full, child, out)
			continue
		}
		out[full] = tree[k]
	}
}

// envOverride maps a dot key to its WOPR_* environment variable.
func envOverride(key string) (string, bool) {
	name := "WOPR_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	return os.LookupEnv(name)
}
