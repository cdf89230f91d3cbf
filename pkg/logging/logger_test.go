// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectExporter records every exported entry for assertions.
type collectExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed bool
	closed  bool
}

func (c *collectExporter) Export(_ context.Context, entry LogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *collectExporter) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed = true
	return nil
}

func (c *collectExporter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func readLogFile(t *testing.T, dir, service string) []map[string]any {
	t.Helper()
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	raw, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		lines = append(lines, decoded)
	}
	return lines
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestFileLoggingWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "daemon"})
	logger.Info("session created", "session", "ops")
	logger.Error("provider failed", "provider", "ollama")
	require.NoError(t, logger.Close())

	lines := readLogFile(t, dir, "daemon")
	require.Len(t, lines, 2)
	assert.Equal(t, "session created", lines[0]["msg"])
	assert.Equal(t, "daemon", lines[0]["service"])
	assert.Equal(t, "ops", lines[0]["session"])
	assert.Equal(t, "ERROR", lines[1]["level"])
}

func TestLevelFiltersBelowMinimum(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "cron", Level: LevelWarn})
	logger.Debug("tick")
	logger.Info("fired")
	logger.Warn("missed window")
	require.NoError(t, logger.Close())

	lines := readLogFile(t, dir, "cron")
	require.Len(t, lines, 1)
	assert.Equal(t, "missed window", lines[0]["msg"])
}

func TestWithAddsAttributes(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "dispatch"})
	child := logger.With("session", "deploy")
	child.Info("inject accepted")
	require.NoError(t, logger.Close())

	lines := readLogFile(t, dir, "dispatch")
	require.Len(t, lines, 1)
	assert.Equal(t, "deploy", lines[0]["session"])
	assert.Equal(t, "dispatch", lines[0]["service"])
}

func TestExporterReceivesEntries(t *testing.T) {
	exporter := &collectExporter{}
	logger := New(Config{Quiet: true, Service: "daemon", Exporter: exporter})
	logger.Info("peer accepted", "peer", "abc123")
	logger.Debug("dropped below level")
	require.NoError(t, logger.Close())

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	require.Len(t, exporter.entries, 1)
	entry := exporter.entries[0]
	assert.Equal(t, "peer accepted", entry.Message)
	assert.Equal(t, LevelInfo, entry.Level)
	assert.Equal(t, "daemon", entry.Service)
	assert.Equal(t, "abc123", entry.Attrs["peer"])
	assert.True(t, exporter.flushed)
	assert.True(t, exporter.closed)
}

func TestQuietWithoutDestinations(t *testing.T) {
	logger := New(Config{Quiet: true})
	logger.Info("goes nowhere")
	require.NoError(t, logger.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := New(Config{Quiet: true, LogDir: t.TempDir(), Service: "cli"})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestSlogExposesUnderlyingLogger(t *testing.T) {
	logger := New(Config{Quiet: true})
	require.NotNil(t, logger.Slog())
	logger.Slog().Info("via slog")
	require.NoError(t, logger.Close())
}
