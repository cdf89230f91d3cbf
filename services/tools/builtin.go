// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/events"
)

// CronAccess is the slice of the cron scheduler the cron_* tools need.
type CronAccess interface {
	AddJob(job datatypes.CronJob, creatorSession string, sctx *datatypes.SecurityContext) error
	ListJobs() ([]datatypes.CronJob, error)
	RemoveJob(name string) error
	History(limit int) ([]datatypes.CronHistoryEntry, error)
}

// ConfigAccess is the slice of the config service the config_* tools
// need. Reads are redacted.
type ConfigAccess interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
	RedactedValue(key string, value any) any
}

const (
	httpFetchMaxBody = 256 * 1024
	execTimeout      = 30 * time.Second
)

// registerBuiltins installs the static core tool set.
func (s *Surface) registerBuiltins() {
	s.Register(Tool{
		Name:        "sessions_list",
		Description: "List the names of all sessions on this daemon.",
		InputSchema: objectSchema(nil),
		Handler:     s.toolSessionsList,
	})
	s.Register(Tool{
		Name:        "sessions_history",
		Description: "Read the recent conversation log of a session.",
		InputSchema: objectSchema(map[string]any{
			"session": map[string]any{"type": "string"},
			"limit":   map[string]any{"type": "integer"},
		}, "session"),
		Handler: s.toolSessionsHistory,
	})
	s.Register(Tool{
		Name:        "sessions_send",
		Description: "Send a message into another session and return its response.",
		InputSchema: objectSchema(map[string]any{
			"session": map[string]any{"type": "string"},
			"message": map[string]any{"type": "string"},
		}, "session", "message"),
		Handler: s.toolSessionsSend,
	})
	s.Register(Tool{
		Name:        "sessions_spawn",
		Description: "Create a new session with an optional system prompt.",
		InputSchema: objectSchema(map[string]any{
			"name":    map[string]any{"type": "string"},
			"context": map[string]any{"type": "string"},
		}, "name"),
		Handler: s.toolSessionsSpawn,
	})

	s.Register(Tool{
		Name:        "config_get",
		Description: "Read a configuration value by dot path.",
		InputSchema: objectSchema(map[string]any{
			"key": map[string]any{"type": "string"},
		}, "key"),
		Handler: s.toolConfigGet,
	})
	s.Register(Tool{
		Name:        "config_set",
		Description: "Write a configuration value by dot path.",
		InputSchema: objectSchema(map[string]any{
			"key":   map[string]any{"type": "string"},
			"value": map[string]any{},
		}, "key"),
		Handler: s.toolConfigSet,
	})

	s.Register(Tool{
		Name:        "memory_read",
		Description: "Read this session's memory files.",
		InputSchema: objectSchema(map[string]any{
			"file": map[string]any{"type": "string"},
		}),
		Handler: s.toolMemoryRead,
	})
	s.Register(Tool{
		Name:        "memory_search",
		Description: "Search this session's memory files for a substring.",
		InputSchema: objectSchema(map[string]any{
			"query": map[string]any{"type": "string"},
		}, "query"),
		Handler: s.toolMemorySearch,
	})
	s.Register(Tool{
		Name:        "memory_write",
		Description: "Write a memory file for this session.",
		InputSchema: objectSchema(map[string]any{
			"file":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		}, "file", "content"),
		Handler: s.toolMemoryWrite,
	})

	s.Register(Tool{
		Name:        "cron_add",
		Description: "Schedule a cron job that injects a message into a session.",
		InputSchema: objectSchema(map[string]any{
			"name":     map[string]any{"type": "string"},
			"schedule": map[string]any{"type": "string"},
			"session":  map[string]any{"type": "string"},
			"message":  map[string]any{"type": "string"},
		}, "name", "schedule", "session", "message"),
		Handler: s.toolCronAdd,
	})
	s.Register(Tool{
		Name:        "cron_list",
		Description: "List scheduled cron jobs.",
		InputSchema: objectSchema(nil),
		Handler:     s.toolCronList,
	})
	s.Register(Tool{
		Name:        "cron_remove",
		Description: "Remove a cron job by name.",
		InputSchema: objectSchema(map[string]any{
			"name": map[string]any{"type": "string"},
		}, "name"),
		Handler: s.toolCronRemove,
	})
	s.Register(Tool{
		Name:        "cron_history",
		Description: "Read recent cron execution history.",
		InputSchema: objectSchema(map[string]any{
			"limit": map[string]any{"type": "integer"},
		}),
		Handler: s.toolCronHistory,
	})

	s.Register(Tool{
		Name:        "event_emit",
		Description: "Publish a named event on the daemon event bus.",
		InputSchema: objectSchema(map[string]any{
			"event":   map[string]any{"type": "string"},
			"payload": map[string]any{"type": "object"},
		}, "event"),
		Handler: s.toolEventEmit,
	})
	s.Register(Tool{
		Name:        "notify",
		Description: "Send a notification event to attached clients.",
		InputSchema: objectSchema(map[string]any{
			"message": map[string]any{"type": "string"},
		}, "message"),
		Handler: s.toolNotify,
	})

	s.Register(Tool{
		Name:         "http_fetch",
		Description:  "Fetch a URL over HTTP GET and return the body.",
		RequiresHost: true,
		InputSchema: objectSchema(map[string]any{
			"url": map[string]any{"type": "string"},
		}, "url"),
		Handler: s.toolHTTPFetch,
	})
	s.Register(Tool{
		Name:         "exec_command",
		Description:  "Run a shell command on the host and return its output.",
		RequiresHost: true,
		InputSchema: objectSchema(map[string]any{
			"command": map[string]any{"type": "string"},
			"cwd":     map[string]any{"type": "string"},
		}, "command"),
		Handler: s.toolExecCommand,
	})

	s.Register(Tool{
		Name:        "security_whoami",
		Description: "Show the caller's trust level and capability set.",
		InputSchema: objectSchema(nil),
		Handler:     s.toolSecurityWhoami,
	})
	s.Register(Tool{
		Name:        "security_check",
		Description: "Check whether the caller holds a capability.",
		InputSchema: objectSchema(map[string]any{
			"capability": map[string]any{"type": "string"},
		}, "capability"),
		Handler: s.toolSecurityCheck,
	})
}

// ====== Session tools ======

func (s *Surface) toolSessionsList(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return ErrTool(werr.Internal, "failed to list sessions")
	}
	names := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		names = append(names, sess.Name)
	}
	return jsonValue(names)
}

func (s *Surface) toolSessionsHistory(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	name, ok := stringArg(args, "session")
	if !ok {
		return ErrTool(werr.MissingField, "session is required")
	}
	limit := intArg(args, "limit", 20)
	entries, err := s.store.ReadConversation(name, limit)
	if err != nil {
		return ErrTool(werr.Internal, "failed to read conversation")
	}
	return jsonValue(entries)
}

func (s *Surface) toolSessionsSend(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	target, ok := stringArg(args, "session")
	if !ok {
		return ErrTool(werr.MissingField, "session is required")
	}
	message, ok := stringArg(args, "message")
	if !ok {
		return ErrTool(werr.MissingField, "message is required")
	}
	s.mu.RLock()
	inj := s.inject
	s.mu.RUnlock()
	if inj == nil {
		return ErrTool(werr.Internal, "dispatch is not wired")
	}

	source := datatypes.NewSource(datatypes.SourceInternal)
	if tctx.Security != nil {
		// Cross-session sends keep the caller's trust, not owner trust.
		source.TrustLevel = tctx.Security.TrustLevel
		source.GrantedCapabilities = tctx.Security.GrantedCapabilities
	}
	source.Identity.GatewaySession = tctx.Session

	text, err := inj.InjectAndWait(ctx, target, message, source)
	if err != nil {
		return ErrTool(werr.KindOf(err), "send failed")
	}
	return Ok(text)
}

func (s *Surface) toolSessionsSpawn(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	name, ok := stringArg(args, "name")
	if !ok {
		return ErrTool(werr.MissingField, "name is required")
	}
	sess, err := s.store.CreateSession(name)
	if err != nil {
		return ErrTool(werr.Internal, "failed to create session")
	}
	if context, ok := stringArg(args, "context"); ok {
		sess.Context = context
		if err := s.store.SaveSession(sess); err != nil {
			return ErrTool(werr.Internal, "failed to save session")
		}
	}
	return jsonValue(map[string]any{"name": sess.Name, "id": sess.ID})
}

// ====== Config tools ======

func (s *Surface) toolConfigGet(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	key, ok := stringArg(args, "key")
	if !ok {
		return ErrTool(werr.MissingField, "key is required")
	}
	s.mu.RLock()
	cfg := s.config
	s.mu.RUnlock()
	if cfg == nil {
		return ErrTool(werr.Internal, "config is not wired")
	}
	value, found := cfg.Get(key)
	if !found {
		return jsonValue(nil)
	}
	return jsonValue(cfg.RedactedValue(key, value))
}

func (s *Surface) toolConfigSet(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	key, ok := stringArg(args, "key")
	if !ok {
		return ErrTool(werr.MissingField, "key is required")
	}
	s.mu.RLock()
	cfg := s.config
	s.mu.RUnlock()
	if cfg == nil {
		return ErrTool(werr.Internal, "config is not wired")
	}
	if err := cfg.Set(key, args["value"]); err != nil {
		return ErrTool(werr.KindOf(err), "config write failed")
	}
	return Ok("ok")
}

// ====== Memory tools ======

// memoryDir resolves sessions/<name>/memory under the configured root.
func (s *Surface) memoryDir(session string) (string, error) {
	if s.memRoot == "" {
		return "", fmt.Errorf("memory root is not configured")
	}
	// Session names become directory names; refuse anything that could
	// escape the root.
	if strings.ContainsAny(session, "/\\") || session == ".." {
		return "", fmt.Errorf("invalid session name")
	}
	return filepath.Join(s.memRoot, session, "memory"), nil
}

func safeMemoryFile(dir, name string) (string, error) {
	if name == "" {
		name = "memory.md"
	}
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid memory file name")
	}
	return filepath.Join(dir, name), nil
}

func (s *Surface) toolMemoryRead(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	dir, err := s.memoryDir(tctx.Session)
	if err != nil {
		return ErrTool(werr.Internal, err.Error())
	}
	if file, ok := stringArg(args, "file"); ok {
		path, err := safeMemoryFile(dir, file)
		if err != nil {
			return ErrTool(werr.MissingField, err.Error())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return ErrTool(werr.Internal, "memory file not found")
		}
		return Ok(string(data))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return jsonValue([]string{})
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	return jsonValue(names)
}

func (s *Surface) toolMemorySearch(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	query, ok := stringArg(args, "query")
	if !ok {
		return ErrTool(werr.MissingField, "query is required")
	}
	dir, err := s.memoryDir(tctx.Session)
	if err != nil {
		return ErrTool(werr.Internal, err.Error())
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return jsonValue([]string{})
	}

	lower := strings.ToLower(query)
	var hits []map[string]string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), lower) {
				hits = append(hits, map[string]string{"file": e.Name(), "line": line})
			}
		}
	}
	return jsonValue(hits)
}

func (s *Surface) toolMemoryWrite(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	file, ok := stringArg(args, "file")
	if !ok {
		return ErrTool(werr.MissingField, "file is required")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return ErrTool(werr.MissingField, "content is required")
	}
	dir, err := s.memoryDir(tctx.Session)
	if err != nil {
		return ErrTool(werr.Internal, err.Error())
	}
	path, err := safeMemoryFile(dir, file)
	if err != nil {
		return ErrTool(werr.MissingField, err.Error())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ErrTool(werr.Internal, "failed to create memory directory")
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ErrTool(werr.Internal, "failed to write memory file")
	}
	return Ok("written")
}

// ====== Cron tools ======

func (s *Surface) toolCronAdd(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	s.mu.RLock()
	cron := s.cron
	s.mu.RUnlock()
	if cron == nil {
		return ErrTool(werr.Internal, "cron is not wired")
	}
	name, ok := stringArg(args, "name")
	if !ok {
		return ErrTool(werr.MissingField, "name is required")
	}
	schedule, ok := stringArg(args, "schedule")
	if !ok {
		return ErrTool(werr.MissingField, "schedule is required")
	}
	session, ok := stringArg(args, "session")
	if !ok {
		return ErrTool(werr.MissingField, "session is required")
	}
	message, ok := stringArg(args, "message")
	if !ok {
		return ErrTool(werr.MissingField, "message is required")
	}
	job := datatypes.CronJob{Name: name, Schedule: schedule, Session: session, Message: message}
	if err := cron.AddJob(job, tctx.Session, tctx.Security); err != nil {
		return ErrTool(werr.KindOf(err), "failed to add cron job")
	}
	return Ok("added")
}

func (s *Surface) toolCronList(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	s.mu.RLock()
	cron := s.cron
	s.mu.RUnlock()
	if cron == nil {
		return ErrTool(werr.Internal, "cron is not wired")
	}
	jobs, err := cron.ListJobs()
	if err != nil {
		return ErrTool(werr.Internal, "failed to list cron jobs")
	}
	return jsonValue(jobs)
}

func (s *Surface) toolCronRemove(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	s.mu.RLock()
	cron := s.cron
	s.mu.RUnlock()
	if cron == nil {
		return ErrTool(werr.Internal, "cron is not wired")
	}
	name, ok := stringArg(args, "name")
	if !ok {
		return ErrTool(werr.MissingField, "name is required")
	}
	if err := cron.RemoveJob(name); err != nil {
		return ErrTool(werr.KindOf(err), "failed to remove cron job")
	}
	return Ok("removed")
}

func (s *Surface) toolCronHistory(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	s.mu.RLock()
	cron := s.cron
	s.mu.RUnlock()
	if cron == nil {
		return ErrTool(werr.Internal, "cron is not wired")
	}
	entries, err := cron.History(intArg(args, "limit", 20))
	if err != nil {
		return ErrTool(werr.Internal, "failed to read cron history")
	}
	return jsonValue(entries)
}

// ====== Event tools ======

func (s *Surface) toolEventEmit(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	name, ok := stringArg(args, "event")
	if !ok {
		return ErrTool(werr.MissingField, "event is required")
	}
	payload, _ := args["payload"].(map[string]any)
	s.bus.Publish(events.Event{
		Type:      name,
		Session:   tctx.Session,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	return Ok("emitted")
}

func (s *Surface) toolNotify(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	message, ok := stringArg(args, "message")
	if !ok {
		return ErrTool(werr.MissingField, "message is required")
	}
	s.bus.Publish(events.Event{
		Type:      "notify",
		Session:   tctx.Session,
		Timestamp: time.Now(),
		Payload:   map[string]any{"message": message},
	})
	return Ok("sent")
}

// ====== Host tools ======

func (s *Surface) toolHTTPFetch(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	url, ok := stringArg(args, "url")
	if !ok {
		return ErrTool(werr.MissingField, "url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ErrTool(werr.MissingField, "url must be http or https")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return ErrTool(werr.Internal, "invalid url")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return ErrTool(werr.Internal, "fetch failed: "+err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, httpFetchMaxBody))
	if err != nil {
		return ErrTool(werr.Internal, "failed to read response")
	}
	return jsonValue(map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	})
}

func (s *Surface) toolExecCommand(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	command, ok := stringArg(args, "command")
	if !ok {
		return ErrTool(werr.MissingField, "command is required")
	}
	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	if cwd, ok := stringArg(args, "cwd"); ok {
		cmd.Dir = cwd
	}
	out, err := cmd.CombinedOutput()
	result := map[string]any{"output": string(out)}
	if err != nil {
		result["error"] = err.Error()
	}
	if exit, ok := err.(*exec.ExitError); ok {
		result["exit_code"] = exit.ExitCode()
	} else if err == nil {
		result["exit_code"] = 0
	}
	return jsonValue(result)
}

// ====== Security introspection ======

func (s *Surface) toolSecurityWhoami(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	if tctx.Security == nil {
		return jsonValue(map[string]any{"trust_level": nil})
	}
	return jsonValue(map[string]any{
		"trust_level":  tctx.Security.TrustLevel,
		"source_type":  tctx.Security.Source.Type,
		"capabilities": tctx.Security.GrantedCapabilities,
		"session":      tctx.Security.TargetSession,
	})
}

func (s *Surface) toolSecurityCheck(ctx context.Context, args map[string]any, tctx *CallContext) Result {
	cap, ok := stringArg(args, "capability")
	if !ok {
		return ErrTool(werr.MissingField, "capability is required")
	}
	allowed := s.kernel.CheckCapability(tctx.Security, cap)
	return jsonValue(map[string]any{"capability": cap, "allowed": allowed})
}

// ====== helpers ======

func objectSchema(props map[string]any, required ...string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
