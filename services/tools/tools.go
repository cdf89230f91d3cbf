// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools is the per-session agent-callable tool surface. Every
// call is capability-gated through the security kernel before the
// handler runs.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/events"
	"github.com/AleutianAI/wopr/services/provider"
	"github.com/AleutianAI/wopr/services/security"
	"github.com/AleutianAI/wopr/services/store"
)

// Result is the explicit outcome of one tool handler: a value or a
// structured tool error. Handler failures surface to the provider as
// tool-result errors, never as dispatch failures.
type Result struct {
	Value string
	Kind  werr.Kind
	Msg   string
}

// Ok wraps a successful tool value.
func Ok(value string) Result { return Result{Value: value} }

// ErrTool builds a structured tool error.
func ErrTool(kind werr.Kind, msg string) Result { return Result{Kind: kind, Msg: msg} }

// Failed reports whether the result carries an error.
func (r Result) Failed() bool { return r.Kind != "" }

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any, tctx *CallContext) Result

// Tool is one catalogue entry.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	// RequiresHost routes the call through the sandbox bridge when the
	// session is sandboxed.
	RequiresHost bool
	Handler      Handler
}

// CallContext is what a handler sees about the calling injection.
type CallContext struct {
	Session  string
	Security *datatypes.SecurityContext
}

// Bridge is the opt-in sandbox collaborator. Host-flagged tools route
// through it for sandboxed sessions.
type Bridge interface {
	ResolveContext(ctx context.Context, session string) (string, error)
	ExecInContainer(ctx context.Context, session, tool string, args map[string]any) (string, error)
}

// SessionPolicy answers the sandbox question per session. The config
// service implements it.
type SessionPolicy interface {
	Sandboxed(session string) bool
}

// Injector sends a message into another session through the full
// dispatch path. Implemented by the dispatch engine.
type Injector interface {
	InjectAndWait(ctx context.Context, session, message string, source datatypes.InjectionSource) (string, error)
}

// Surface owns the tool catalogue and the capability-gated call path.
type Surface struct {
	store  *store.Store
	kernel *security.Kernel
	bus    *events.Bus
	policy SessionPolicy
	logger *slog.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	bridge  Bridge
	inject  Injector
	cron    CronAccess
	config  ConfigAccess
	memRoot string
}

// Options wire the surface's collaborators.
type Options struct {
	Store  *store.Store
	Kernel *security.Kernel
	Bus    *events.Bus
	Policy SessionPolicy
	Logger *slog.Logger
	// MemoryRoot is the sessions/ directory holding per-session memory
	// files.
	MemoryRoot string
}

func NewSurface(opts Options) *Surface {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Surface{
		store:   opts.Store,
		kernel:  opts.Kernel,
		bus:     opts.Bus,
		policy:  opts.Policy,
		logger:  logger,
		tools:   make(map[string]Tool),
		memRoot: opts.MemoryRoot,
	}
	s.registerBuiltins()
	return s
}

// BindInjector attaches the dispatch engine after construction. The
// engine needs the surface at its own construction time, so this runs
// second.
func (s *Surface) BindInjector(inj Injector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject = inj
}

// BindCron attaches the cron management surface.
func (s *Surface) BindCron(c CronAccess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron = c
}

// BindConfig attaches the config access surface.
func (s *Surface) BindConfig(c ConfigAccess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = c
}

// BindBridge attaches the sandbox bridge.
func (s *Surface) BindBridge(b Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

// Register adds (or replaces) a tool in the catalogue.
func (s *Surface) Register(t Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[t.Name]; !ok {
		s.order = append(s.order, t.Name)
	}
	s.tools[t.Name] = t
}

// Unregister removes a dynamically added tool.
func (s *Surface) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[name]; !ok {
		return
	}
	delete(s.tools, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Definitions lists the tools visible to this injection, omitting any
// whose required capability the caller does not hold.
func (s *Surface) Definitions(sctx *datatypes.SecurityContext, session string) []provider.ToolDefinition {
	s.mu.RLock()
	names := append([]string(nil), s.order...)
	catalogue := make(map[string]Tool, len(s.tools))
	for n, t := range s.tools {
		catalogue[n] = t
	}
	s.mu.RUnlock()

	var defs []provider.ToolDefinition
	for _, name := range names {
		cap, mapped := security.ToolCapability(name)
		if !mapped {
			continue
		}
		if sctx == nil || !s.kernel.CheckCapability(sctx, cap) {
			continue
		}
		t := catalogue[name]
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// List returns the full catalogue names, sorted. Management surface use.
func (s *Surface) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

// Invoke runs one tool call through the gate: lookup, capability check,
// sandbox routing, audit event. Satisfies the dispatch engine's
// ToolRunner contract.
func (s *Surface) Invoke(ctx context.Context, sctx *datatypes.SecurityContext,
	session, name string, args map[string]any) (string, error) {

	start := time.Now()

	s.mu.RLock()
	tool, ok := s.tools[name]
	bridge := s.bridge
	s.mu.RUnlock()
	if !ok {
		return "", werr.New(werr.CapabilityDenied, "unknown tool %q", name)
	}

	if err := s.kernel.RequireToolCapability(sctx, name); err != nil {
		s.publishInvoked(name, session, false, time.Since(start))
		// The denial text stays generic so it cannot leak what else
		// exists on this daemon.
		return "", werr.Wrap(werr.CapabilityDenied, err, "tool %q is not permitted", name)
	}

	var result Result
	if tool.RequiresHost && s.policy != nil && s.policy.Sandboxed(session) {
		if bridge == nil {
			result = ErrTool(werr.CapabilityDenied, "no sandbox bridge is configured")
		} else {
			out, err := bridge.ExecInContainer(ctx, session, name, args)
			if err != nil {
				result = ErrTool(werr.Internal, err.Error())
			} else {
				result = Ok(out)
			}
		}
	} else {
		result = s.safeCall(ctx, tool, args, &CallContext{Session: session, Security: sctx})
	}

	s.publishInvoked(name, session, !result.Failed(), time.Since(start))

	if result.Failed() {
		return "", werr.New(result.Kind, "%s", result.Msg)
	}
	return result.Value, nil
}

// safeCall shields dispatch from a panicking handler.
func (s *Surface) safeCall(ctx context.Context, tool Tool, args map[string]any, tctx *CallContext) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked", "tool", tool.Name, "panic", r)
			res = ErrTool(werr.Internal, "tool handler failed")
		}
	}()
	return tool.Handler(ctx, args, tctx)
}

func (s *Surface) publishInvoked(tool, session string, allowed bool, d time.Duration) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      events.ToolInvoked,
		Session:   session,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"tool":       tool,
			"session":    session,
			"allowed":    allowed,
			"durationMs": d.Milliseconds(),
		},
	})
}

// jsonValue renders a handler result as compact JSON, falling back to
// an error result on marshal failure.
func jsonValue(v any) Result {
	b, err := json.Marshal(v)
	if err != nil {
		return ErrTool(werr.Internal, "failed to encode tool result")
	}
	return Ok(string(b))
}

// stringArg pulls a required string argument.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && v != ""
}
