// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatch is the engine that carries an injection from security
// evaluation through the session queue, provider query, middleware, and
// conversation log.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/events"
	"github.com/AleutianAI/wopr/services/provider"
	"github.com/AleutianAI/wopr/services/queue"
	"github.com/AleutianAI/wopr/services/security"
	"github.com/AleutianAI/wopr/services/store"
)

var tracer = otel.Tracer("wopr.dispatch")

// ToolRunner executes agent-issued tool calls mid-query. Implemented by
// the tools surface; declared here so dispatch does not import it.
type ToolRunner interface {
	// Definitions lists the tools visible to this injection, filtered by
	// its capability set.
	Definitions(sctx *datatypes.SecurityContext, session string) []provider.ToolDefinition

	// Invoke runs one tool call. Errors come back as tool-result text,
	// never as dispatch failures.
	Invoke(ctx context.Context, sctx *datatypes.SecurityContext, session, tool string, input map[string]any) (string, error)
}

// PromptPolicy supplies per-session system prompt overrides from
// configuration. The config service implements it.
type PromptPolicy interface {
	SessionPrompt(session string) string
}

// Options tunes the engine.
type Options struct {
	// MaxAttempts bounds the provider fallback chain per dispatch.
	MaxAttempts int
	// AttemptTimeout bounds each provider attempt.
	AttemptTimeout time.Duration
	// HistoryLimit is the number of log entries assembled into context.
	HistoryLimit int
	// Prompt, when set, overrides session context during assembly.
	Prompt PromptPolicy
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 2 * time.Minute
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
}

// InjectOptions shape a single injection.
type InjectOptions struct {
	From     string
	SenderID string
	Priority int
	// Silent suppresses session:stream fan-out (the response still lands
	// in the log).
	Silent bool
	// OnStream receives chunks as they arrive, for SSE and WebSocket
	// surfaces.
	OnStream provider.ChunkFunc
	Channel  *datatypes.ChannelRef
}

// contextProvider is one lazy per-session context source.
type contextProvider struct {
	name     string
	priority int
	fn       func(ctx context.Context) (string, error)
}

// request is the queue payload carrying dispatch state for one item.
type request struct {
	sctx *datatypes.SecurityContext
	opts InjectOptions
}

// Engine owns the inject entry point and the queue executor.
type Engine struct {
	store    *store.Store
	registry *provider.Registry
	kernel   *security.Kernel
	bus      *events.Bus
	tools    ToolRunner
	logger   *slog.Logger
	opts     Options

	queues *queue.Manager

	mu        sync.Mutex
	ctxSource map[string][]contextProvider
}

func NewEngine(st *store.Store, reg *provider.Registry, kernel *security.Kernel,
	bus *events.Bus, tools ToolRunner, logger *slog.Logger, opts Options) *Engine {

	if logger == nil {
		logger = slog.Default()
	}
	opts.defaults()
	e := &Engine{
		store:     st,
		registry:  reg,
		kernel:    kernel,
		bus:       bus,
		tools:     tools,
		logger:    logger,
		opts:      opts,
		ctxSource: make(map[string][]contextProvider),
	}
	e.queues = queue.NewManager(bus, e.execute, logger)
	return e
}

// Queues exposes the queue manager for stats and cancellation surfaces.
func (e *Engine) Queues() *queue.Manager { return e.queues }

// Shutdown stops all session workers.
func (e *Engine) Shutdown() { e.queues.Shutdown() }

// RegisterContextProvider adds a lazy context source for a session.
// Outputs are concatenated in descending priority order during context
// assembly.
func (e *Engine) RegisterContextProvider(session, name string, priority int,
	fn func(ctx context.Context) (string, error)) {

	e.mu.Lock()
	defer e.mu.Unlock()
	providers := e.ctxSource[session]
	providers = append(providers, contextProvider{name: name, priority: priority, fn: fn})
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].priority > providers[j].priority
	})
	e.ctxSource[session] = providers
}

// RemoveSession drops the session's queue and context providers. Called
// on session destroy.
func (e *Engine) RemoveSession(session string) {
	e.queues.Remove(session)
	e.mu.Lock()
	delete(e.ctxSource, session)
	e.mu.Unlock()
}

// Inject evaluates security, enqueues the message on the session's
// queue, and returns the inject id and a future for the final result.
// Security denials short-circuit before anything reaches the log.
func (e *Engine) Inject(ctx context.Context, session, message string,
	source datatypes.InjectionSource, opts InjectOptions) (string, *queue.Future, error) {

	_, span := tracer.Start(ctx, "Engine.Inject")
	defer span.End()
	span.SetAttributes(attribute.String("session", session))
	span.SetAttributes(attribute.String("source_type", string(source.Type)))

	decision := e.kernel.EvaluateInjection(source, session)
	if err := decision.Err(); err != nil {
		return "", nil, err
	}

	// injection:pending runs before the queue so a hook can veto or
	// rewrite the message while the caller is still synchronous.
	outcome := e.bus.RunHooks(events.HookInjectionPending, events.HookPayload{
		Session: session,
		From:    opts.From,
		Message: message,
		Source:  source,
	})
	if outcome.Prevent {
		return "", nil, werr.New(werr.AccessDenied, "injection prevented: %s", outcome.Reason)
	}
	message = outcome.Payload.Message

	if _, err := e.store.CreateSession(session); err != nil {
		return "", nil, err
	}

	item, future := e.queues.Get(session).Enqueue(message, opts.Priority, &request{
		sctx: decision.Context,
		opts: opts,
	})
	return item.InjectID, future, nil
}

// InjectAndWait is the synchronous form of Inject: it blocks until the
// dispatch resolves and returns the final text. Cron fires and
// cross-session tool sends use it.
func (e *Engine) InjectAndWait(ctx context.Context, session, message string,
	source datatypes.InjectionSource) (string, error) {

	_, future, err := e.Inject(ctx, session, message, source, InjectOptions{})
	if err != nil {
		return "", err
	}
	result, err := future.Wait(ctx)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// execute is the queue executor: it runs the full dispatch sequence for
// one dequeued item. The context cancels when the queue's active item is
// cancelled.
func (e *Engine) execute(ctx context.Context, item *queue.Item) (*datatypes.QueryResult, error) {
	req, _ := item.Payload.(*request)
	if req == nil {
		req = &request{}
	}
	sctx := req.sctx

	// Tool handlers running mid-query look the context up by
	// (session, injectID); it must be in place before the provider call
	// and gone when the dispatch terminates.
	e.kernel.Table().Store(item.Session, item.InjectID, sctx)
	defer e.kernel.Table().Clear(item.Session, item.InjectID)

	sess, err := e.store.GetSession(item.Session)
	if err != nil {
		return nil, err
	}

	from := req.opts.From
	if from == "" {
		from = "user"
	}

	// Incoming middleware may rewrite the message or prevent dispatch
	// entirely. A prevented dispatch resolves empty and leaves a
	// middleware entry in the log.
	outcome := e.bus.RunHooks(events.HookIncoming, events.HookPayload{
		Session:  item.Session,
		From:     from,
		Message:  item.Message,
		InjectID: item.InjectID,
	})
	if outcome.Prevent {
		entry := datatypes.ConversationEntry{
			Timestamp: time.Now(),
			From:      "middleware",
			Content:   "message prevented: " + outcome.Reason,
			Type:      datatypes.EntryMiddleware,
		}
		if err := e.store.AppendConversation(item.Session, entry); err != nil {
			return nil, err
		}
		return &datatypes.QueryResult{Text: "", FinishReason: "prevented"}, nil
	}
	message := outcome.Payload.Message

	inbound := datatypes.ConversationEntry{
		Timestamp: time.Now(),
		From:      from,
		SenderID:  req.opts.SenderID,
		Content:   message,
		Type:      datatypes.EntryMessage,
		Channel:   req.opts.Channel,
	}
	if err := e.store.AppendConversation(item.Session, inbound); err != nil {
		return nil, err
	}

	history, err := e.assembleContext(ctx, sess, message)
	if err != nil {
		return nil, err
	}

	result, err := e.queryWithFallback(ctx, sess, item, sctx, req.opts, history)
	if err != nil {
		return nil, err
	}

	// Outgoing middleware sees the final text and may rewrite or blank
	// it before the response is persisted.
	out := e.bus.RunHooks(events.HookOutgoing, events.HookPayload{
		Session:  item.Session,
		From:     from,
		Message:  result.Text,
		InjectID: item.InjectID,
	})
	if out.Prevent {
		result.Text = ""
		result.FinishReason = "prevented"
	} else {
		result.Text = out.Payload.Message
	}

	response := datatypes.ConversationEntry{
		Timestamp:    time.Now(),
		From:         "assistant",
		Content:      result.Text,
		Type:         datatypes.EntryResponse,
		FinishReason: result.FinishReason,
		Usage:        &result.Usage,
	}
	if err := e.store.AppendConversation(item.Session, response); err != nil {
		return nil, err
	}

	e.publish(events.SessionResponse, item, map[string]any{
		"text":          result.Text,
		"finish_reason": result.FinishReason,
	})
	e.publish(events.SessionComplete, item, nil)
	return result, nil
}

// assembleContext builds the provider message history: system prompt,
// lazy context provider output, last-N log entries, then the current
// message.
func (e *Engine) assembleContext(ctx context.Context, sess *datatypes.Session, message string) ([]datatypes.Message, error) {
	base := sess.Context
	if e.opts.Prompt != nil {
		if override := e.opts.Prompt.SessionPrompt(sess.Name); override != "" {
			base = override
		}
	}
	var system strings.Builder
	if base != "" {
		system.WriteString(base)
	}

	e.mu.Lock()
	providers := append([]contextProvider(nil), e.ctxSource[sess.Name]...)
	e.mu.Unlock()
	for _, p := range providers {
		text, err := p.fn(ctx)
		if err != nil {
			e.logger.Warn("context provider failed", "session", sess.Name, "provider", p.name, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString(text)
	}

	var messages []datatypes.Message
	if system.Len() > 0 {
		messages = append(messages, datatypes.Message{Role: "system", Content: system.String()})
	}

	entries, err := e.store.ReadConversation(sess.Name, e.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		switch entry.Type {
		case datatypes.EntryMessage:
			messages = append(messages, datatypes.Message{Role: "user", Content: entry.Content})
		case datatypes.EntryResponse:
			if entry.Content != "" {
				messages = append(messages, datatypes.Message{Role: "assistant", Content: entry.Content})
			}
		}
	}

	// The inbound entry was already appended, so the history tail is the
	// current message. Guard against a tail-limit that cut it off.
	if len(messages) == 0 || messages[len(messages)-1].Content != message || messages[len(messages)-1].Role != "user" {
		messages = append(messages, datatypes.Message{Role: "user", Content: message})
	}
	return messages, nil
}

// queryWithFallback walks the session's fallback chain, bounded by
// MaxAttempts with a per-attempt timeout. Cancellation persists partial
// text with a cancelled marker before rejecting.
func (e *Engine) queryWithFallback(ctx context.Context, sess *datatypes.Session,
	item *queue.Item, sctx *datatypes.SecurityContext, opts InjectOptions,
	history []datatypes.Message) (*datatypes.QueryResult, error) {

	client, primary, err := e.registry.Resolve(ctx, sess)
	if err != nil {
		return nil, err
	}
	chain := e.registry.FallbackChain(sess, primary)

	var buffer strings.Builder
	onChunk := e.chunkSink(ctx, item, sctx, opts, &buffer)

	var lastErr error
	attempts := 0
	timedOut := false
	for _, id := range chain {
		if attempts >= e.opts.MaxAttempts {
			break
		}
		if id != primary {
			var ok bool
			client, ok = e.registry.Client(id)
			if !ok {
				continue
			}
		}
		attempts++

		queryOpts := provider.QueryOptions{Model: e.registry.DefaultModel(id, sess)}
		if sess.Binding != nil && sess.Binding.Name == id {
			queryOpts.Options = sess.Binding.Options
		}
		if e.tools != nil && sctx != nil {
			queryOpts.Tools = e.tools.Definitions(sctx, sess.Name)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
		buffer.Reset()
		result, qerr := client.Query(attemptCtx, history, queryOpts, onChunk)
		attemptTimedOut := attemptCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if qerr == nil {
			return result, nil
		}
		if ctx.Err() != nil || werr.IsKind(qerr, werr.Cancelled) {
			return nil, e.flushCancelled(item, &buffer)
		}
		if attemptTimedOut {
			timedOut = true
			e.logger.Warn("provider attempt timed out", "session", sess.Name, "provider", id)
		} else {
			e.logger.Warn("provider attempt failed", "session", sess.Name, "provider", id, "error", qerr)
		}
		lastErr = qerr
	}

	if timedOut {
		return nil, werr.Wrap(werr.ProviderTimeout, lastErr, "provider attempts timed out")
	}
	return nil, werr.Wrap(werr.ProviderUnavailable, lastErr, "all provider attempts failed")
}

// flushCancelled persists whatever partial text the provider yielded,
// marked cancelled, then returns the cancellation error for the future.
func (e *Engine) flushCancelled(item *queue.Item, buffer *strings.Builder) error {
	entry := datatypes.ConversationEntry{
		Timestamp:    time.Now(),
		From:         "assistant",
		Content:      buffer.String(),
		Type:         datatypes.EntryResponse,
		FinishReason: "cancelled",
	}
	if err := e.store.AppendConversation(item.Session, entry); err != nil {
		e.logger.Error("failed to persist cancelled partial response",
			"session", item.Session, "error", err)
	}
	return werr.New(werr.Cancelled, "dispatch cancelled")
}

// chunkSink returns the streaming callback for one attempt: buffer the
// text, fan chunks out on the bus, run tool calls through the tool
// surface.
func (e *Engine) chunkSink(ctx context.Context, item *queue.Item,
	sctx *datatypes.SecurityContext, opts InjectOptions, buffer *strings.Builder) provider.ChunkFunc {

	return func(chunk datatypes.StreamChunk) {
		switch chunk.Type {
		case datatypes.ChunkText:
			buffer.WriteString(chunk.Text)
			if !opts.Silent {
				e.publish(events.SessionStream, item, map[string]any{"text": chunk.Text})
			}
		case datatypes.ChunkToolUse:
			e.runTool(ctx, item, sctx, chunk)
		}
		if opts.OnStream != nil {
			opts.OnStream(chunk)
		}
	}
}

// runTool executes one agent tool call. Tool errors become middleware
// log entries, never dispatch failures.
func (e *Engine) runTool(ctx context.Context, item *queue.Item,
	sctx *datatypes.SecurityContext, chunk datatypes.StreamChunk) {

	if e.tools == nil {
		return
	}
	result, err := e.tools.Invoke(ctx, sctx, item.Session, chunk.ToolName, chunk.ToolInput)
	if err != nil {
		result = "tool error: " + err.Error()
	}
	entry := datatypes.ConversationEntry{
		Timestamp: time.Now(),
		From:      "tool:" + chunk.ToolName,
		Content:   result,
		Type:      datatypes.EntryMiddleware,
	}
	if err := e.store.AppendConversation(item.Session, entry); err != nil {
		e.logger.Error("failed to record tool result", "session", item.Session, "error", err)
	}
}

func (e *Engine) publish(eventType string, item *queue.Item, payload map[string]any) {
	e.bus.Publish(events.Event{
		Type:      eventType,
		Session:   item.Session,
		InjectID:  item.InjectID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// IsCancellation reports whether an error represents a cancelled
// dispatch, either from the taxonomy or the raw context error.
func IsCancellation(err error) bool {
	return werr.IsKind(err, werr.Cancelled) || errors.Is(err, context.Canceled)
}
