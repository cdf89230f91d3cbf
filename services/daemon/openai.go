// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/dispatch"
	"github.com/AleutianAI/wopr/services/queue"
)

// The /v1 surface speaks the OpenAI chat completions dialect so existing
// SDKs can point at the daemon. Each request runs in a throwaway session
// that is destroyed once the response is out.

// ephemeralDrainTimeout bounds how long session teardown waits for a
// cancelled in-flight dispatch to resolve.
const ephemeralDrainTimeout = 5 * time.Second

type chatCompletionRequest struct {
	Model    string              `json:"model" binding:"required"`
	Messages []datatypes.Message `json:"messages" binding:"required,min=1"`
	Stream   bool                `json:"stream"`
}

type chatChoice struct {
	Index        int                `json:"index"`
	Message      *datatypes.Message `json:"message,omitempty"`
	Delta        map[string]any     `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (d *Daemon) handleChatCompletions(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	// Instance-scoped keys are pinned to a named session; the
	// compatibility surface only speaks to throwaway ones.
	if info := authOf(c); info.Key != nil && info.Key.Scope == datatypes.ScopeInstance {
		abortError(c, werr.New(werr.InvalidScope, "api key is scoped to session %q", info.Key.Instance))
		return
	}
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}

	session := "openai-" + randomHex(8)
	sess, err := d.store.CreateSession(session)
	if err != nil {
		abortError(c, err)
		return
	}
	// Teardown order matters: dropping the queue first cancels anything
	// still running, and draining the future keeps a late conversation
	// append from recreating the session after it is deleted.
	var inflight *queue.Future
	defer func() {
		d.engine.RemoveSession(session)
		if inflight != nil {
			wctx, cancel := context.WithTimeout(context.Background(), ephemeralDrainTimeout)
			_, _ = inflight.Wait(wctx)
			cancel()
		}
		if _, derr := d.store.DeleteSession(session); derr != nil {
			d.logger.Warn("ephemeral session cleanup failed", "session", session, "error", derr)
		}
	}()

	prompt, system := splitChatMessages(req.Messages)
	if prompt == "" {
		abortError(c, werr.New(werr.MissingField, "no user message in request"))
		return
	}
	sess.Context = system
	sess.Binding = d.bindingForModel(req.Model)
	if err := d.store.SaveSession(sess); err != nil {
		abortError(c, err)
		return
	}

	completionID := "chatcmpl-" + randomHex(12)
	if req.Stream {
		inflight = d.streamChatCompletion(c, session, completionID, req, prompt)
		return
	}

	_, future, err := d.engine.Inject(c.Request.Context(), session, prompt, apiSource(c),
		dispatch.InjectOptions{Silent: true})
	if err != nil {
		abortError(c, err)
		return
	}
	inflight = future
	result, err := future.Wait(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}

	finish := finishReasonOf(result)
	c.JSON(http.StatusOK, chatCompletion{
		ID:      completionID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      &datatypes.Message{Role: "assistant", Content: result.Text},
			FinishReason: &finish,
		}},
		Usage: &chatUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.PromptTokens + result.Usage.CompletionTokens,
		},
	})
}

// streamChatCompletion renders the dispatch stream as chat.completion.chunk
// frames terminated by data: [DONE]. It returns the dispatch future so the
// caller can drain it before destroying the throwaway session.
func (d *Daemon) streamChatCompletion(c *gin.Context, session, completionID string,
	req chatCompletionRequest, prompt string) *queue.Future {

	clientGone := c.Request.Context().Done()
	chunks := make(chan datatypes.StreamChunk, 64)
	onStream := func(chunk datatypes.StreamChunk) {
		select {
		case chunks <- chunk:
		case <-clientGone:
		}
	}

	_, future, err := d.engine.Inject(c.Request.Context(), session, prompt, apiSource(c),
		dispatch.InjectOptions{Silent: true, OnStream: onStream})
	if err != nil {
		abortError(c, err)
		return nil
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	writeDelta := func(delta map[string]any, finish *string) {
		frame := chatCompletion{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []chatChoice{{Delta: delta, FinishReason: finish}},
		}
		data, merr := json.Marshal(frame)
		if merr != nil {
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}

	writeDelta(map[string]any{"role": "assistant"}, nil)

	finish := "stop"
	forward := func(chunk datatypes.StreamChunk) {
		switch chunk.Type {
		case datatypes.ChunkText:
			writeDelta(map[string]any{"content": chunk.Text}, nil)
		case datatypes.ChunkToolUse:
			finish = "tool_calls"
		case datatypes.ChunkError:
			writeDelta(map[string]any{"content": "\n[error] " + chunk.Err}, nil)
		}
	}

	for {
		select {
		case chunk := <-chunks:
			forward(chunk)
		case <-future.Done():
			for {
				select {
				case chunk := <-chunks:
					forward(chunk)
					continue
				default:
				}
				break
			}
			if result, werr2 := future.Wait(c.Request.Context()); werr2 != nil {
				writeDelta(map[string]any{"content": "\n[error] " + werr2.Error()}, nil)
			} else if result.FinishReason != "" {
				finish = result.FinishReason
			}
			writeDelta(map[string]any{}, &finish)
			fmt.Fprint(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
			return future
		case <-clientGone:
			return future
		}
	}
}

// ====== Models ======

type modelView struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (d *Daemon) handleModelsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": d.modelViews()})
}

func (d *Daemon) handleModelGet(c *gin.Context) {
	id := c.Param("id")
	for _, m := range d.modelViews() {
		if m.ID == id {
			c.JSON(http.StatusOK, m)
			return
		}
	}
	abortError(c, werr.New(werr.ModelNotFound, "model %q not found", id))
}

func (d *Daemon) modelViews() []modelView {
	created := time.Now().Unix()
	var out []modelView
	for _, desc := range d.reg.Descriptors() {
		model := d.cfg.ProviderModel(desc.ID)
		if model == "" {
			model = desc.DefaultModel
		}
		if model == "" {
			continue
		}
		out = append(out, modelView{
			ID:      model,
			Object:  "model",
			Created: created,
			OwnedBy: desc.ID,
		})
	}
	return out
}

// bindingForModel maps a requested model to a provider binding. A model
// matching a provider's id or served model binds that provider; anything
// else rides the first registered provider with the model as an override.
func (d *Daemon) bindingForModel(model string) *datatypes.ProviderBinding {
	descs := d.reg.Descriptors()
	for _, desc := range descs {
		if desc.ID == model || desc.DefaultModel == model || d.cfg.ProviderModel(desc.ID) == model {
			return &datatypes.ProviderBinding{Name: desc.ID, Model: model}
		}
	}
	for _, desc := range descs {
		if strings.HasPrefix(model, desc.ID+"/") {
			return &datatypes.ProviderBinding{
				Name:  desc.ID,
				Model: strings.TrimPrefix(model, desc.ID+"/"),
			}
		}
	}
	if len(descs) > 0 {
		return &datatypes.ProviderBinding{Name: descs[0].ID, Model: model}
	}
	return nil
}

// splitChatMessages folds system messages into the session context and the
// rest into one prompt transcript.
func splitChatMessages(messages []datatypes.Message) (prompt, system string) {
	var systems, turns []string
	for _, m := range messages {
		switch m.Role {
		case "system", "developer":
			systems = append(systems, m.Content)
		case "assistant":
			turns = append(turns, "Assistant: "+m.Content)
		default:
			turns = append(turns, m.Content)
		}
	}
	return strings.Join(turns, "\n\n"), strings.Join(systems, "\n\n")
}

func finishReasonOf(result *datatypes.QueryResult) string {
	if result.FinishReason != "" {
		return result.FinishReason
	}
	return "stop"
}

func randomHex(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(raw)
}
