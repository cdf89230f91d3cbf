// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/dispatch"
	"github.com/AleutianAI/wopr/services/events"
)

// ====== Sessions ======

type createSessionRequest struct {
	Name    string `json:"name" binding:"required"`
	Context string `json:"context"`
}

func (d *Daemon) handleSessionList(c *gin.Context) {
	sessions, err := d.store.ListSessions()
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (d *Daemon) handleSessionCreate(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}
	if _, err := d.store.GetSession(req.Name); err == nil {
		abortError(c, werr.New(werr.SessionAlreadyExists, "session %q already exists", req.Name))
		return
	}
	sess, err := d.store.CreateSession(req.Name)
	if err != nil {
		abortError(c, err)
		return
	}
	if req.Context != "" {
		sess.Context = req.Context
		if err := d.store.SaveSession(sess); err != nil {
			abortError(c, err)
			return
		}
	}
	d.bus.Publish(events.Event{Type: events.SessionCreate, Session: sess.Name})
	c.JSON(http.StatusCreated, sess)
}

func (d *Daemon) handleSessionGet(c *gin.Context) {
	sess, err := d.store.GetSession(c.Param("name"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (d *Daemon) handleSessionDelete(c *gin.Context) {
	name := c.Param("name")
	if !requireWriteScope(c) || !requireSessionScope(c, name) {
		return
	}
	finalLog, err := d.store.DeleteSession(name)
	if err != nil {
		abortError(c, err)
		return
	}
	d.engine.RemoveSession(name)
	d.bus.Publish(events.Event{
		Type:    events.SessionDestroy,
		Session: name,
		Payload: map[string]any{"entries": len(finalLog)},
	})
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

func (d *Daemon) handleConversation(c *gin.Context) {
	name := c.Param("name")
	if !requireSessionScope(c, name) {
		return
	}
	limit := intQuery(c, "limit", 0)
	if _, err := d.store.GetSession(name); err != nil {
		abortError(c, err)
		return
	}
	entries, err := d.store.ReadConversation(name, limit)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": name, "entries": entries})
}

// ====== Injection ======

type injectRequest struct {
	Message  string `json:"message" binding:"required"`
	From     string `json:"from"`
	Silent   bool   `json:"silent"`
	Priority int    `json:"priority"`
}

func (d *Daemon) handleInject(c *gin.Context) {
	if !requireWriteScope(c) || !requireSessionScope(c, c.Param("name")) {
		return
	}
	var req injectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}
	session := c.Param("name")
	source := apiSource(c)

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		d.injectSSE(c, session, req, source)
		return
	}

	injectID, future, err := d.engine.Inject(c.Request.Context(), session, req.Message, source,
		dispatch.InjectOptions{From: req.From, Silent: req.Silent, Priority: req.Priority})
	if err != nil {
		abortError(c, err)
		return
	}
	result, err := future.Wait(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"inject_id":     injectID,
		"response":      result.Text,
		"finish_reason": result.FinishReason,
		"usage":         result.Usage,
	})
}

// injectSSE streams chunks as data: {JSON} frames. Once streaming has
// begun, errors are delivered in-band with HTTP status 200.
func (d *Daemon) injectSSE(c *gin.Context, session string, req injectRequest,
	source datatypes.InjectionSource) {

	clientGone := c.Request.Context().Done()
	chunks := make(chan datatypes.StreamChunk, 64)
	onStream := func(chunk datatypes.StreamChunk) {
		select {
		case chunks <- chunk:
		case <-clientGone:
		}
	}

	injectID, future, err := d.engine.Inject(c.Request.Context(), session, req.Message, source,
		dispatch.InjectOptions{From: req.From, Silent: req.Silent, Priority: req.Priority, OnStream: onStream})
	if err != nil {
		abortError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sawTerminal := false
	for {
		select {
		case chunk := <-chunks:
			writeSSEChunk(c, injectID, chunk)
			if chunk.Type == datatypes.ChunkComplete || chunk.Type == datatypes.ChunkError {
				sawTerminal = true
			}
		case <-future.Done():
			// Drain whatever the provider emitted before the future
			// resolved, then close out the stream.
			for {
				select {
				case chunk := <-chunks:
					writeSSEChunk(c, injectID, chunk)
					if chunk.Type == datatypes.ChunkComplete || chunk.Type == datatypes.ChunkError {
						sawTerminal = true
					}
					continue
				default:
				}
				break
			}
			if _, werr2 := future.Wait(c.Request.Context()); werr2 != nil {
				writeSSEChunk(c, injectID, datatypes.StreamChunk{
					Type: datatypes.ChunkError, Err: werr2.Error(),
				})
			} else if !sawTerminal {
				writeSSEChunk(c, injectID, datatypes.StreamChunk{Type: datatypes.ChunkComplete})
			}
			return
		case <-clientGone:
			return
		}
	}
}

func writeSSEChunk(c *gin.Context, injectID string, chunk datatypes.StreamChunk) {
	frame := map[string]any{"type": string(chunk.Type), "inject_id": injectID}
	switch chunk.Type {
	case datatypes.ChunkText:
		frame["text"] = chunk.Text
	case datatypes.ChunkToolUse:
		frame["tool_name"] = chunk.ToolName
		frame["tool_input"] = chunk.ToolInput
	case datatypes.ChunkError:
		frame["error"] = chunk.Err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func (d *Daemon) handleCancel(c *gin.Context) {
	if !requireWriteScope(c) || !requireSessionScope(c, c.Param("name")) {
		return
	}
	session := c.Param("name")
	q, ok := d.engine.Queues().Peek(session)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"cancelled_active": false, "cancelled_queued": 0})
		return
	}
	active := q.CancelActive()
	queued := 0
	if c.Query("all") == "true" {
		queued = q.CancelQueued()
	}
	c.JSON(http.StatusOK, gin.H{"cancelled_active": active, "cancelled_queued": queued})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
