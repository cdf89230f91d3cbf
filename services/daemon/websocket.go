// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/wopr/services/events"
)

const (
	wsAuthTimeout  = 10 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 90 * time.Second
	wsSendBuffer   = 128
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon binds loopback; cross-origin pages cannot carry the
	// bearer token anyway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage is anything the client sends after the upgrade.
type wsClientMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

// handleWebSocket upgrades and serves one event-stream client. The token
// arrives in the Authorization header or a first {type:"auth"} message,
// never in the query string.
func (d *Daemon) handleWebSocket(c *gin.Context) {
	preAuth := false
	if header := c.GetHeader("Authorization"); header != "" {
		if _, err := d.authenticate(header); err != nil {
			abortError(c, err)
			return
		}
		preAuth = true
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if !preAuth {
		if !d.wsFirstMessageAuth(conn) {
			return
		}
	}
	d.metrics.ActiveWebsockets.Inc()
	defer d.metrics.ActiveWebsockets.Dec()

	client := &wsClient{
		send:   make(chan []byte, wsSendBuffer),
		topics: make(map[string]bool),
	}

	unsubscribe := d.bus.Subscribe("*", func(ev events.Event) {
		if !client.wants(ev.Type) {
			return
		}
		data, merr := json.Marshal(ev)
		if merr != nil {
			return
		}
		// A slow client loses events rather than stalling the bus.
		select {
		case client.send <- data:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range client.send {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if werr := conn.WriteMessage(websocket.TextMessage, data); werr != nil {
				return
			}
		}
	}()
	defer func() {
		close(client.send)
		<-done
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		switch msg.Type {
		case "subscribe":
			client.subscribe(msg.Topics)
			client.reply("subscribed", msg.Topics)
		case "unsubscribe":
			client.unsubscribe(msg.Topics)
			client.reply("unsubscribed", msg.Topics)
		case "ping":
			client.reply("pong", nil)
		case "auth":
			// Already authenticated; acknowledge idempotently.
			client.reply("auth_ok", nil)
		}
	}
}

// wsFirstMessageAuth waits for {type:"auth", token} and validates it.
func (d *Daemon) wsFirstMessageAuth(conn *websocket.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	var msg wsClientMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return false
	}
	if msg.Type != "auth" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"),
			time.Now().Add(wsWriteTimeout))
		return false
	}
	if _, err := d.authenticate("Bearer " + msg.Token); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(wsWriteTimeout))
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(map[string]string{"type": "auth_ok"})
	return true
}

// wsClient tracks one connection's topic filter and outbound queue.
type wsClient struct {
	mu     sync.Mutex
	topics map[string]bool
	send   chan []byte
}

func (w *wsClient) wants(topic string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.topics["*"] || w.topics[topic]
}

func (w *wsClient) subscribe(topics []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range topics {
		w.topics[t] = true
	}
}

func (w *wsClient) unsubscribe(topics []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range topics {
		delete(w.topics, t)
	}
}

func (w *wsClient) reply(msgType string, topics []string) {
	data, err := json.Marshal(map[string]any{"type": msgType, "topics": topics})
	if err != nil {
		return
	}
	select {
	case w.send <- data:
	default:
	}
}
