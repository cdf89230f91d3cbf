// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
)

// ctxKeyAuth is the gin context key carrying the authenticated identity.
const ctxKeyAuth = "wopr.auth"

// authInfo describes how the current request authenticated.
type authInfo struct {
	// Bootstrap is true for the operator token.
	Bootstrap bool
	// Key is set when an API key authenticated the request.
	Key *datatypes.APIKey
}

func (d *Daemon) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), d.requestMetrics())

	// Liveness and metrics stay unauthenticated.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", d.handleReady)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	// Peer envelopes authenticate with their signature, not a token.
	r.POST("/p2p/envelope", d.handlePeerEnvelope)

	auth := r.Group("/", d.requireBearer())
	{
		auth.GET("/sessions", d.handleSessionList)
		auth.POST("/sessions", d.handleSessionCreate)
		auth.GET("/sessions/:name", d.handleSessionGet)
		auth.DELETE("/sessions/:name", d.handleSessionDelete)
		auth.POST("/sessions/:name/inject", d.handleInject)
		auth.POST("/sessions/:name/cancel", d.handleCancel)
		auth.GET("/sessions/:name/conversation", d.handleConversation)

		auth.GET("/crons", d.handleCronList)
		auth.POST("/crons", d.handleCronCreate)
		auth.DELETE("/crons/:name", d.handleCronDelete)
		auth.GET("/crons/history", d.handleCronHistory)

		auth.GET("/providers", d.handleProviderList)
		auth.GET("/providers/active", d.handleProviderActive)
		auth.GET("/providers/:id/models", d.handleProviderModels)
		auth.POST("/providers/:id/bind", d.handleProviderBind)
		auth.POST("/providers/health", d.handleProviderHealth)

		auth.GET("/config", d.handleConfigSnapshot)
		auth.PUT("/config/:key", d.handleConfigSet)

		auth.POST("/api/keys", d.handleKeyCreate)
		auth.GET("/api/keys", d.handleKeyList)
		auth.DELETE("/api/keys/:id", d.handleKeyRevoke)

		auth.GET("/api/capabilities", d.handleCapabilityList)
		auth.POST("/api/capabilities", d.handleCapabilityRegister)
		auth.POST("/api/capabilities/activate", d.handleCapabilityActivate)

		auth.GET("/api/events", d.handleAuditLog)

		auth.GET("/identity", d.handleIdentityShow)
		auth.POST("/identity/rotate", d.handleIdentityRotate)

		auth.POST("/v1/chat/completions", d.handleChatCompletions)
		auth.GET("/v1/models", d.handleModelsList)
		auth.GET("/v1/models/:id", d.handleModelGet)
	}

	// The WebSocket endpoint does its own auth: the token may arrive in
	// the upgrade header or the first message, never in the query.
	r.GET("/api/ws", d.handleWebSocket)

	return r
}

func (d *Daemon) handleReady(c *gin.Context) {
	if _, err := d.store.ListSessions(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// requireBearer authenticates Authorization: Bearer tokens against the
// bootstrap token and stored API keys.
func (d *Daemon) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := d.authenticate(c.GetHeader("Authorization"))
		if err != nil {
			abortError(c, err)
			return
		}
		c.Set(ctxKeyAuth, info)
		c.Next()
	}
}

func (d *Daemon) authenticate(header string) (*authInfo, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, werr.New(werr.Unauthenticated, "missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(d.token)) == 1 {
		return &authInfo{Bootstrap: true}, nil
	}
	key, err := d.kernel.ValidateAPIKey(token)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, werr.New(werr.TokenInvalid, "unrecognized token")
	}
	return &authInfo{Key: key}, nil
}

// authOf returns the authenticated identity stored by requireBearer.
func authOf(c *gin.Context) *authInfo {
	if v, ok := c.Get(ctxKeyAuth); ok {
		if info, ok := v.(*authInfo); ok {
			return info
		}
	}
	return &authInfo{}
}

// requireWriteScope rejects read-only API keys on mutating routes.
func requireWriteScope(c *gin.Context) bool {
	info := authOf(c)
	if info.Key != nil && info.Key.Scope == datatypes.ScopeReadOnly {
		abortError(c, werr.New(werr.InvalidScope, "api key is read-only"))
		return false
	}
	return true
}

// requireSessionScope rejects instance-scoped keys targeting any session
// other than the one they are pinned to.
func requireSessionScope(c *gin.Context, session string) bool {
	info := authOf(c)
	if info.Key != nil && info.Key.Scope == datatypes.ScopeInstance && info.Key.Instance != session {
		abortError(c, werr.New(werr.InvalidScope,
			"api key is scoped to session %q", info.Key.Instance))
		return false
	}
	return true
}

// apiSource builds the injection source for an authenticated request.
func apiSource(c *gin.Context) datatypes.InjectionSource {
	source := datatypes.NewSource(datatypes.SourceAPI)
	if info := authOf(c); info.Key != nil {
		source.Identity.APIKeyID = info.Key.ID
	}
	return source
}

func (d *Daemon) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		d.metrics.HTTPRequestsTotal.
			WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// abortError renders the taxonomy error as the route's JSON error body.
func abortError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(werr.HTTPStatus(err), gin.H{
		"error": err.Error(),
		"kind":  string(werr.KindOf(err)),
	})
}
