// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/events"
	"github.com/AleutianAI/wopr/services/identity"
	"github.com/AleutianAI/wopr/services/provider"
)

// ====== Cron ======

type createCronRequest struct {
	Name     string                 `json:"name" binding:"required"`
	Schedule string                 `json:"schedule" binding:"required"`
	Session  string                 `json:"session" binding:"required"`
	Message  string                 `json:"message" binding:"required"`
	RunAt    time.Time              `json:"run_at"`
	Scripts  []datatypes.CronScript `json:"scripts"`
}

func (d *Daemon) handleCronList(c *gin.Context) {
	jobs, err := d.cron.ListJobs()
	if err != nil {
		abortError(c, err)
		return
	}
	type jobView struct {
		datatypes.CronJob
		NextFire time.Time `json:"next_fire,omitempty"`
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView{CronJob: job, NextFire: d.cron.NextFire(job.Name)})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (d *Daemon) handleCronCreate(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	var req createCronRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}
	job := datatypes.CronJob{
		Name:     req.Name,
		Schedule: req.Schedule,
		Session:  req.Session,
		Message:  req.Message,
		RunAt:    req.RunAt,
		Scripts:  req.Scripts,
	}
	// Management keys act with operator authority, so no creator session
	// is attributed and the cross-session gate does not apply.
	if err := d.cron.AddJob(job, "", nil); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": job.Name, "next_fire": d.cron.NextFire(job.Name)})
}

func (d *Daemon) handleCronDelete(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	if err := d.cron.RemoveJob(c.Param("name")); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

func (d *Daemon) handleCronHistory(c *gin.Context) {
	history, err := d.cron.History(intQuery(c, "limit", 0))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// ====== Providers ======

func (d *Daemon) handleProviderList(c *gin.Context) {
	type providerView struct {
		ID           string    `json:"id"`
		Name         string    `json:"name"`
		DefaultModel string    `json:"default_model"`
		Credential   string    `json:"credential"`
		Available    bool      `json:"available"`
		LastChecked  time.Time `json:"last_checked,omitempty"`
	}
	var views []providerView
	for _, desc := range d.reg.Descriptors() {
		view := providerView{
			ID:           desc.ID,
			Name:         desc.Name,
			DefaultModel: desc.DefaultModel,
			Credential:   string(desc.Credential),
		}
		if status, ok := d.reg.Status(desc.ID); ok {
			view.Available = status.Available
			view.LastChecked = status.LastChecked
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"providers": views})
}

func (d *Daemon) handleProviderActive(c *gin.Context) {
	client, id, err := d.reg.Resolve(c.Request.Context(), &datatypes.Session{})
	if err != nil {
		abortError(c, err)
		return
	}
	_ = client
	c.JSON(http.StatusOK, gin.H{"active": id, "model": d.reg.DefaultModel(id, nil)})
}

func (d *Daemon) handleProviderModels(c *gin.Context) {
	id := c.Param("id")
	client, ok := d.reg.Client(id)
	if !ok {
		abortError(c, werr.New(werr.NoProviders, "provider %q is not bound", id))
		return
	}
	models, err := client.ListModels(c.Request.Context())
	if err != nil {
		abortError(c, werr.Wrap(werr.ProviderUnavailable, err, "model listing failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": id, "models": models})
}

type bindProviderRequest struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

func (d *Daemon) handleProviderBind(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	var req bindProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}
	id := c.Param("id")
	cred := provider.Credential{Type: provider.CredentialAPIKey, APIKey: req.APIKey, BaseURL: req.BaseURL}
	if req.APIKey == "" {
		cred.Type = provider.CredentialNone
	}
	if err := d.reg.Bind(id, cred); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bound": id})
}

func (d *Daemon) handleProviderHealth(c *gin.Context) {
	statuses := d.reg.CheckHealth(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

// ====== Config ======

func (d *Daemon) handleConfigSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": d.cfg.Snapshot()})
}

type configSetRequest struct {
	Value any `json:"value"`
}

func (d *Daemon) handleConfigSet(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	var req configSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}
	key := c.Param("key")
	if err := d.cfg.Set(key, req.Value); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": d.cfg.RedactedValue(key, req.Value)})
}

// ====== API keys ======

type createKeyRequest struct {
	Name string `json:"name" binding:"required"`
	// Scope is "full", "read-only", or "instance:<session>".
	Scope string `json:"scope" binding:"required"`
}

func (d *Daemon) handleKeyCreate(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}
	scope, instance := datatypes.ParseAPIKeyScope(req.Scope)
	key, raw, err := d.kernel.CreateAPIKey(req.Name, scope, instance)
	if err != nil {
		abortError(c, err)
		return
	}
	// The raw secret appears in this response and nowhere else.
	body := gin.H{
		"id":    key.ID,
		"name":  key.Name,
		"scope": key.Scope,
		"key":   raw,
	}
	if key.Instance != "" {
		body["instance"] = key.Instance
	}
	c.JSON(http.StatusCreated, body)
}

func (d *Daemon) handleKeyList(c *gin.Context) {
	keys, err := d.store.ListAPIKeys()
	if err != nil {
		abortError(c, err)
		return
	}
	type keyView struct {
		ID         string    `json:"id"`
		Name       string    `json:"name"`
		Scope      string    `json:"scope"`
		Instance   string    `json:"instance,omitempty"`
		Prefix     string    `json:"prefix"`
		CreatedAt  time.Time `json:"created_at"`
		LastUsedAt time.Time `json:"last_used_at,omitempty"`
		Revoked    bool      `json:"revoked,omitempty"`
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView{
			ID:         k.ID,
			Name:       k.Name,
			Scope:      string(k.Scope),
			Instance:   k.Instance,
			Prefix:     k.Prefix + "…",
			CreatedAt:  k.CreatedAt,
			LastUsedAt: k.LastUsedAt,
			Revoked:    k.Revoked,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

func (d *Daemon) handleKeyRevoke(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	if err := d.kernel.RevokeAPIKey(c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": c.Param("id")})
}

// ====== Capability registry ======

func (d *Daemon) handleCapabilityList(c *gin.Context) {
	names := d.caps.List()
	providers := make(map[string][]events.ProviderDescriptor, len(names))
	for _, name := range names {
		providers[name] = d.caps.Providers(name)
	}
	c.JSON(http.StatusOK, gin.H{
		"capabilities": names,
		"providers":    providers,
		"active":       d.caps.Active(),
	})
}

type registerCapabilityRequest struct {
	Capability string                    `json:"capability" binding:"required"`
	Provider   events.ProviderDescriptor `json:"provider" binding:"required"`
}

func (d *Daemon) handleCapabilityRegister(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	var req registerCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}
	d.caps.Register(req.Capability, req.Provider)
	c.JSON(http.StatusCreated, gin.H{"capability": req.Capability})
}

type activateCapabilityRequest struct {
	Capability string `json:"capability" binding:"required"`
}

func (d *Daemon) handleCapabilityActivate(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}
	var req activateCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, werr.New(werr.MissingField, "invalid request body: %v", err))
		return
	}
	d.caps.Activate(req.Capability)
	c.JSON(http.StatusOK, gin.H{"active": req.Capability})
}

// ====== Audit ======

func (d *Daemon) handleAuditLog(c *gin.Context) {
	audits, err := d.store.ReadAudit(intQuery(c, "limit", 100))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": audits})
}

// ====== P2P envelopes ======

// handlePeerEnvelope accepts one signed peer envelope. Authentication is
// the envelope signature; unknown senders are rejected unless a hello
// with autoAccept is in effect.
func (d *Daemon) handlePeerEnvelope(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(d.cfg.P2PMaxPayloadSize()))

	var env identity.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		abortError(c, werr.New(werr.SignatureInvalid, "malformed envelope"))
		return
	}

	switch env.Type {
	case identity.TypeHello:
		d.handlePeerHello(c, &env)
	case identity.TypeInject:
		d.handlePeerInject(c, &env)
	case identity.TypeKeyRotation:
		d.handlePeerRotation(c, &env)
	default:
		abortError(c, werr.New(werr.VersionMismatch, "unsupported envelope type %q", env.Type))
	}
}

func (d *Daemon) handlePeerHello(c *gin.Context, env *identity.Envelope) {
	var hello identity.HelloPayload
	if err := d.codec.Open(env, &hello); err != nil {
		abortError(c, err)
		return
	}
	peer, err := d.store.GetPeer(env.From)
	if err != nil {
		abortError(c, err)
		return
	}
	if peer == nil {
		if !d.cfg.P2PAutoAccept() {
			abortError(c, werr.New(werr.AccessDenied, "unknown peer"))
			return
		}
		peer = &datatypes.Peer{
			PublicKey:  env.From,
			TrustLevel: d.cfg.P2PDiscoveryTrust(),
			AddedAt:    time.Now(),
		}
	}
	peer.EncryptKey = hello.EncryptPub
	peer.Name = hello.Name
	peer.LastSeen = time.Now()
	if err := d.store.SavePeer(*peer); err != nil {
		abortError(c, err)
		return
	}

	me := d.ident.Current()
	ack, err := d.codec.Seal(identity.TypeHelloAck, identity.HelloPayload{
		Versions:   []int{identity.WireVersion},
		EncryptPub: me.EncryptPub,
	}, hello.EncryptPub)
	if err != nil {
		abortError(c, werr.Wrap(werr.Internal, err, "hello-ack seal failed"))
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (d *Daemon) handlePeerInject(c *gin.Context, env *identity.Envelope) {
	var payload identity.InjectPayload
	if err := d.codec.Open(env, &payload); err != nil {
		abortError(c, err)
		return
	}
	peer, err := d.store.GetPeer(env.From)
	if err != nil {
		abortError(c, err)
		return
	}
	if peer == nil {
		abortError(c, werr.New(werr.AccessDenied, "unknown peer"))
		return
	}
	peer.LastSeen = time.Now()
	_ = d.store.SavePeer(*peer)

	source := datatypes.NewSource(datatypes.SourceP2P)
	source.Identity.PublicKey = env.From
	source.TrustLevel = peer.TrustLevel
	source.GrantID = payload.GrantID

	text, err := d.engine.InjectAndWait(c.Request.Context(), payload.Session, payload.Message, source)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": identity.TypeAck, "response": text})
}

func (d *Daemon) handlePeerRotation(c *gin.Context, env *identity.Envelope) {
	var rot identity.KeyRotationPayload
	if err := d.codec.Open(env, &rot); err != nil {
		abortError(c, err)
		return
	}
	peer, err := d.store.GetPeer(env.From)
	if err != nil {
		abortError(c, err)
		return
	}
	if peer == nil {
		abortError(c, werr.New(werr.AccessDenied, "unknown peer"))
		return
	}
	// The rotation is signed by the old key, so re-keying the record
	// preserves the established trust level.
	if err := d.store.DeletePeer(peer.PublicKey); err != nil {
		abortError(c, err)
		return
	}
	peer.PublicKey = rot.NewSignPub
	peer.EncryptKey = rot.NewEncryptPub
	peer.LastSeen = time.Now()
	if err := d.store.SavePeer(*peer); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": identity.TypeAck})
}
