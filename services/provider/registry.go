// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/store"
)

// Status is the last known health of a bound provider.
type Status struct {
	Available   bool      `json:"available"`
	LastChecked time.Time `json:"last_checked"`
}

// healthCheckTimeout bounds each provider poll during CheckHealth.
const healthCheckTimeout = 5 * time.Second

// cheapCheckTimeout bounds the availability probe used during resolution.
const cheapCheckTimeout = 2 * time.Second

// statusFreshFor is how long a cached health result is trusted during
// resolution before re-probing.
const statusFreshFor = 30 * time.Second

// Registry enumerates available providers, binds credentials, and
// resolves a session's effective provider. Safe for concurrent use.
type Registry struct {
	store  *store.Store
	vault  *Vault
	logger *slog.Logger

	mu          sync.RWMutex
	order       []string
	descriptors map[string]Descriptor
	clients     map[string]Client
	statuses    map[string]Status
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store, vault *Vault, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       st,
		vault:       vault,
		logger:      logger,
		descriptors: make(map[string]Descriptor),
		clients:     make(map[string]Client),
		statuses:    make(map[string]Status),
	}
}

// Register adds a provider descriptor. Registration order is the stable
// priority order used to pick the globally active provider.
func (r *Registry) Register(desc Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[desc.ID]; !ok {
		r.order = append(r.order, desc.ID)
	}
	r.descriptors[desc.ID] = desc
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id])
	}
	return out
}

// Bind validates a credential, builds the client, and persists the sealed
// credential so the binding survives restarts.
func (r *Registry) Bind(providerID string, cred Credential) error {
	r.mu.RLock()
	desc, ok := r.descriptors[providerID]
	r.mu.RUnlock()
	if !ok {
		return werr.New(werr.NoProviders, "provider %q is not registered", providerID)
	}
	if desc.Validate != nil && !desc.Validate(cred) {
		return werr.New(werr.TokenInvalid, "credential rejected by provider %q", providerID)
	}

	client, err := desc.New(cred)
	if err != nil {
		return err
	}

	sealed, err := r.vault.Seal(cred)
	if err != nil {
		return err
	}
	if err := r.store.SaveCredential(providerID, sealed); err != nil {
		return err
	}

	r.mu.Lock()
	r.clients[providerID] = client
	r.mu.Unlock()
	return nil
}

// Reseal re-encrypts every persisted credential under the new vault.
// Called after identity rotation, which changes the vault key.
func (r *Registry) Reseal(newVault *Vault) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		sealed, err := r.store.GetCredential(id)
		if err != nil {
			return err
		}
		if sealed == nil {
			continue
		}
		cred, err := r.vault.Open(sealed)
		if err != nil {
			return fmt.Errorf("reseal %s: %w", id, err)
		}
		fresh, err := newVault.Seal(cred)
		if err != nil {
			return err
		}
		if err := r.store.SaveCredential(id, fresh); err != nil {
			return err
		}
	}
	r.vault = newVault
	return nil
}

// LoadBindings rebuilds clients from sealed credentials after a restart.
// Providers with credential type "none" are bound implicitly.
func (r *Registry) LoadBindings() error {
	ids, err := r.store.ListCredentialIDs()
	if err != nil {
		return err
	}
	stored := make(map[string]bool, len(ids))
	for _, id := range ids {
		stored[id] = true
	}

	for _, desc := range r.Descriptors() {
		var cred Credential
		switch {
		case stored[desc.ID]:
			sealed, gerr := r.store.GetCredential(desc.ID)
			if gerr != nil {
				return gerr
			}
			cred, gerr = r.vault.Open(sealed)
			if gerr != nil {
				r.logger.Error("failed to open stored credential", "provider", desc.ID, "error", gerr)
				continue
			}
		case desc.Credential == CredentialNone:
			cred = Credential{Type: CredentialNone}
		default:
			continue
		}

		client, cerr := desc.New(cred)
		if cerr != nil {
			r.logger.Warn("provider client construction failed", "provider", desc.ID, "error", cerr)
			continue
		}
		r.mu.Lock()
		r.clients[desc.ID] = client
		r.mu.Unlock()
	}
	return nil
}

// Client returns the bound client for a provider id.
func (r *Registry) Client(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Status returns the last health result for a provider id.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[id]
	return s, ok
}

// CheckHealth polls every bound provider concurrently with a bounded
// timeout and records availability.
func (r *Registry) CheckHealth(ctx context.Context) map[string]Status {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	clients := make(map[string]Client, len(r.clients))
	for id, c := range r.clients {
		ids = append(ids, id)
		clients[id] = c
	}
	r.mu.RUnlock()

	results := make([]Status, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, healthCheckTimeout)
			defer cancel()
			results[i] = Status{
				Available:   clients[id].HealthCheck(cctx),
				LastChecked: time.Now(),
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Status, len(ids))
	r.mu.Lock()
	for i, id := range ids {
		r.statuses[id] = results[i]
		out[id] = results[i]
	}
	r.mu.Unlock()
	return out
}

// available reports whether the provider's client is bound and passes a
// cheap availability check (cached health when fresh, short probe
// otherwise).
func (r *Registry) available(ctx context.Context, id string) bool {
	client, ok := r.Client(id)
	if !ok {
		return false
	}
	if s, ok := r.Status(id); ok && time.Since(s.LastChecked) < statusFreshFor {
		return s.Available
	}
	cctx, cancel := context.WithTimeout(ctx, cheapCheckTimeout)
	defer cancel()
	ok = client.HealthCheck(cctx)
	r.mu.Lock()
	r.statuses[id] = Status{Available: ok, LastChecked: time.Now()}
	r.mu.Unlock()
	return ok
}

// Resolve picks the provider for a session:
//
//  1. the session's explicit binding when the provider is bound,
//  2. the first fallback entry whose client passes the cheap check,
//  3. the globally active provider (first available in registration
//     order).
//
// Returns werr.NoProviders when nothing is usable.
func (r *Registry) Resolve(ctx context.Context, sess *datatypes.Session) (Client, string, error) {
	if sess != nil && sess.Binding != nil {
		if client, ok := r.Client(sess.Binding.Name); ok {
			return client, sess.Binding.Name, nil
		}
		for _, id := range sess.Binding.Fallback {
			if r.available(ctx, id) {
				client, _ := r.Client(id)
				return client, id, nil
			}
		}
	}

	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.RUnlock()

	for _, id := range order {
		if r.available(ctx, id) {
			client, _ := r.Client(id)
			return client, id, nil
		}
	}
	return nil, "", werr.New(werr.NoProviders, "no provider is available")
}

// FallbackChain returns the ordered list of provider ids dispatch should
// try for a session: the resolved primary first, then the session's
// remaining fallbacks.
func (r *Registry) FallbackChain(sess *datatypes.Session, primary string) []string {
	chain := []string{primary}
	if sess != nil && sess.Binding != nil {
		for _, id := range sess.Binding.Fallback {
			if id != primary {
				chain = append(chain, id)
			}
		}
	}
	return chain
}

// DefaultModel returns the model dispatch should request from a provider,
// honouring the session binding's override.
func (r *Registry) DefaultModel(id string, sess *datatypes.Session) string {
	if sess != nil && sess.Binding != nil && sess.Binding.Name == id && sess.Binding.Model != "" {
		return sess.Binding.Model
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if desc, ok := r.descriptors[id]; ok {
		return desc.DefaultModel
	}
	return ""
}
