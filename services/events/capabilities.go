// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import "sync"

// ProviderDescriptor names one provider of a dynamic capability (a plugin
// exposing TTS, a sandbox backend, etc).
type ProviderDescriptor struct {
	Name     string         `json:"name"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CapabilityRegistry maps capability names to their registered providers.
//
// Iteration order is insert order, both across capabilities and within a
// capability's provider list. Consumers subscribe to the bus's
// capability:providerRegistered / Unregistered events instead of polling.
type CapabilityRegistry struct {
	bus *Bus

	mu        sync.RWMutex
	order     []string
	providers map[string][]ProviderDescriptor
	active    string
}

// NewCapabilityRegistry creates an empty registry publishing to bus.
func NewCapabilityRegistry(bus *Bus) *CapabilityRegistry {
	return &CapabilityRegistry{
		bus:       bus,
		providers: make(map[string][]ProviderDescriptor),
	}
}

// Reset clears all registrations. For tests.
func (r *CapabilityRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.providers = make(map[string][]ProviderDescriptor)
	r.active = ""
}

// Register adds a provider for a capability and notifies subscribers.
func (r *CapabilityRegistry) Register(capability string, desc ProviderDescriptor) {
	r.mu.Lock()
	if _, ok := r.providers[capability]; !ok {
		r.order = append(r.order, capability)
	}
	r.providers[capability] = append(r.providers[capability], desc)
	r.mu.Unlock()

	r.bus.Publish(Event{
		Type:    CapabilityRegistered,
		Payload: map[string]any{"capability": capability, "provider": desc.Name},
	})
}

// Unregister removes a named provider from a capability and notifies
// subscribers. The capability stays in iteration order even when empty.
func (r *CapabilityRegistry) Unregister(capability, providerName string) {
	r.mu.Lock()
	list := r.providers[capability]
	for i, d := range list {
		if d.Name == providerName {
			r.providers[capability] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.bus.Publish(Event{
		Type:    CapabilityUnregistered,
		Payload: map[string]any{"capability": capability, "provider": providerName},
	})
}

// Providers returns the providers registered for a capability, insert order.
func (r *CapabilityRegistry) Providers(capability string) []ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderDescriptor, len(r.providers[capability]))
	copy(out, r.providers[capability])
	return out
}

// List returns all capability names in insert order.
func (r *CapabilityRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Activate marks a capability as the active one (e.g. the selected TTS
// provider). Unknown capabilities are still recorded; consumers decide.
func (r *CapabilityRegistry) Activate(capability string) {
	r.mu.Lock()
	r.active = capability
	r.mu.Unlock()
}

// Active returns the currently activated capability name, or "".
func (r *CapabilityRegistry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}
