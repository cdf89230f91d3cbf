// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	unsub := bus.Subscribe(SessionStream, func(e Event) {
		got = append(got, e.InjectID)
	})
	bus.Subscribe("*", func(e Event) {
		got = append(got, "any:"+e.Type)
	})

	bus.Publish(Event{Type: SessionStream, InjectID: "inject-1"})
	bus.Publish(Event{Type: SessionCreate})

	assert.Equal(t, []string{"inject-1", "any:" + SessionStream, "any:" + SessionCreate}, got)

	unsub()
	bus.Publish(Event{Type: SessionStream, InjectID: "inject-2"})
	assert.NotContains(t, got, "inject-2")
}

func TestBus_PanickingHandlerDoesNotAbortOthers(t *testing.T) {
	bus := NewBus(nil)

	bus.Subscribe(SessionStream, func(Event) { panic("boom") })
	delivered := false
	bus.Subscribe(SessionStream, func(Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: SessionStream})
	})
	assert.True(t, delivered, "later handlers must still run")
}

func TestBus_HookChainPriorityOrder(t *testing.T) {
	bus := NewBus(nil)

	bus.RegisterHook(HookIncoming, Hook{
		Name: "low", Priority: 1, Enabled: true,
		Fn: func(p HookPayload) Outcome {
			p.Message += "|low"
			return Continue(p)
		},
	})
	bus.RegisterHook(HookIncoming, Hook{
		Name: "high", Priority: 10, Enabled: true,
		Fn: func(p HookPayload) Outcome {
			p.Message += "|high"
			return Continue(p)
		},
	})

	out := bus.RunHooks(HookIncoming, HookPayload{Message: "base"})
	require.False(t, out.Prevent)
	assert.Equal(t, "base|high|low", out.Payload.Message,
		"higher priority hooks run first and thread their output onward")
}

func TestBus_HookPrevent(t *testing.T) {
	bus := NewBus(nil)

	bus.RegisterHook(HookIncoming, Hook{
		Name: "filter", Priority: 5, Enabled: true,
		Fn: func(p HookPayload) Outcome {
			if strings.Contains(p.Message, "blocked") {
				return Prevent("content filter")
			}
			return Continue(p)
		},
	})
	ran := false
	bus.RegisterHook(HookIncoming, Hook{
		Name: "later", Priority: 1, Enabled: true,
		Fn: func(p HookPayload) Outcome {
			ran = true
			return Continue(p)
		},
	})

	out := bus.RunHooks(HookIncoming, HookPayload{Message: "this is blocked"})
	assert.True(t, out.Prevent)
	assert.Equal(t, "content filter", out.Reason)
	assert.False(t, ran, "prevent stops the chain")
}

func TestBus_DisabledHookSkipped(t *testing.T) {
	bus := NewBus(nil)
	bus.RegisterHook(HookOutgoing, Hook{
		Name: "rewriter", Priority: 1, Enabled: true,
		Fn: func(p HookPayload) Outcome {
			p.Message = "rewritten"
			return Continue(p)
		},
	})
	bus.SetHookEnabled(HookOutgoing, "rewriter", false)

	out := bus.RunHooks(HookOutgoing, HookPayload{Message: "original"})
	assert.Equal(t, "original", out.Payload.Message)
}

func TestBus_PanickingHookContinuesUnmodified(t *testing.T) {
	bus := NewBus(nil)
	bus.RegisterHook(HookIncoming, Hook{
		Name: "crasher", Priority: 2, Enabled: true,
		Fn:   func(HookPayload) Outcome { panic("hook bug") },
	})

	out := bus.RunHooks(HookIncoming, HookPayload{Message: "safe"})
	require.False(t, out.Prevent)
	assert.Equal(t, "safe", out.Payload.Message)
}

func TestCapabilityRegistry_InsertOrderAndEvents(t *testing.T) {
	bus := NewBus(nil)
	reg := NewCapabilityRegistry(bus)

	var notifications []string
	bus.Subscribe(CapabilityRegistered, func(e Event) {
		notifications = append(notifications, e.Payload["capability"].(string))
	})

	reg.Register("tts", ProviderDescriptor{Name: "piper"})
	reg.Register("sandbox", ProviderDescriptor{Name: "docker"})
	reg.Register("tts", ProviderDescriptor{Name: "espeak"})

	assert.Equal(t, []string{"tts", "sandbox"}, reg.List())
	provs := reg.Providers("tts")
	require.Len(t, provs, 2)
	assert.Equal(t, "piper", provs[0].Name)
	assert.Equal(t, []string{"tts", "sandbox", "tts"}, notifications)

	reg.Unregister("tts", "piper")
	provs = reg.Providers("tts")
	require.Len(t, provs, 1)
	assert.Equal(t, "espeak", provs[0].Name)
}
