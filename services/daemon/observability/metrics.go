// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the daemon's Prometheus metrics.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/wopr/services/events"
)

// Metrics aggregates all daemon-level instruments.
type Metrics struct {
	// InjectionsTotal counts injections by source type and terminal
	// lifecycle event.
	InjectionsTotal *prometheus.CounterVec

	// DispatchDurationSeconds observes dequeue-to-terminal latency.
	DispatchDurationSeconds *prometheus.HistogramVec

	// ToolInvocationsTotal counts tool calls by tool name and whether
	// the capability gate allowed them.
	ToolInvocationsTotal *prometheus.CounterVec

	// SecurityDenialsTotal counts kernel denials by action.
	SecurityDenialsTotal *prometheus.CounterVec

	// ActiveWebsockets gauges connected event-stream clients.
	ActiveWebsockets prometheus.Gauge

	// HTTPRequestsTotal counts management requests by route and status.
	HTTPRequestsTotal *prometheus.CounterVec
}

// New registers all instruments on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a private
// registry so parallel suites do not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InjectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wopr",
			Name:      "injections_total",
			Help:      "Injections processed, by terminal lifecycle event.",
		}, []string{"event"}),
		DispatchDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wopr",
			Name:      "dispatch_duration_seconds",
			Help:      "Latency from queue start to terminal event.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"event"}),
		ToolInvocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wopr",
			Name:      "tool_invocations_total",
			Help:      "Tool calls, by tool and capability-gate outcome.",
		}, []string{"tool", "allowed"}),
		SecurityDenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wopr",
			Name:      "security_denials_total",
			Help:      "Kernel denials, by audited action.",
		}, []string{"action"}),
		ActiveWebsockets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wopr",
			Name:      "websocket_clients",
			Help:      "Currently connected WebSocket event clients.",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wopr",
			Name:      "http_requests_total",
			Help:      "Management surface requests, by route and status.",
		}, []string{"route", "status"}),
	}
}

// Observe wires the metrics to the event bus. Returns the unsubscribe
// function.
func (m *Metrics) Observe(bus *events.Bus) func() {
	var mu sync.Mutex
	started := make(map[string]time.Time)

	return bus.Subscribe("*", func(ev events.Event) {
		switch ev.Type {
		case events.QueueStart:
			mu.Lock()
			started[ev.InjectID] = ev.Timestamp
			mu.Unlock()
		case events.QueueComplete, events.QueueCancel, events.QueueError:
			m.InjectionsTotal.WithLabelValues(ev.Type).Inc()
			mu.Lock()
			at, ok := started[ev.InjectID]
			delete(started, ev.InjectID)
			mu.Unlock()
			if ok {
				m.DispatchDurationSeconds.WithLabelValues(ev.Type).
					Observe(ev.Timestamp.Sub(at).Seconds())
			}
		case events.ToolInvoked:
			tool, _ := ev.Payload["tool"].(string)
			allowed, _ := ev.Payload["allowed"].(bool)
			label := "false"
			if allowed {
				label = "true"
			}
			m.ToolInvocationsTotal.WithLabelValues(tool, label).Inc()
		case events.SecurityAudit:
			if allowed, ok := ev.Payload["allowed"].(bool); ok && !allowed {
				action, _ := ev.Payload["action"].(string)
				m.SecurityDenialsTotal.WithLabelValues(action).Inc()
			}
		}
	})
}
