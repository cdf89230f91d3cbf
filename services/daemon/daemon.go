// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package daemon wires the WOPR subsystems together and serves the
// management surface.
//
// Construction order matters: store and identity come first (the vault
// key derives from the identity), then the provider registry, then the
// kernel and tool surface, then the dispatch engine, and finally the
// cron scheduler. The tool surface is late-bound to the engine, the
// scheduler, and the config service because each needs the surface at
// its own construction time.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/wopr/pkg/logging"
	"github.com/AleutianAI/wopr/services/config"
	"github.com/AleutianAI/wopr/services/cron"
	"github.com/AleutianAI/wopr/services/daemon/observability"
	"github.com/AleutianAI/wopr/services/dispatch"
	"github.com/AleutianAI/wopr/services/events"
	"github.com/AleutianAI/wopr/services/identity"
	"github.com/AleutianAI/wopr/services/provider"
	"github.com/AleutianAI/wopr/services/security"
	"github.com/AleutianAI/wopr/services/store"
	"github.com/AleutianAI/wopr/services/tools"
)

const (
	// DefaultAddr binds loopback only; remote access goes through a
	// reverse proxy or SSH tunnel.
	DefaultAddr = "127.0.0.1:7154"

	// tokenFile holds the generated bootstrap token under WOPR_HOME.
	tokenFile = "wopr.token"

	shutdownTimeout = 10 * time.Second
	queueIdleSweep  = 10 * time.Minute
)

// Options configure daemon construction.
type Options struct {
	// Home overrides WOPR_HOME resolution.
	Home string

	// Addr is the HTTP listen address. Defaults to DefaultAddr.
	Addr string

	// BootstrapToken is the operator token accepted by the Bearer
	// middleware. Empty generates one and persists it under Home.
	BootstrapToken string

	// InMemory runs the store without disk. For tests.
	InMemory bool

	// Logger defaults to logging.Default().
	Logger *logging.Logger

	// Registerer receives the Prometheus instruments. Defaults to the
	// global registry.
	Registerer prometheus.Registerer
}

// Daemon owns every subsystem and the HTTP server.
type Daemon struct {
	opts     Options
	logger   *logging.Logger
	cfg      *config.Service
	store    *store.Store
	ident    *identity.Manager
	codec    *identity.Codec
	reg      *provider.Registry
	bus      *events.Bus
	caps     *events.CapabilityRegistry
	kernel   *security.Kernel
	surface  *tools.Surface
	engine   *dispatch.Engine
	cron     *cron.Scheduler
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer

	token       string
	server      *http.Server
	stopMetrics func()
	stopSweep   chan struct{}
}

// New builds the full daemon. Nothing is listening yet; call Start.
func New(opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	slogger := logger.Slog()

	cfg, err := config.Open(opts.Home, slogger)
	if err != nil {
		return nil, err
	}

	storeCfg := store.DefaultConfig(filepath.Join(cfg.HomeDir(), "db"))
	if opts.InMemory {
		storeCfg = store.InMemoryConfig()
	}
	st, err := store.Open(storeCfg)
	if err != nil {
		cfg.Close()
		return nil, err
	}

	ident := identity.NewManager(st, slogger)
	if err := ident.Init(); err != nil {
		st.Close()
		cfg.Close()
		return nil, err
	}
	vaultKey, err := ident.VaultKey()
	if err != nil {
		st.Close()
		cfg.Close()
		return nil, err
	}
	vault, err := provider.NewVault(vaultKey)
	if err != nil {
		st.Close()
		cfg.Close()
		return nil, err
	}

	bus := events.NewBus(slogger)
	caps := events.NewCapabilityRegistry(bus)
	kernel := security.NewKernel(st, bus, cfg, slogger)

	reg := provider.NewRegistry(st, vault, slogger)
	reg.Register(provider.AnthropicDescriptor())
	reg.Register(provider.OpenAIDescriptor())
	reg.Register(provider.OllamaDescriptor())
	reg.Register(provider.EchoDescriptor())
	if err := reg.LoadBindings(); err != nil {
		logger.Warn("failed to restore provider bindings", "error", err)
	}

	surface := tools.NewSurface(tools.Options{
		Store:      st,
		Kernel:     kernel,
		Bus:        bus,
		Policy:     cfg,
		Logger:     slogger,
		MemoryRoot: cfg.SessionsDir(),
	})
	engine := dispatch.NewEngine(st, reg, kernel, bus, surface, slogger, dispatch.Options{Prompt: cfg})
	sched := cron.NewScheduler(st, engine, cfg, slogger)

	surface.BindInjector(engine)
	surface.BindCron(sched)
	surface.BindConfig(cfg)

	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := observability.New(registerer)
	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	d := &Daemon{
		opts:     opts,
		logger:   logger,
		cfg:      cfg,
		store:    st,
		ident:    ident,
		codec:    identity.NewCodec(ident),
		reg:      reg,
		bus:      bus,
		caps:     caps,
		kernel:   kernel,
		surface:  surface,
		engine:   engine,
		cron:     sched,
		metrics:  metrics,
		gatherer: gatherer,
	}
	if err := d.resolveToken(); err != nil {
		d.closeCore()
		return nil, err
	}
	return d, nil
}

// resolveToken loads or mints the bootstrap token.
func (d *Daemon) resolveToken() error {
	if d.opts.BootstrapToken != "" {
		d.token = d.opts.BootstrapToken
		return nil
	}
	path := filepath.Join(d.cfg.HomeDir(), tokenFile)
	if data, err := os.ReadFile(path); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			d.token = tok
			return nil
		}
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	d.token = "wopr_boot_" + hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(d.token+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist bootstrap token: %w", err)
	}
	d.logger.Info("generated bootstrap token", "path", path)
	return nil
}

// Start begins serving. It blocks until the listener fails or Stop runs.
func (d *Daemon) Start() error {
	if err := d.cron.Start(); err != nil {
		return err
	}
	d.stopMetrics = d.metrics.Observe(d.bus)

	d.stopSweep = make(chan struct{})
	go d.sweepLoop()

	addr := d.opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	d.server = &http.Server{
		Addr:              addr,
		Handler:           d.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.logger.Info("wopr daemon listening", "addr", addr)
	err := d.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the HTTP handler without listening. For tests.
func (d *Daemon) Handler() http.Handler { return d.router() }

// Stop shuts everything down in reverse construction order.
func (d *Daemon) Stop(ctx context.Context) error {
	var firstErr error
	if d.server != nil {
		sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(sctx); err != nil {
			firstErr = err
		}
	}
	if d.stopSweep != nil {
		close(d.stopSweep)
	}
	if d.stopMetrics != nil {
		d.stopMetrics()
	}
	d.cron.Stop()
	d.engine.Shutdown()
	d.closeCore()
	return firstErr
}

func (d *Daemon) closeCore() {
	if err := d.store.Close(); err != nil {
		d.logger.Error("store close failed", "error", err)
	}
	d.cfg.Close()
}

// sweepLoop reaps session queues that have been idle long enough to
// give their worker goroutines back.
func (d *Daemon) sweepLoop() {
	ticker := time.NewTicker(queueIdleSweep)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopSweep:
			return
		case <-ticker.C:
			if n := d.engine.Queues().Cleanup(queueIdleSweep); n > 0 {
				d.logger.Debug("reaped idle session queues", "count", n)
			}
		}
	}
}
