// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/logging"
	"github.com/AleutianAI/wopr/pkg/ux"
	"github.com/AleutianAI/wopr/services/daemon"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wopr daemon in the foreground",
	Long: `Starts the daemon: opens the store, loads the identity, binds
providers, restores cron jobs, and serves the management surface.

The bootstrap token is generated on first start and written to
wopr.token under the wopr home. SIGINT or SIGTERM shuts down cleanly.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", daemon.DefaultAddr,
		"listen address for the management surface")
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(daemon.Options{
		Home:           flagHome,
		Addr:           serveListenAddr,
		BootstrapToken: flagToken,
		Logger:         logging.Default(),
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- d.Start() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		ux.Info("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return d.Stop(ctx)
	}
}
