// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// wopr is the management CLI for the wopr daemon. Every command except
// serve talks to a running daemon over its HTTP surface.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/ux"
	"github.com/AleutianAI/wopr/services/daemon"
)

var (
	flagAddr  string
	flagToken string
	flagHome  string
	flagJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "wopr",
	Short: "Multiplex AI agent sessions behind one local daemon",
	Long: `wopr runs a local daemon that multiplexes AI agent sessions: durable
conversation logs, per-session queues, cron schedules, and a signed
peer-to-peer wire format.

Start the daemon with "wopr serve", then drive it from this CLI or any
HTTP client holding the bootstrap token.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ux.Error("%v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr",
		"http://"+daemon.DefaultAddr, "daemon base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "",
		"bearer token (default: WOPR_TOKEN, then the token file under the wopr home)")
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "",
		"wopr home directory (default: WOPR_HOME, then ~/wopr)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false,
		"print raw JSON responses")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(statusCmd)
}
