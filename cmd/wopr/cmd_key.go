// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"net/url"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/ux"
)

var keyScope string

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an API key",
	Long: `Creates an API key. The raw secret is printed once and never
stored in recoverable form; copy it now.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.post("/api/keys", map[string]any{
			"name":  args[0],
			"scope": keyScope,
		})
		if err != nil {
			return err
		}
		ux.Success("created key %v (%v)", body["name"], body["scope"])
		ux.Warn("the secret below is shown once")
		ux.Info("%v", body["key"])
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.get("/api/keys")
		if err != nil {
			return err
		}
		keys, _ := body["keys"].([]any)
		if len(keys) == 0 {
			ux.Info("no API keys")
			return nil
		}
		for _, raw := range keys {
			key := raw.(map[string]any)
			state := ""
			if revoked, _ := key["revoked"].(bool); revoked {
				state = ux.Styles.Error.Render(" (revoked)")
			}
			ux.Info("%v  %-16v %-10v %v%s",
				key["id"], key["name"], key["scope"], key["prefix"], state)
		}
		return nil
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.delete("/api/keys/" + url.PathEscape(args[0])); err != nil {
			return err
		}
		ux.Success("revoked %s", args[0])
		return nil
	},
}

func init() {
	keyCreateCmd.Flags().StringVar(&keyScope, "scope", "full",
		`key scope: "full", "read-only", or "instance:<session>"`)

	keyCmd.AddCommand(keyCreateCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyRevokeCmd)
}
