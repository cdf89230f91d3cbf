// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/ux"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect and rotate the daemon identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the daemon's public keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.get("/identity")
		if err != nil {
			return err
		}
		ux.KeyValue("sign_pub", "%v", body["sign_pub"])
		ux.KeyValue("encrypt_pub", "%v", body["encrypt_pub"])
		ux.KeyValue("created", "%v", body["created"])
		if from, ok := body["rotated_from"].(string); ok && from != "" {
			ux.KeyValue("rotated_from", "%s", from)
			ux.KeyValue("rotated_at", "%v", body["rotated_at"])
		}
		return nil
	},
}

var identityRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the daemon keypair",
	Long: `Generates a new keypair, reseals stored provider credentials, and
prints one signed rotation announcement per known peer. Deliver each
announcement to its peer before the rotation grace window expires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.post("/identity/rotate", nil)
		if err != nil {
			return err
		}
		ux.Success("rotated identity")
		ux.KeyValue("sign_pub", "%v", body["sign_pub"])
		envelopes, _ := body["rotation_envelopes"].([]any)
		if len(envelopes) > 0 {
			ux.Info("rotation announcements for %d peer(s):", len(envelopes))
			for _, env := range envelopes {
				raw, err := json.Marshal(env)
				if err != nil {
					continue
				}
				ux.Info("%s", raw)
			}
		}
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityRotateCmd)
}
