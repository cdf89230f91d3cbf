// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/ux"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check that the daemon is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.get("/ready"); err != nil {
			return err
		}
		body, err := c.get("/providers/active")
		if err != nil {
			return err
		}
		ux.Success("daemon ready at %s", c.base)
		ux.KeyValue("active provider", "%v", body["active"])
		ux.KeyValue("model", "%v", body["model"])
		return nil
	},
}
