// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"net/url"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/ux"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change daemon configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the configuration, or one key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.get("/config")
		if err != nil {
			return err
		}
		snapshot, _ := body["config"].(map[string]any)
		if len(args) == 1 {
			if v, ok := snapshot[args[0]]; ok {
				ux.Info("%v", v)
				return nil
			}
			ux.Warn("%s is not set", args[0])
			return nil
		}
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ux.KeyValue(k, "%v", snapshot[k])
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key",
	Long: `Sets a key. The value is parsed as JSON when possible, so booleans
and numbers round-trip with their types:

  wopr config set daemon.cronScriptsEnabled true
  wopr config set security.enforcement enforce`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var value any
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			value = args[1]
		}
		body, err := c.put("/config/"+url.PathEscape(args[0]), map[string]any{"value": value})
		if err != nil {
			return err
		}
		ux.Success("%s = %v", args[0], body["value"])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
