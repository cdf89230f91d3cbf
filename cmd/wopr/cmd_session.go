// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/ux"
)

var (
	sessionContext string
	historyLimit   int
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.get("/sessions")
		if err != nil {
			return err
		}
		sessions, _ := body["sessions"].([]any)
		if len(sessions) == 0 {
			ux.Info("no sessions")
			return nil
		}
		for _, raw := range sessions {
			sess := raw.(map[string]any)
			name, _ := sess["name"].(string)
			line := name
			if binding, ok := sess["provider_binding"].(map[string]any); ok {
				line += fmt.Sprintf("  (%v)", binding["name"])
			}
			ux.Info("%s", line)
		}
		return nil
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		payload := map[string]any{"name": args[0]}
		if sessionContext != "" {
			payload["context"] = sessionContext
		}
		if _, err := c.post("/sessions", payload); err != nil {
			return err
		}
		ux.Success("created session %s", args[0])
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.get("/sessions/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		ux.KeyValue("name", "%v", body["name"])
		ux.KeyValue("id", "%v", body["id"])
		ux.KeyValue("created", "%v", body["created"])
		if ctx, ok := body["context"].(string); ok && ctx != "" {
			ux.KeyValue("context", "%s", ctx)
		}
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Destroy a session and its conversation log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.delete("/sessions/" + url.PathEscape(args[0])); err != nil {
			return err
		}
		ux.Success("deleted session %s", args[0])
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Print the conversation log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		path := "/sessions/" + url.PathEscape(args[0]) + "/conversation"
		if historyLimit > 0 {
			path += fmt.Sprintf("?limit=%d", historyLimit)
		}
		body, err := c.get(path)
		if err != nil {
			return err
		}
		entries, _ := body["entries"].([]any)
		for _, raw := range entries {
			entry := raw.(map[string]any)
			from, _ := entry["from"].(string)
			content, _ := entry["content"].(string)
			prefix := from
			if strings.HasPrefix(from, "tool:") {
				prefix = ux.Styles.Muted.Render(from)
			}
			ux.Info("%s: %s", prefix, content)
		}
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionContext, "context", "",
		"system context for the session")
	sessionHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0,
		"only show the last N entries")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
}
