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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/ux"
)

var (
	cronSchedule string
	cronSession  string
	cronMessage  string
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled injections",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cron jobs with their next fire time",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.get("/crons")
		if err != nil {
			return err
		}
		jobs, _ := body["jobs"].([]any)
		if len(jobs) == 0 {
			ux.Info("no cron jobs")
			return nil
		}
		for _, raw := range jobs {
			job := raw.(map[string]any)
			ux.Info("%-20v %-16v -> %v (next %v)",
				job["name"], job["schedule"], job["session"], job["next_fire"])
		}
		return nil
	},
}

var cronAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a cron job",
	Long: `Schedules a recurring injection. The schedule accepts five-field
cron expressions, @hourly/@daily shorthands, and one-shot "+5m" offsets.

  wopr cron add standup --schedule "0 9 * * 1-5" --session main \
      --message "post the standup summary"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cronSchedule == "" || cronSession == "" || cronMessage == "" {
			return fmt.Errorf("--schedule, --session, and --message are required")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.post("/crons", map[string]any{
			"name":     args[0],
			"schedule": cronSchedule,
			"session":  cronSession,
			"message":  cronMessage,
		})
		if err != nil {
			return err
		}
		ux.Success("scheduled %s (next fire %v)", args[0], body["next_fire"])
		return nil
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a cron job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.delete("/crons/" + url.PathEscape(args[0])); err != nil {
			return err
		}
		ux.Success("removed %s", args[0])
		return nil
	},
}

var cronHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent cron fires",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.get("/crons/history")
		if err != nil {
			return err
		}
		fires, _ := body["history"].([]any)
		for _, raw := range fires {
			fire := raw.(map[string]any)
			status := "ok"
			if errMsg, ok := fire["error"].(string); ok && errMsg != "" {
				status = ux.Styles.Error.Render("failed: " + errMsg)
			}
			ux.Info("%v  %-20v %s", fire["ts"], fire["name"], status)
		}
		return nil
	},
}

func init() {
	cronAddCmd.Flags().StringVar(&cronSchedule, "schedule", "", "cron expression, @shorthand, or +offset")
	cronAddCmd.Flags().StringVar(&cronSession, "session", "", "target session")
	cronAddCmd.Flags().StringVar(&cronMessage, "message", "", "message to inject on fire")

	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronRemoveCmd)
	cronCmd.AddCommand(cronHistoryCmd)
}
