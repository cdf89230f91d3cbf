// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/wopr/pkg/ux"
)

var providerBaseURL string

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage AI providers",
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body, err := c.get("/providers")
		if err != nil {
			return err
		}
		providers, _ := body["providers"].([]any)
		for _, raw := range providers {
			p := raw.(map[string]any)
			state := ux.Styles.Muted.Render("unbound")
			if available, _ := p["available"].(bool); available {
				state = ux.Styles.Success.Render("available")
			}
			ux.Info("%-12v %-28v %s", p["id"], p["default_model"], state)
		}
		return nil
	},
}

var providerBindCmd = &cobra.Command{
	Use:   "bind <id>",
	Short: "Bind a credential to a provider",
	Long: `Binds a provider. The API key is read from stdin so it never
appears in shell history; credential-less providers bind with an empty
key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "API key for %s (empty for none): ", args[0])
		raw, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && raw == "" {
			return err
		}
		_, err = c.post("/providers/"+url.PathEscape(args[0])+"/bind", map[string]any{
			"api_key":  strings.TrimSpace(raw),
			"base_url": providerBaseURL,
		})
		if err != nil {
			return err
		}
		ux.Success("bound %s", args[0])
		return nil
	},
}

var providerHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Poll every bound provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		spinner := ux.NewSpinner("checking providers")
		spinner.Start()
		body, err := c.post("/providers/health", nil)
		spinner.Stop()
		if err != nil {
			return err
		}
		statuses, _ := body["statuses"].(map[string]any)
		for id, raw := range statuses {
			status := raw.(map[string]any)
			if available, _ := status["available"].(bool); available {
				ux.Success("%s", id)
			} else {
				ux.Error("%s unavailable", id)
			}
		}
		return nil
	},
}

func init() {
	providerBindCmd.Flags().StringVar(&providerBaseURL, "base-url", "",
		"endpoint override (ollama, OpenAI-compatible gateways)")

	providerCmd.AddCommand(providerListCmd)
	providerCmd.AddCommand(providerBindCmd)
	providerCmd.AddCommand(providerHealthCmd)
}
