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
	injectFrom     string
	injectSilent   bool
	injectPriority int
	injectNoStream bool
)

var injectCmd = &cobra.Command{
	Use:   "inject <session> <message...>",
	Short: "Send a message into a session and print the response",
	Long: `Queues a message on the session and prints the agent's reply.

By default the response streams token by token. --no-stream waits for
the full response instead; --priority jumps the queue.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInject,
}

func init() {
	injectCmd.Flags().StringVar(&injectFrom, "from", "", "sender label recorded in the log")
	injectCmd.Flags().BoolVar(&injectSilent, "silent", false, "suppress stream fan-out to other subscribers")
	injectCmd.Flags().IntVar(&injectPriority, "priority", 0, "queue priority (higher runs sooner)")
	injectCmd.Flags().BoolVar(&injectNoStream, "no-stream", false, "wait for the complete response")
}

func runInject(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	session := args[0]
	payload := map[string]any{
		"message":  strings.Join(args[1:], " "),
		"from":     injectFrom,
		"silent":   injectSilent,
		"priority": injectPriority,
	}
	path := "/sessions/" + url.PathEscape(session) + "/inject"

	if injectNoStream {
		spinner := ux.NewSpinner("waiting for " + session)
		spinner.Start()
		body, err := c.post(path, payload)
		spinner.Stop()
		if err != nil {
			return err
		}
		ux.Info("%v", body["response"])
		return nil
	}

	streamErr := ""
	err = c.stream(path, payload, func(frame map[string]any) {
		switch frame["type"] {
		case "text":
			fmt.Print(frame["text"])
		case "tool_use":
			fmt.Println()
			ux.Info("%s", ux.Styles.Muted.Render(fmt.Sprintf("[tool: %v]", frame["tool_name"])))
		case "error":
			streamErr, _ = frame["error"].(string)
		}
	})
	fmt.Println()
	if err != nil {
		return err
	}
	if streamErr != "" {
		return fmt.Errorf("%s", streamErr)
	}
	return nil
}
