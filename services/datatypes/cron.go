// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// CronScript is one shell command a cron job runs before injecting.
// Stdout is substituted into the job message via {{name}} placeholders.
type CronScript struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	// TimeoutSeconds bounds the script run. Zero means the default (30s).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// CronJob is a persisted timed injection.
//
// Schedule is a standard 5-field cron expression, or "once" together with
// RunAt for one-shots. One-shot jobs are removed after their first fire.
type CronJob struct {
	Name     string       `json:"name"`
	Schedule string       `json:"schedule"`
	Session  string       `json:"session"`
	Message  string       `json:"message"`
	Scripts  []CronScript `json:"scripts,omitempty"`
	Once     bool         `json:"once,omitempty"`
	RunAt    time.Time    `json:"run_at,omitempty"`
	Created  time.Time    `json:"created"`
}

// ScriptResult captures one script execution during a cron fire.
type ScriptResult struct {
	Name       string `json:"name"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// CronHistoryEntry records one fire of a cron job.
type CronHistoryEntry struct {
	Timestamp  time.Time `json:"ts"`
	Name       string    `json:"name"`
	Session    string    `json:"session"`
	Message    string    `json:"message"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
