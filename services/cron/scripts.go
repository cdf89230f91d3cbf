// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/wopr/services/datatypes"
)

const (
	defaultScriptTimeout = 30 * time.Second
	maxScriptTimeout     = 5 * time.Minute
)

// runScripts executes the job's scripts serially and substitutes their
// trimmed stdout into the message template. A failed script fills its
// slot with "[script error: <reason>]" and never aborts its siblings.
func (s *Scheduler) runScripts(job *datatypes.CronJob) ([]datatypes.ScriptResult, string) {
	results := make([]datatypes.ScriptResult, 0, len(job.Scripts))
	message := job.Message

	for _, script := range job.Scripts {
		result := runScript(script)
		results = append(results, result)

		placeholder := "{{" + script.Name + "}}"
		var value string
		if result.Error != "" {
			value = "[script error: " + result.Error + "]"
		} else {
			value = strings.TrimSpace(result.Stdout)
		}
		message = strings.ReplaceAll(message, placeholder, value)

		if result.Error != "" {
			s.logger.Warn("cron script failed",
				"job", job.Name, "script", script.Name, "error", result.Error)
		}
	}
	return results, message
}

func runScript(script datatypes.CronScript) datatypes.ScriptResult {
	timeout := defaultScriptTimeout
	if script.TimeoutSeconds > 0 {
		timeout = time.Duration(script.TimeoutSeconds) * time.Second
	}
	if timeout > maxScriptTimeout {
		timeout = maxScriptTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", script.Command)
	cmd.Dir = script.Cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	result := datatypes.ScriptResult{
		Name:       script.Name,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		result.Error = "timeout"
		result.ExitCode = -1
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		} else {
			result.ExitCode = -1
			result.Error = err.Error()
		}
	}
	return result
}
