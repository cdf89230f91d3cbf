// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cron

import (
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/AleutianAI/wopr/pkg/werr"
)

var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// Schedule is a resolved cron schedule: either a recurring 5-field
// expression or a one-shot instant.
type Schedule struct {
	Recurring bool
	// RunAt is the fire time for one-shots.
	RunAt time.Time
	expr  robfig.Schedule
}

// Next returns the next fire strictly after t. Zero time for exhausted
// one-shots.
func (s Schedule) Next(t time.Time) time.Time {
	if s.Recurring {
		return s.expr.Next(t)
	}
	if s.RunAt.After(t) {
		return s.RunAt
	}
	return time.Time{}
}

// Parse resolves a schedule string against now. Accepted forms:
//
//   - standard 5-field cron ("*/5 * * * *"), recurring
//   - "+<duration>" ("+5m", "+1h"), one-shot relative
//   - "HH:MM", one-shot at the next occurrence of that wall time
//   - RFC 3339 timestamp, one-shot absolute
//   - "once", one-shot; the job's RunAt carries the time
func Parse(spec string, runAt time.Time, now time.Time) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, werr.New(werr.InvalidSchedule, "schedule is empty")
	}

	if spec == "once" {
		if runAt.IsZero() {
			return Schedule{}, werr.New(werr.InvalidSchedule, "once schedule requires a run_at time")
		}
		return Schedule{RunAt: runAt}, nil
	}

	if strings.HasPrefix(spec, "+") {
		d, err := time.ParseDuration(spec[1:])
		if err != nil || d < 0 {
			return Schedule{}, werr.New(werr.InvalidSchedule, "invalid relative schedule %q", spec)
		}
		// "+0s" still fires strictly after now.
		if d == 0 {
			d = time.Millisecond
		}
		return Schedule{RunAt: now.Add(d)}, nil
	}

	if at, ok := parseWallClock(spec, now); ok {
		return Schedule{RunAt: at}, nil
	}

	if at, err := time.Parse(time.RFC3339, spec); err == nil {
		if !at.After(now) {
			return Schedule{}, werr.New(werr.InvalidSchedule, "schedule %q is in the past", spec)
		}
		return Schedule{RunAt: at}, nil
	}

	expr, err := cronParser.Parse(spec)
	if err != nil {
		return Schedule{}, werr.Wrap(werr.InvalidSchedule, err, "invalid schedule %q", spec)
	}
	return Schedule{Recurring: true, expr: expr}, nil
}

// parseWallClock handles the "HH:MM" form: today at that time, or
// tomorrow if already past.
func parseWallClock(spec string, now time.Time) (time.Time, bool) {
	parsed, err := time.Parse("15:04", spec)
	if err != nil {
		return time.Time{}, false
	}
	at := time.Date(now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
	if !at.After(now) {
		at = at.Add(24 * time.Hour)
	}
	return at, true
}
