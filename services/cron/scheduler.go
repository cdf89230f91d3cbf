// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cron schedules timed injections. A single daemon-wide timer
// sleeps until the earliest next-fire; due jobs run their scripts,
// template the message, and inject through the dispatch path with owner
// trust.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/security"
	"github.com/AleutianAI/wopr/services/store"
)

// Injector sends the templated message into the target session.
// Implemented by the dispatch engine.
type Injector interface {
	InjectAndWait(ctx context.Context, session, message string, source datatypes.InjectionSource) (string, error)
}

// Policy is the configuration slice the scheduler consults.
type Policy interface {
	// CronScriptsEnabled gates script execution. Checked both when a
	// job is created and again at every fire.
	CronScriptsEnabled() bool
	// EnforcementMode mirrors the security kernel's mode for the
	// cross-session creation gate.
	EnforcementMode() string
}

// Scheduler owns cron jobs and the single-timer fire loop.
type Scheduler struct {
	store    *store.Store
	injector Injector
	policy   Policy
	logger   *slog.Logger

	mu       sync.Mutex
	nextFire map[string]time.Time
	started  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewScheduler(st *store.Store, injector Injector, policy Policy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		injector: injector,
		policy:   policy,
		logger:   logger,
		nextFire: make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start loads persisted jobs, recomputes next-fire from now (missed
// fires during downtime are not retroactively executed), and runs the
// timer loop.
func (s *Scheduler) Start() error {
	jobs, err := s.store.ListCronJobs()
	if err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	for _, job := range jobs {
		sched, perr := Parse(job.Schedule, job.RunAt, now)
		if perr != nil {
			s.logger.Warn("skipping cron job with unparseable schedule",
				"job", job.Name, "schedule", job.Schedule, "error", perr)
			continue
		}
		next := sched.Next(now)
		if next.IsZero() {
			// One-shot whose time passed while the daemon was down.
			continue
		}
		s.nextFire[job.Name] = next
	}
	s.started = true
	s.mu.Unlock()

	go s.loop()
	return nil
}

// Stop halts the timer loop. Safe to call when Start never ran.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	close(s.stop)
	<-s.done
}

// AddJob validates, gates, persists, and schedules a job.
//
// Script-bearing jobs are rejected with scripts_disabled while the
// config gate is off. Jobs targeting a session other than the creator's
// need cross.inject; in non-enforce mode the violation is logged and
// the job is added anyway.
func (s *Scheduler) AddJob(job datatypes.CronJob, creatorSession string, sctx *datatypes.SecurityContext) error {
	if job.Name == "" {
		return werr.New(werr.MissingField, "cron job name is required")
	}
	if job.Session == "" {
		return werr.New(werr.MissingField, "cron job session is required")
	}

	now := time.Now()
	sched, err := Parse(job.Schedule, job.RunAt, now)
	if err != nil {
		return err
	}
	if !sched.Recurring {
		job.Once = true
		job.RunAt = sched.RunAt
	}

	if len(job.Scripts) > 0 && !s.policy.CronScriptsEnabled() {
		return werr.New(werr.ScriptsDisabled, "cron scripts are disabled")
	}

	if creatorSession != "" && job.Session != creatorSession {
		allowed := sctx != nil && security.HasCapability(sctx.GrantedCapabilities, security.CapCrossInject)
		if !allowed {
			if s.policy.EnforcementMode() == security.ModeEnforce {
				return werr.New(werr.CapabilityDenied, "cross-session cron requires cross.inject")
			}
			s.logger.Warn("cron job crosses sessions without cross.inject",
				"job", job.Name, "creator", creatorSession, "target", job.Session)
		}
	}

	if job.Created.IsZero() {
		job.Created = now
	}
	if err := s.store.SaveCronJob(job); err != nil {
		return err
	}

	s.mu.Lock()
	s.nextFire[job.Name] = sched.Next(now)
	s.mu.Unlock()
	s.kick()
	return nil
}

// RemoveJob deletes a job and unschedules it.
func (s *Scheduler) RemoveJob(name string) error {
	if err := s.store.DeleteCronJob(name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.nextFire, name)
	s.mu.Unlock()
	s.kick()
	return nil
}

// ListJobs returns all persisted jobs.
func (s *Scheduler) ListJobs() ([]datatypes.CronJob, error) {
	return s.store.ListCronJobs()
}

// History returns the most recent fire records.
func (s *Scheduler) History(limit int) ([]datatypes.CronHistoryEntry, error) {
	return s.store.ReadCronHistory(limit)
}

// NextFire reports the scheduled next fire for a job. Zero when
// unscheduled.
func (s *Scheduler) NextFire(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFire[name]
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the single daemon-wide timer: sleep until the earliest
// next-fire, run due jobs, repeat.
func (s *Scheduler) loop() {
	defer close(s.done)
	const idleWait = time.Hour

	for {
		now := time.Now()
		due, earliest := s.collectDue(now)

		for _, name := range due {
			go s.fire(name)
		}

		wait := idleWait
		if !earliest.IsZero() {
			wait = time.Until(earliest)
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collectDue pops jobs whose next-fire is at or before now and returns
// the earliest remaining fire time.
func (s *Scheduler) collectDue(now time.Time) (due []string, earliest time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, at := range s.nextFire {
		if !at.After(now) {
			due = append(due, name)
			delete(s.nextFire, name)
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return due, earliest
}

// fire runs one due job end to end and records history.
func (s *Scheduler) fire(name string) {
	start := time.Now()

	job, err := s.store.GetCronJob(name)
	if err != nil {
		// Removed between scheduling and firing.
		return
	}

	entry := datatypes.CronHistoryEntry{
		Timestamp: start,
		Name:      job.Name,
		Session:   job.Session,
	}

	message := job.Message
	scriptsFailed := false

	switch {
	case len(job.Scripts) > 0 && !s.policy.CronScriptsEnabled():
		// The gate is re-evaluated at fire time: toggling it off after
		// creation blocks further script runs.
		entry.Error = "scripts disabled"
		scriptsFailed = true
	case len(job.Scripts) > 0:
		var results []datatypes.ScriptResult
		results, message = s.runScripts(job)
		for _, r := range results {
			if r.Error != "" {
				scriptsFailed = true
				break
			}
		}
	}

	entry.Message = message

	var dispatchErr error
	if !scriptsFailed || entry.Error == "" {
		if _, gerr := s.store.GetSession(job.Session); gerr != nil {
			dispatchErr = gerr
			entry.Error = "session not found"
		} else {
			source := datatypes.NewSource(datatypes.SourceCron)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			_, dispatchErr = s.injector.InjectAndWait(ctx, job.Session, message, source)
			cancel()
			if dispatchErr != nil && entry.Error == "" {
				entry.Error = dispatchErr.Error()
			}
		}
	}

	entry.Success = dispatchErr == nil && !scriptsFailed
	entry.DurationMs = time.Since(start).Milliseconds()
	if err := s.store.AppendCronHistory(entry); err != nil {
		s.logger.Error("failed to record cron history", "job", job.Name, "error", err)
	}

	now := time.Now()
	if job.Once {
		if err := s.store.DeleteCronJob(job.Name); err != nil && !werr.IsKind(err, werr.JobNotFound) {
			s.logger.Error("failed to remove one-shot cron job", "job", job.Name, "error", err)
		}
		s.kick()
		return
	}

	// Reschedule the recurring job. Successive fires are monotonic
	// because Next is computed from the post-fire clock.
	sched, perr := Parse(job.Schedule, job.RunAt, now)
	if perr == nil {
		if next := sched.Next(now); !next.IsZero() {
			s.mu.Lock()
			s.nextFire[job.Name] = next
			s.mu.Unlock()
		}
	}
	s.kick()
}
