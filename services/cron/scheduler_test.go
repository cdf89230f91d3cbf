// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/datatypes"
	"github.com/AleutianAI/wopr/services/security"
	"github.com/AleutianAI/wopr/services/store"
)

type fakeInjector struct {
	mu      sync.Mutex
	injects []struct {
		Session string
		Message string
		Source  datatypes.InjectionSource
	}
}

func (f *fakeInjector) InjectAndWait(ctx context.Context, session, message string,
	source datatypes.InjectionSource) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injects = append(f.injects, struct {
		Session string
		Message string
		Source  datatypes.InjectionSource
	}{session, message, source})
	return "ok", nil
}

func (f *fakeInjector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injects)
}

type testPolicy struct {
	mu      sync.Mutex
	scripts bool
	mode    string
}

func (p *testPolicy) CronScriptsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scripts
}

func (p *testPolicy) setScripts(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = v
}

func (p *testPolicy) EnforcementMode() string {
	if p.mode == "" {
		return security.ModeEnforce
	}
	return p.mode
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeInjector, *testPolicy) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	inj := &fakeInjector{}
	policy := &testPolicy{}
	s := NewScheduler(st, inj, policy, nil)
	return s, st, inj, policy
}

func TestParseSchedules(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	t.Run("five field", func(t *testing.T) {
		sched, err := Parse("*/5 * * * *", time.Time{}, now)
		require.NoError(t, err)
		assert.True(t, sched.Recurring)
		next := sched.Next(now)
		assert.True(t, next.After(now))
		assert.True(t, sched.Next(next).After(next), "successive fires are monotonic")
	})

	t.Run("relative", func(t *testing.T) {
		sched, err := Parse("+5m", time.Time{}, now)
		require.NoError(t, err)
		assert.False(t, sched.Recurring)
		assert.Equal(t, now.Add(5*time.Minute), sched.RunAt)
	})

	t.Run("relative zero still fires after now", func(t *testing.T) {
		sched, err := Parse("+0s", time.Time{}, now)
		require.NoError(t, err)
		assert.True(t, sched.RunAt.After(now))
	})

	t.Run("wall clock future", func(t *testing.T) {
		sched, err := Parse("11:00", time.Time{}, now)
		require.NoError(t, err)
		assert.Equal(t, 11, sched.RunAt.Hour())
		assert.Equal(t, now.Day(), sched.RunAt.Day())
	})

	t.Run("wall clock past rolls to tomorrow", func(t *testing.T) {
		sched, err := Parse("09:00", time.Time{}, now)
		require.NoError(t, err)
		assert.True(t, sched.RunAt.After(now))
		assert.Equal(t, now.Day()+1, sched.RunAt.Day())
	})

	t.Run("rfc3339", func(t *testing.T) {
		sched, err := Parse("2026-08-24T12:00:00Z", time.Time{}, now)
		require.NoError(t, err)
		assert.Equal(t, 12, sched.RunAt.Hour())
	})

	t.Run("once requires run_at", func(t *testing.T) {
		_, err := Parse("once", time.Time{}, now)
		assert.True(t, werr.IsKind(err, werr.InvalidSchedule))

		sched, err := Parse("once", now.Add(time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(time.Hour), sched.RunAt)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := Parse("every fortnight", time.Time{}, now)
		assert.True(t, werr.IsKind(err, werr.InvalidSchedule))
	})
}

func TestOneShotFires(t *testing.T) {
	s, st, inj, _ := newTestScheduler(t)
	_, err := st.CreateSession("x")
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	err = s.AddJob(datatypes.CronJob{
		Name: "one", Schedule: "+0s", Session: "x", Message: "hi",
	}, "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inj.count() == 1 }, 3*time.Second, 10*time.Millisecond)

	inj.mu.Lock()
	got := inj.injects[0]
	inj.mu.Unlock()
	assert.Equal(t, "x", got.Session)
	assert.Equal(t, "hi", got.Message)
	assert.Equal(t, datatypes.SourceCron, got.Source.Type)
	assert.Equal(t, datatypes.TrustOwner, got.Source.TrustLevel)

	// One history entry, success, and the job is gone.
	require.Eventually(t, func() bool {
		history, herr := s.History(0)
		return herr == nil && len(history) == 1
	}, 2*time.Second, 10*time.Millisecond)

	history, err := s.History(0)
	require.NoError(t, err)
	assert.True(t, history[0].Success)
	assert.GreaterOrEqual(t, history[0].DurationMs, int64(0))

	require.Eventually(t, func() bool {
		jobs, jerr := s.ListJobs()
		return jerr == nil && len(jobs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScriptTemplating(t *testing.T) {
	s, st, inj, policy := newTestScheduler(t)
	policy.setScripts(true)
	_, err := st.CreateSession("x")
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	err = s.AddJob(datatypes.CronJob{
		Name:     "tpl",
		Schedule: "+0s",
		Session:  "x",
		Message:  "a={{a}} b={{b}}",
		Scripts: []datatypes.CronScript{
			{Name: "a", Command: "echo hello"},
			{Name: "b", Command: "false"},
		},
	}, "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inj.count() == 1 }, 3*time.Second, 10*time.Millisecond)

	inj.mu.Lock()
	got := inj.injects[0]
	inj.mu.Unlock()
	assert.Equal(t, "a=hello b=[script error: exit code 1]", got.Message)

	require.Eventually(t, func() bool {
		history, herr := s.History(0)
		return herr == nil && len(history) == 1
	}, 2*time.Second, 10*time.Millisecond)
	history, err := s.History(0)
	require.NoError(t, err)
	assert.False(t, history[0].Success, "a failed script marks the fire unsuccessful")
}

func TestScriptsDisabledAtCreate(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	err := s.AddJob(datatypes.CronJob{
		Name: "nope", Schedule: "+1h", Session: "x", Message: "m",
		Scripts: []datatypes.CronScript{{Name: "a", Command: "echo hi"}},
	}, "", nil)
	assert.True(t, werr.IsKind(err, werr.ScriptsDisabled))
}

func TestScriptsDisabledAtFireTime(t *testing.T) {
	s, st, inj, policy := newTestScheduler(t)
	policy.setScripts(true)
	_, err := st.CreateSession("x")
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	err = s.AddJob(datatypes.CronJob{
		Name: "gated", Schedule: "+20ms", Session: "x", Message: "m={{a}}",
		Scripts: []datatypes.CronScript{{Name: "a", Command: "echo hi"}},
	}, "", nil)
	require.NoError(t, err)

	// Toggling the gate off after creation blocks the fire.
	policy.setScripts(false)

	require.Eventually(t, func() bool {
		history, herr := s.History(0)
		return herr == nil && len(history) == 1
	}, 3*time.Second, 10*time.Millisecond)

	history, err := s.History(0)
	require.NoError(t, err)
	assert.False(t, history[0].Success)
	assert.Equal(t, "scripts disabled", history[0].Error)
	assert.Equal(t, 0, inj.count(), "blocked fires do not inject")
}

func TestCrossSessionRequiresCapability(t *testing.T) {
	s, _, _, policy := newTestScheduler(t)

	job := datatypes.CronJob{Name: "x1", Schedule: "+1h", Session: "other", Message: "m"}
	err := s.AddJob(job, "mine", nil)
	assert.True(t, werr.IsKind(err, werr.CapabilityDenied))

	sctx := &datatypes.SecurityContext{
		GrantedCapabilities: []string{security.CapCrossInject},
	}
	assert.NoError(t, s.AddJob(job, "mine", sctx))

	// Warn mode logs but allows.
	policy.mode = security.ModeWarn
	job2 := datatypes.CronJob{Name: "x2", Schedule: "+1h", Session: "other", Message: "m"}
	assert.NoError(t, s.AddJob(job2, "mine", nil))
}

func TestMissingSessionRecordsFailure(t *testing.T) {
	s, _, inj, _ := newTestScheduler(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	err := s.AddJob(datatypes.CronJob{
		Name: "ghost", Schedule: "+0s", Session: "nowhere", Message: "m",
	}, "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, herr := s.History(0)
		return herr == nil && len(history) == 1
	}, 3*time.Second, 10*time.Millisecond)

	history, err := s.History(0)
	require.NoError(t, err)
	assert.False(t, history[0].Success)
	assert.Equal(t, "session not found", history[0].Error)
	assert.Equal(t, 0, inj.count())
}

func TestRecurringJobReschedules(t *testing.T) {
	s, st, _, _ := newTestScheduler(t)
	_, err := st.CreateSession("x")
	require.NoError(t, err)

	err = s.AddJob(datatypes.CronJob{
		Name: "rec", Schedule: "*/5 * * * *", Session: "x", Message: "tick",
	}, "", nil)
	require.NoError(t, err)

	first := s.NextFire("rec")
	assert.True(t, first.After(time.Now()))

	// Jobs persist and recompute next-fire on a fresh scheduler.
	fresh := NewScheduler(st, &fakeInjector{}, &testPolicy{}, nil)
	require.NoError(t, fresh.Start())
	defer fresh.Stop()
	assert.True(t, fresh.NextFire("rec").After(time.Now()))
}

func TestStalePastOneShotNotRetroactive(t *testing.T) {
	s, st, inj, _ := newTestScheduler(t)

	// Simulate a one-shot persisted before downtime whose time passed.
	job := datatypes.CronJob{
		Name: "stale", Schedule: "once", Session: "x", Message: "m",
		Once: true, RunAt: time.Now().Add(-time.Hour), Created: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, st.SaveCronJob(job))

	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, inj.count(), "missed fires are not retroactively executed")
	assert.True(t, s.NextFire("stale").IsZero())
}
