// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpinnerPlainMode(t *testing.T) {
	prev := Plain()
	SetPlain(true)
	defer SetPlain(prev)

	s := NewSpinner("working")
	done := make(chan struct{})
	go func() {
		s.Start()
		s.Start() // idempotent
		s.Stop()
		s.Stop() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spinner did not stop in plain mode")
	}
}

func TestRenderRespectsPlain(t *testing.T) {
	prev := Plain()
	defer SetPlain(prev)

	SetPlain(true)
	assert.Equal(t, "hello", render(Styles.Title, "hello"))

	SetPlain(false)
	assert.Contains(t, render(Styles.Bold, "hello"), "hello")
}
