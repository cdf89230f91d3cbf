// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the wopr CLI.
package ux

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Phosphor palette - green CRT with amber warnings.
var (
	ColorPhosphor = lipgloss.Color("#33FF66") // bright green - success, highlights
	ColorGreen    = lipgloss.Color("#1FB954") // primary green
	ColorDim      = lipgloss.Color("#157A3C") // dim green - borders
	ColorAmber    = lipgloss.Color("#FFB000") // amber - warnings
	ColorRed      = lipgloss.Color("#E74C3C") // red - errors
	ColorSlate    = lipgloss.Color("#4A5A50") // muted text
)

// Styles are the pre-configured lipgloss styles used across commands.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorPhosphor),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorPhosphor),
	Warning:   lipgloss.NewStyle().Foreground(ColorAmber),
	Error:     lipgloss.NewStyle().Foreground(ColorRed),
	Highlight: lipgloss.NewStyle().Foreground(ColorPhosphor).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorDim).
		Padding(0, 1),
}

// plain disables styling and animation. Set when stdout is not a
// terminal or WOPR_PLAIN is in the environment.
var plain = os.Getenv("WOPR_PLAIN") != "" || !stdoutIsTerminal()

func stdoutIsTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Plain reports whether output should avoid styling and animation.
func Plain() bool { return plain }

// SetPlain overrides terminal detection. For tests and scripting.
func SetPlain(v bool) { plain = v }

func render(style lipgloss.Style, s string) string {
	if plain {
		return s
	}
	return style.Render(s)
}

// Title prints a styled heading.
func Title(format string, args ...any) {
	fmt.Println(render(Styles.Title, fmt.Sprintf(format, args...)))
}

// Info prints an unstyled line.
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// Success prints a confirmation line.
func Success(format string, args ...any) {
	fmt.Println(render(Styles.Success, "✓ ") + fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func Warn(format string, args ...any) {
	fmt.Println(render(Styles.Warning, "! ") + fmt.Sprintf(format, args...))
}

// Error prints an error line to stderr.
func Error(format string, args ...any) {
	fmt.Fprintln(os.Stderr, render(Styles.Error, "✗ ")+fmt.Sprintf(format, args...))
}

// KeyValue prints an aligned "key: value" line with a muted key.
func KeyValue(key, format string, args ...any) {
	fmt.Printf("%s %s\n", render(Styles.Muted, key+":"), fmt.Sprintf(format, args...))
}
