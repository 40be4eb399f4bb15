// Package util provides common utility functions and constants used across the
// remote-viewer application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "strings"

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// Examples:
//
//	DefaultString("hello", "world")  → "hello"   // non-empty → kept
//	DefaultString("",      "world")  → "world"   // empty → fallback
//	DefaultString("  ",    "world")  → "world"   // whitespace-only → fallback
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" if s is empty or consists entirely of whitespace;
// otherwise it returns s unchanged.
//
// Used by the CLI tables and the TUI detail panel for optional fields such as
// the environment name or the last error.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// ShellQuote quotes s for a POSIX shell so it is passed as a single word.
//
// Every remote command built by the session manager and the environment probe
// goes through this function, since user-controlled values (remote root paths,
// interpreter paths) are interpolated into a command line executed by the
// remote login shell.
//
// Examples:
//
//	ShellQuote("/data/runs")    → '/data/runs'
//	ShellQuote("it's")          → 'it'"'"'s'
//	ShellQuote("")              → ''
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Truncate shortens s to at most n bytes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
