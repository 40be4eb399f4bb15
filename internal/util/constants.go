// Package util provides common utility functions and constants used across the
// remote-viewer application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "time"

const (
	// TunnelProbeTimeout is the maximum time allowed for a single TCP health-check
	// probe against a tunnel's local endpoint. If the connection is not established
	// within this duration, the probe is considered failed.
	//
	// This timeout is used in two places within internal/tunnel/manager.go:
	//   - As the dial timeout for net.DialTimeout in Probe() and Snapshot().
	//   - As the base for the overall probe collection timeout (TunnelProbeTimeout + 100ms).
	//
	// Local TCP connections should complete well under 500ms unless the
	// forward is genuinely unhealthy.
	TunnelProbeTimeout = 500 * time.Millisecond

	// RemoteReadyPollInterval is the delay between two remote port checks while
	// waiting for a freshly spawned viewer to accept connections.
	// Used by: internal/viewer (waitRemoteReady).
	RemoteReadyPollInterval = 500 * time.Millisecond

	// RemoteCommandTimeout bounds a single short remote command (kill, rm,
	// port check) issued outside of a step deadline, e.g. during cleanup.
	RemoteCommandTimeout = 10 * time.Second

	// DefaultRefreshSeconds is the fallback interval (in seconds) for the TUI
	// dashboard's periodic session status refresh. This value is used when the
	// user's config.yaml has an invalid or missing refresh_seconds value.
	// Used by: internal/ui/ui.go (tickCmd, clampRefresh).
	DefaultRefreshSeconds = 3
)
