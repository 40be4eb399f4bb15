// Package apptest builds an App backed by a scripted fake host.
package apptest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/treykane/remote-viewer/internal/app"
	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/hostkeys"
	"github.com/treykane/remote-viewer/internal/pool"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/transport/transporttest"
	"github.com/treykane/remote-viewer/internal/tunnel"
	"github.com/treykane/remote-viewer/internal/viewer"
)

// HealthyRemote answers every command a viewer launch issues. The system
// interpreter is /usr/bin/python3 with runicorn 0.5.0, the viewer gets
// remote port 40001 and PID 4242.
func HealthyRemote() *transporttest.Remote {
	r := transporttest.NewRemote()
	r.Reply("command -v python3", "/usr/bin/python3\n")
	r.Reply("--version", "Python 3.11.4\n")
	r.Reply("import runicorn", "0.5.0\n")
	r.Reply("import socket", "40001\n")
	r.Reply("nohup", "4242\n")
	r.Reply("kill -0", "")
	r.Reply("/dev/tcp/", "")
	return r
}

// New returns an App whose only backend connects to remote. It points
// XDG_CONFIG_HOME at a temporary directory and closes the App on cleanup.
func New(t testing.TB, remote *transporttest.Remote, tweak func(*appconfig.Config)) *app.App {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := appconfig.Default()
	cfg.Security.ConnectRatePerMinute = 100
	if tweak != nil {
		tweak(&cfg)
	}
	chain := transport.NewChain(remote.Factory("fake"))
	p := pool.New(chain, pool.Options{RatePerMinute: cfg.Security.ConnectRatePerMinute})
	tunnels := tunnel.NewManager()
	journal := events.NewStoreAt(filepath.Join(dir, "events.jsonl"))
	a := &app.App{
		Config:   cfg,
		HostKeys: hostkeys.New(filepath.Join(dir, "known_hosts")),
		Chain:    chain,
		Pool:     p,
		Tunnels:  tunnels,
		Events:   journal,
		Viewers: viewer.New(p, tunnels, viewer.Options{
			Timeouts:          cfg.Timeouts,
			Viewer:            cfg.Viewer,
			Health:            cfg.Health,
			Journal:           journal,
			ReadyPollInterval: 10 * time.Millisecond,
		}),
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}
