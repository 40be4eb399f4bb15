// Package app wires the process-scoped services together: one trust store,
// one transport chain, one connection pool, one tunnel manager and one
// session manager per process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/hostkeys"
	"github.com/treykane/remote-viewer/internal/pool"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/transport/openssh"
	"github.com/treykane/remote-viewer/internal/transport/sshlib"
	"github.com/treykane/remote-viewer/internal/tunnel"
	"github.com/treykane/remote-viewer/internal/viewer"
)

const keepAliveInterval = 30 * time.Second

// App holds the shared services.
type App struct {
	Config   appconfig.Config
	HostKeys *hostkeys.Store
	Chain    *transport.Chain
	Pool     *pool.Pool
	Tunnels  *tunnel.Manager
	Viewers  *viewer.Manager
	Events   *events.Store

	runtimePath string
}

// New builds the services from cfg. Nothing connects until asked to.
func New(cfg appconfig.Config) (*App, error) {
	khPath, err := appconfig.KnownHostsPath(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve trust file: %w", err)
	}
	runtimePath, err := appconfig.RuntimeFilePath()
	if err != nil {
		return nil, fmt.Errorf("resolve runtime file: %w", err)
	}
	keys := hostkeys.New(khPath)
	chain := NewChain(cfg, keys)
	journal := events.NewStore()

	p := pool.New(chain, pool.Options{RatePerMinute: cfg.Security.ConnectRatePerMinute})
	tunnels := tunnel.NewManager()
	viewers := viewer.New(p, tunnels, viewer.Options{
		Timeouts:    cfg.Timeouts,
		Viewer:      cfg.Viewer,
		Health:      cfg.Health,
		Journal:     journal,
		RuntimePath: runtimePath,
	})
	slog.Debug("services ready", "backends", chain.Names(), "known_hosts", khPath)
	return &App{
		Config:   cfg,
		HostKeys: keys,
		Chain:    chain,
		Pool:     p,
		Tunnels:  tunnels,
		Viewers:  viewers,
		Events:   journal,

		runtimePath: runtimePath,
	}, nil
}

// NewChain orders the configured backends.
func NewChain(cfg appconfig.Config, verifier transport.Verifier) *transport.Chain {
	opts := transport.Options{
		Verifier:       verifier,
		ConnectTimeout: cfg.Timeouts.Connect(),
		KeepAlive:      keepAliveInterval,
	}
	var factories []transport.NamedFactory
	for _, name := range cfg.Backends {
		switch name {
		case appconfig.BackendOpenSSH:
			factories = append(factories, openssh.Factory(cfg.SSHBinary, opts))
		case appconfig.BackendLibrary:
			factories = append(factories, sshlib.Factory(opts))
		}
	}
	return transport.NewChain(factories...)
}

// Run supervises sessions until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if stale, err := viewer.Stale(a.runtimePath); err == nil && len(stale) > 0 {
		slog.Warn("viewer sessions from a previous run may still be alive; see `remote-viewer audit`", "count", len(stale))
	}
	return a.Viewers.Run(ctx)
}

// Close stops every session, then releases tunnels and connections.
func (a *App) Close(ctx context.Context) {
	a.Viewers.Close(ctx)
	a.Tunnels.CloseAll()
	a.Pool.Close()
}
