package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
)

// Factory builds a backend. It returns a BackendUnavailable error when the
// backend cannot run in this environment.
type Factory func() (Backend, error)

// NamedFactory pairs a factory with the name used in logs and config.
type NamedFactory struct {
	Name string
	New  Factory
}

// Chain tries backends in order.
type Chain struct {
	factories []NamedFactory
}

func NewChain(factories ...NamedFactory) *Chain {
	return &Chain{factories: factories}
}

// Names lists the configured backends in try order.
func (c *Chain) Names() []string {
	out := make([]string, 0, len(c.factories))
	for _, f := range c.factories {
		out = append(out, f.Name)
	}
	return out
}

// Connect returns the handle of the first backend that connects, together
// with that backend's name.
func (c *Chain) Connect(ctx context.Context, id model.ConnectionIdentity, auth model.Auth) (Handle, string, error) {
	if len(c.factories) == 0 {
		return nil, "", faults.New(faults.BackendUnavailable, "connect", "no transport backend configured")
	}
	var last error
	for _, f := range c.factories {
		if err := ctx.Err(); err != nil {
			return nil, "", faults.Wrap(faults.ConnectionTimeout, "connect", err)
		}
		b, err := f.New()
		if err != nil {
			last = unavailable(f.Name, err)
			slog.Info("transport backend unavailable", "backend", f.Name, "error", err)
			continue
		}
		h, err := b.Connect(ctx, id, auth)
		if err == nil {
			slog.Debug("transport connected", "backend", b.Name(), "target", id.Key())
			return h, b.Name(), nil
		}
		if !faults.Is(err, faults.BackendUnavailable) {
			return nil, b.Name(), err
		}
		last = err
		slog.Info("transport backend unavailable, trying next", "backend", b.Name(), "target", id.Key(), "error", err)
	}
	return nil, "", last
}

func unavailable(name string, err error) error {
	if faults.Is(err, faults.BackendUnavailable) {
		return err
	}
	return faults.Wrap(faults.BackendUnavailable, fmt.Sprintf("init %s backend", name), err)
}
