// Package transporttest provides test doubles for the transport contract: a
// testify/mock Backend and Handle, and Remote, a scriptable in-memory host
// whose forwards are real loopback listeners.
package transporttest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
)

// Backend implements transport.Backend using testify/mock.
type Backend struct {
	mock.Mock
	BackendName string
}

var _ transport.Backend = (*Backend)(nil)

func (m *Backend) Name() string { return m.BackendName }

// Connect mocks establishing a connection.
func (m *Backend) Connect(ctx context.Context, id model.ConnectionIdentity, auth model.Auth) (transport.Handle, error) {
	args := m.Called(ctx, id, auth)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(transport.Handle), args.Error(1)
}

// Factory returns a transport.Factory yielding m.
func (m *Backend) Factory() transport.NamedFactory {
	return transport.NamedFactory{Name: m.BackendName, New: func() (transport.Backend, error) { return m, nil }}
}

// Handle implements transport.Handle using testify/mock.
type Handle struct {
	mock.Mock
}

var _ transport.Handle = (*Handle)(nil)

func (m *Handle) Exec(ctx context.Context, command string) (transport.ExecResult, error) {
	args := m.Called(ctx, command)
	return args.Get(0).(transport.ExecResult), args.Error(1)
}

func (m *Handle) OpenForward(ctx context.Context, localPort, remotePort int) (transport.Forward, error) {
	args := m.Called(ctx, localPort, remotePort)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(transport.Forward), args.Error(1)
}

func (m *Handle) Alive(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Handle) Close() error {
	return m.Called().Error(0)
}
