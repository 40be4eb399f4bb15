// Package transport abstracts the SSH implementation used to reach a remote
// host. A Backend establishes authenticated, host-key-verified connections;
// the returned Handle runs commands and opens local port forwards.
//
// Several backends exist and are tried in order by Chain. Falling back to the
// next backend only happens when a backend is unusable in this environment
// (missing binary, unsupported credential kind); an authentication or host
// key failure is final for the whole attempt.
package transport

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/remote-viewer/internal/model"
)

// Verifier decides whether a presented server key is trusted.
type Verifier interface {
	Verify(host string, port int, key ssh.PublicKey) error
	VerifyAny(host string, port int, keys []ssh.PublicKey) (ssh.PublicKey, error)
	Path() string
}

// Options are shared by every backend.
type Options struct {
	Verifier       Verifier
	ConnectTimeout time.Duration
	// KeepAlive is the interval of transport-level keepalives. Zero disables them.
	KeepAlive time.Duration
}

// Backend is one SSH implementation.
type Backend interface {
	Name() string
	Connect(ctx context.Context, id model.ConnectionIdentity, auth model.Auth) (Handle, error)
}

// Handle is an established connection.
type Handle interface {
	// Exec runs command through the remote login shell. A non-zero exit is
	// reported in the result, not as an error.
	Exec(ctx context.Context, command string) (ExecResult, error)
	// OpenForward binds 127.0.0.1:localPort (0 picks a free port) and relays
	// connections to 127.0.0.1:remotePort on the remote host.
	OpenForward(ctx context.Context, localPort, remotePort int) (Forward, error)
	// Alive performs a cheap round trip to detect a dead connection.
	Alive(ctx context.Context) error
	Close() error
}

// Forward is one active port forward.
type Forward interface {
	LocalPort() int
	RemotePort() int
	// Done is closed when the forward stops, for any reason.
	Done() <-chan struct{}
	// Err reports why the forward stopped, nil after Close.
	Err() error
	Close() error
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }
