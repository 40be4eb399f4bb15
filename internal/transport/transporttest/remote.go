package transporttest

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/util"
)

type handler struct {
	match string
	fn    func(cmd string) transport.ExecResult
}

// Remote is a scriptable fake host. Commands are answered by the most
// recently registered handler whose match string is contained in the command;
// unmatched commands exit 127.
type Remote struct {
	mu       sync.Mutex
	handlers []handler
	commands []string
	alive    error
	closed   bool
	forwards []*Forward
	connects int
	// ConnectErr, when set, is returned by the backend's Connect.
	ConnectErr error
	// ForwardErr, when set, is returned by OpenForward.
	ForwardErr error
	// BeforeConnect, when set, runs at the start of each handshake. It may
	// block or fail the handshake for one identity. Set it before connecting.
	BeforeConnect func(ctx context.Context, id model.ConnectionIdentity) error
}

var _ transport.Handle = (*Remote)(nil)

func NewRemote() *Remote { return &Remote{} }

// On registers fn for commands containing match.
func (r *Remote) On(match string, fn func(cmd string) transport.ExecResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler{match: match, fn: fn})
}

// Reply answers commands containing match with stdout and exit 0.
func (r *Remote) Reply(match, stdout string) {
	r.On(match, func(string) transport.ExecResult { return transport.ExecResult{Stdout: stdout} })
}

// Fail answers commands containing match with a non-zero exit.
func (r *Remote) Fail(match string, code int, stderr string) {
	r.On(match, func(string) transport.ExecResult { return transport.ExecResult{ExitCode: code, Stderr: stderr} })
}

func (r *Remote) Exec(ctx context.Context, command string) (transport.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.ExecResult{}, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ExecResult{}, errors.New("connection closed")
	}
	r.commands = append(r.commands, command)
	var fn func(string) transport.ExecResult
	for i := len(r.handlers) - 1; i >= 0; i-- {
		if strings.Contains(command, r.handlers[i].match) {
			fn = r.handlers[i].fn
			break
		}
	}
	r.mu.Unlock()
	if fn == nil {
		return transport.ExecResult{ExitCode: 127, Stderr: "command not found"}, nil
	}
	return fn(command), nil
}

// Commands returns every command executed so far.
func (r *Remote) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Ran reports whether a command containing match was executed.
func (r *Remote) Ran(match string) bool {
	for _, c := range r.Commands() {
		if strings.Contains(c, match) {
			return true
		}
	}
	return false
}

func (r *Remote) OpenForward(ctx context.Context, localPort, remotePort int) (transport.Forward, error) {
	r.mu.Lock()
	ferr := r.ForwardErr
	r.mu.Unlock()
	if ferr != nil {
		return nil, ferr
	}
	ln, err := net.Listen("tcp", util.LoopbackEndpoint(localPort))
	if err != nil {
		return nil, err
	}
	f := &Forward{ln: ln, remote: remotePort, done: make(chan struct{})}
	go f.serve()
	r.mu.Lock()
	r.forwards = append(r.forwards, f)
	r.mu.Unlock()
	return f, nil
}

// Forwards returns every forward opened so far.
func (r *Remote) Forwards() []*Forward {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Forward(nil), r.forwards...)
}

// SetAlive makes Alive return err.
func (r *Remote) SetAlive(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive = err
}

func (r *Remote) Alive(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("connection closed")
	}
	return r.alive
}

func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	fwds := append([]*Forward(nil), r.forwards...)
	r.mu.Unlock()
	for _, f := range fwds {
		_ = f.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (r *Remote) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Connects counts backend handshakes that returned this remote.
func (r *Remote) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// Backend returns a backend whose Connect yields r. A closed remote is
// reopened on connect so reconnect flows can be tested.
func (r *Remote) Backend(name string) transport.Backend {
	return &remoteBackend{name: name, r: r}
}

// Factory wraps Backend for a transport.Chain.
func (r *Remote) Factory(name string) transport.NamedFactory {
	return transport.NamedFactory{Name: name, New: func() (transport.Backend, error) { return r.Backend(name), nil }}
}

type remoteBackend struct {
	name string
	r    *Remote
}

func (b *remoteBackend) Name() string { return b.name }

func (b *remoteBackend) Connect(ctx context.Context, id model.ConnectionIdentity, auth model.Auth) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.r.BeforeConnect != nil {
		if err := b.r.BeforeConnect(ctx, id); err != nil {
			return nil, err
		}
	}
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	if b.r.ConnectErr != nil {
		return nil, b.r.ConnectErr
	}
	b.r.connects++
	b.r.closed = false
	return b.r, nil
}

// Forward is a real loopback listener that accepts and immediately closes
// connections, enough for TCP health probes.
type Forward struct {
	ln     net.Listener
	remote int
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

var _ transport.Forward = (*Forward)(nil)

func (f *Forward) serve() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			f.finish(nil)
			return
		}
		_ = c.Close()
	}
}

func (f *Forward) finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *Forward) LocalPort() int        { return f.ln.Addr().(*net.TCPAddr).Port }
func (f *Forward) RemotePort() int       { return f.remote }
func (f *Forward) Done() <-chan struct{} { return f.done }

func (f *Forward) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Forward) Close() error {
	err := f.ln.Close()
	<-f.done
	return err
}

// Kill simulates the forward dying underneath its owner.
func (f *Forward) Kill(err error) {
	f.finish(err)
	_ = f.ln.Close()
}
