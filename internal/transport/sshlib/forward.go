package sshlib

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/util"
)

// forward relays 127.0.0.1:local to 127.0.0.1:remote over the SSH client.
type forward struct {
	h      *handle
	ln     net.Listener
	remote int
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	conns  map[net.Conn]struct{}
	once   sync.Once
}

// OpenForward binds the local side and starts relaying.
func (h *handle) OpenForward(ctx context.Context, localPort, remotePort int) (transport.Forward, error) {
	if err := util.ValidateOptionalPort(localPort); err != nil {
		return nil, faults.Wrap(faults.InvalidArgument, "open forward", err)
	}
	if err := util.ValidatePort(remotePort); err != nil {
		return nil, faults.Wrap(faults.InvalidArgument, "open forward", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", util.LoopbackEndpoint(localPort))
	if err != nil {
		return nil, faults.Wrap(faults.Tunnel, "bind local port", err)
	}
	f := &forward{
		h:      h,
		ln:     ln,
		remote: remotePort,
		done:   make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
	go f.acceptLoop()
	go f.watchClient()
	return f, nil
}

func (f *forward) acceptLoop() {
	for {
		local, err := f.ln.Accept()
		if err != nil {
			f.mu.Lock()
			closed := f.closed
			f.mu.Unlock()
			if closed {
				f.finish(nil)
			} else {
				f.finish(faults.Wrap(faults.Tunnel, "accept", err))
			}
			return
		}
		go f.relay(local)
	}
}

func (f *forward) relay(local net.Conn) {
	remote, err := f.h.client.Dial("tcp", util.LoopbackEndpoint(f.remote))
	if err != nil {
		slog.Debug("forward dial failed", "remote_port", f.remote, "error", err)
		_ = local.Close()
		return
	}
	if !f.track(local, remote) {
		_ = local.Close()
		_ = remote.Close()
		return
	}
	defer f.untrack(local, remote)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(remote, local)
		_ = remote.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(local, remote)
		_ = local.Close()
	}()
	wg.Wait()
}

func (f *forward) track(conns ...net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	for _, c := range conns {
		f.conns[c] = struct{}{}
	}
	return true
}

func (f *forward) untrack(conns ...net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range conns {
		delete(f.conns, c)
	}
}

// watchClient stops the forward when the underlying connection dies.
func (f *forward) watchClient() {
	select {
	case <-f.done:
	case <-f.h.dead:
		f.h.mu.Lock()
		cause := f.h.deathErr
		f.h.mu.Unlock()
		if cause == nil {
			cause = errors.New("ssh connection closed")
		}
		f.finish(faults.Wrap(faults.Tunnel, "ssh connection lost", cause))
		_ = f.ln.Close()
	}
}

func (f *forward) finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.closed = true
		conns := make([]net.Conn, 0, len(f.conns))
		for c := range f.conns {
			conns = append(conns, c)
		}
		f.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
		close(f.done)
	})
}

func (f *forward) LocalPort() int        { return f.ln.Addr().(*net.TCPAddr).Port }
func (f *forward) RemotePort() int       { return f.remote }
func (f *forward) Done() <-chan struct{} { return f.done }

func (f *forward) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close is idempotent.
func (f *forward) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	err := f.ln.Close()
	<-f.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
