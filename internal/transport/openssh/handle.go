package openssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/util"
)

// handle is one ControlMaster process.
type handle struct {
	b      *Backend
	id     model.ConnectionIdentity
	dir    string
	socket string
	cmd    *exec.Cmd
	stderr lockedBuffer
	dead   chan struct{}

	mu       sync.Mutex
	exitErr  error
	closing  bool
	closed   bool
	forwards map[*forward]struct{}
}

func (h *handle) watch() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.dead)
}

// waitReady polls the control socket until the master accepts requests.
func (h *handle) waitReady(ctx context.Context) error {
	t := time.NewTicker(readyPollInterval)
	defer t.Stop()
	for {
		select {
		case <-h.dead:
			return ClassifyStderr("connect "+h.id.Key(), h.stderr.String())
		case <-ctx.Done():
			return faults.Wrap(faults.ConnectionTimeout, "connect "+h.id.Key(), ctx.Err())
		case <-t.C:
			if _, err := os.Stat(h.socket); err != nil {
				continue
			}
			if err := h.control(ctx, "check"); err == nil {
				return nil
			}
		}
	}
}

func (h *handle) run(ctx context.Context, extra ...string) (transport.ExecResult, error) {
	args := ClientArgs(h.socket, h.id, h.b.opts.Verifier.Path(), extra...)
	cmd := exec.CommandContext(ctx, h.b.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := transport.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, faults.Wrap(faults.ConnectionTimeout, "ssh", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, faults.Wrap(faults.Unreachable, "ssh", err)
}

func (h *handle) control(ctx context.Context, op string, extra ...string) error {
	args := append([]string{"-O", op}, extra...)
	res, err := h.run(ctx, args...)
	if err != nil {
		return err
	}
	if !res.OK() {
		return ClassifyStderr("ssh -O "+op, res.Stderr)
	}
	return nil
}

// Exec runs command on the remote host through the master.
func (h *handle) Exec(ctx context.Context, command string) (transport.ExecResult, error) {
	if err := h.usable(); err != nil {
		return transport.ExecResult{}, err
	}
	res, err := h.run(ctx, "-T", "--", command)
	if err != nil {
		return res, err
	}
	// 255 is ssh's own failure code; distinguish it from the command's when
	// the master is gone.
	if res.ExitCode == 255 {
		if uerr := h.usable(); uerr != nil {
			return res, uerr
		}
	}
	return res, nil
}

// OpenForward asks the master to add a local forward.
func (h *handle) OpenForward(ctx context.Context, localPort, remotePort int) (transport.Forward, error) {
	if err := util.ValidateOptionalPort(localPort); err != nil {
		return nil, faults.Wrap(faults.InvalidArgument, "open forward", err)
	}
	if err := util.ValidatePort(remotePort); err != nil {
		return nil, faults.Wrap(faults.InvalidArgument, "open forward", err)
	}
	if err := h.usable(); err != nil {
		return nil, err
	}
	if localPort == 0 {
		p, err := util.FreeLocalPort()
		if err != nil {
			return nil, faults.Wrap(faults.Tunnel, "pick local port", err)
		}
		localPort = p
	}
	spec := ForwardSpec(localPort, remotePort)
	if err := h.control(ctx, "forward", "-L", spec); err != nil {
		if faults.Is(err, faults.Unreachable) {
			return nil, faults.Wrap(faults.Tunnel, "forward "+spec, err)
		}
		return nil, err
	}
	f := &forward{h: h, local: localPort, remote: remotePort, spec: spec, done: make(chan struct{})}
	h.mu.Lock()
	if h.forwards == nil {
		h.forwards = make(map[*forward]struct{})
	}
	h.forwards[f] = struct{}{}
	h.mu.Unlock()
	go f.watch()
	return f, nil
}

// Alive asks the master whether it is still running.
func (h *handle) Alive(ctx context.Context) error {
	if err := h.usable(); err != nil {
		return err
	}
	return h.control(ctx, "check")
}

func (h *handle) usable() error {
	select {
	case <-h.dead:
		h.mu.Lock()
		cause := h.exitErr
		h.mu.Unlock()
		if cause == nil {
			cause = errors.New("ssh master exited")
		}
		return faults.Wrap(faults.Unreachable, "connection to "+h.id.Key(), fmt.Errorf("%w: %s", cause, firstLine(h.stderr.String())))
	default:
		return nil
	}
}

// Close stops the master. Forwards end with it.
func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.closing = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), exitGrace)
	defer cancel()
	select {
	case <-h.dead:
	default:
		_ = h.control(ctx, "exit")
		select {
		case <-h.dead:
		case <-time.After(exitGrace):
			if h.cmd.Process != nil {
				_ = h.cmd.Process.Signal(syscall.SIGTERM)
			}
			<-h.dead
		}
	}
	return os.RemoveAll(h.dir)
}

// forward is one -L forward of a master.
type forward struct {
	h      *handle
	local  int
	remote int
	spec   string
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func (f *forward) watch() {
	select {
	case <-f.done:
	case <-f.h.dead:
		f.h.mu.Lock()
		closing := f.h.closing
		f.h.mu.Unlock()
		var err error
		if !closing {
			err = faults.New(faults.Tunnel, "forward "+f.spec, "ssh master exited: %s", firstLine(f.h.stderr.String()))
		}
		f.finish(err)
	}
}

func (f *forward) finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.closed = true
		f.mu.Unlock()
		f.h.mu.Lock()
		delete(f.h.forwards, f)
		f.h.mu.Unlock()
		close(f.done)
	})
}

func (f *forward) LocalPort() int        { return f.local }
func (f *forward) RemotePort() int       { return f.remote }
func (f *forward) Done() <-chan struct{} { return f.done }

func (f *forward) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close cancels the forward on the master. Idempotent.
func (f *forward) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	var err error
	if f.h.usable() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), exitGrace)
		err = f.h.control(ctx, "cancel", "-L", f.spec)
		cancel()
	}
	f.finish(nil)
	return err
}
