// Package sshlib is the pure Go transport backend built on
// golang.org/x/crypto/ssh. It needs no external binaries and supports every
// credential kind, so it is the backend of last resort in the chain.
package sshlib

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
)

const agentDialTimeout = 500 * time.Millisecond

// Backend dials with x/crypto/ssh.
type Backend struct {
	opts transport.Options
}

var _ transport.Backend = (*Backend)(nil)

func New(opts transport.Options) *Backend {
	return &Backend{opts: opts}
}

// Factory returns the chain entry for this backend.
func Factory(opts transport.Options) transport.NamedFactory {
	return transport.NamedFactory{Name: appconfig.BackendLibrary, New: func() (transport.Backend, error) {
		if opts.Verifier == nil {
			return nil, errors.New("no host key verifier configured")
		}
		return New(opts), nil
	}}
}

func (b *Backend) Name() string { return appconfig.BackendLibrary }

// Connect dials, verifies the host key and authenticates.
func (b *Backend) Connect(ctx context.Context, id model.ConnectionIdentity, auth model.Auth) (transport.Handle, error) {
	id = id.Normalize()
	methods, closeAgent, err := authMethods(auth)
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	// The callback error is kept so it can be returned unwrapped with its
	// payload, whatever the handshake does with it.
	var hostKeyErr error
	cfg := &ssh.ClientConfig{
		User: id.Username,
		Auth: methods,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			hostKeyErr = b.opts.Verifier.Verify(id.Host, id.Port, key)
			return hostKeyErr
		},
		Timeout: b.opts.ConnectTimeout,
	}

	addr := net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
	dialer := &net.Dialer{Timeout: b.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDial(ctx, addr, err)
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if b.opts.ConnectTimeout > 0 {
		if t := time.Now().Add(b.opts.ConnectTimeout); deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		_ = conn.Close()
		if hostKeyErr != nil {
			return nil, hostKeyErr
		}
		return nil, classifyHandshake(ctx, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	h := newHandle(ssh.NewClient(c, chans, reqs), id)
	if b.opts.KeepAlive > 0 {
		go h.keepAlive(b.opts.KeepAlive)
	}
	return h, nil
}

// authMethods builds the ordered credential list. The returned func releases
// the agent socket once the handshake is over.
func authMethods(auth model.Auth) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	noop := func() {}

	switch auth.Method() {
	case model.AuthPrivateKeyContent:
		signer, err := parseKey([]byte(auth.PrivateKey), auth.Passphrase)
		if err != nil {
			return nil, noop, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case model.AuthPrivateKeyPath:
		path, err := expandHome(auth.PrivateKeyPath)
		if err != nil {
			return nil, noop, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, noop, faults.Wrap(faults.Authentication, "load private key", err)
		}
		signer, err := parseKey(b, auth.Passphrase)
		if err != nil {
			return nil, noop, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case model.AuthPassword:
		pw := auth.Password
		methods = append(methods, ssh.Password(pw), ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}))
	}

	closeAgent := noop
	if auth.UseAgent || auth.Method() == model.AuthAgent {
		if m, closer := agentAuth(); m != nil {
			methods = append(methods, m)
			closeAgent = closer
		}
	}
	if len(methods) == 0 {
		return nil, noop, faults.New(faults.Authentication, "authenticate", "no credentials available: SSH agent not reachable and no key or password given")
	}
	return methods, closeAgent, nil
}

func parseKey(pem []byte, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, faults.New(faults.Authentication, "load private key", "private key is encrypted and no passphrase was given")
		}
		return nil, faults.Wrap(faults.Authentication, "load private key", err)
	}
	return signer, nil
}

func agentAuth() (ssh.AuthMethod, func()) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, nil
	}
	conn, err := (&net.Dialer{Timeout: agentDialTimeout}).Dial("unix", socket)
	if err != nil {
		return nil, nil
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers), func() { _ = conn.Close() }
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[2:]), nil
}

func classifyDial(ctx context.Context, addr string, err error) error {
	var ne net.Error
	if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		return faults.Wrap(faults.ConnectionTimeout, "dial "+addr, err)
	}
	return faults.Wrap(faults.Unreachable, "dial "+addr, err)
}

func classifyHandshake(ctx context.Context, addr string, err error) error {
	msg := err.Error()
	var ne net.Error
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return faults.Wrap(faults.Authentication, "authenticate "+addr, err)
	case ctx.Err() != nil, errors.As(err, &ne) && ne.Timeout(), strings.Contains(msg, "i/o timeout"):
		return faults.Wrap(faults.ConnectionTimeout, "handshake "+addr, err)
	default:
		return faults.Wrap(faults.Unreachable, "handshake "+addr, err)
	}
}

// handle is a live x/crypto/ssh client.
type handle struct {
	client *ssh.Client
	id     model.ConnectionIdentity
	dead   chan struct{}

	mu       sync.Mutex
	closed   bool
	deathErr error
	sftp     *sftpClient
}

func newHandle(c *ssh.Client, id model.ConnectionIdentity) *handle {
	h := &handle{client: c, id: id, dead: make(chan struct{})}
	go func() {
		err := c.Wait()
		h.mu.Lock()
		h.deathErr = err
		h.mu.Unlock()
		close(h.dead)
	}()
	return h
}

func (h *handle) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-h.dead:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := h.Alive(ctx)
			cancel()
			if err != nil {
				_ = h.client.Close()
				return
			}
		}
	}
}

// Alive sends an OpenSSH keepalive request and waits for the reply.
func (h *handle) Alive(ctx context.Context) error {
	select {
	case <-h.dead:
		return faults.New(faults.Unreachable, "keepalive", "connection to %s closed", h.id.Key())
	default:
	}
	errc := make(chan error, 1)
	go func() {
		_, _, err := h.client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		if err != nil {
			return faults.Wrap(faults.Unreachable, "keepalive", err)
		}
		return nil
	case <-ctx.Done():
		return faults.Wrap(faults.ConnectionTimeout, "keepalive", ctx.Err())
	}
}

func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sc := h.sftp
	h.mu.Unlock()
	if sc != nil {
		_ = sc.Close()
	}
	err := h.client.Close()
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
