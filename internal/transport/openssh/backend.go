// Package openssh is the transport backend that drives the system ssh binary.
//
// It does NOT implement the SSH protocol itself: each connection is an
// OpenSSH ControlMaster process, and commands and port forwards are
// multiplexed over its control socket. This inherits the user's agent and
// OpenSSH's crypto while the host key decision stays with the trust store:
// the server's keys are fetched with ssh-keyscan and verified before the
// master starts, and the master runs with StrictHostKeyChecking=yes against
// the same trust file.
//
// All arguments are passed via exec.Command's argv, never through a local
// shell.
package openssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
)

const (
	keyscanBinary       = "ssh-keyscan"
	serverAliveInterval = 30
	serverAliveCountMax = 3
	readyPollInterval   = 100 * time.Millisecond
	exitGrace           = 2 * time.Second
)

// Backend launches OpenSSH processes.
type Backend struct {
	bin     string
	keyscan string
	opts    transport.Options
}

var _ transport.Backend = (*Backend)(nil)

// EnsureSSHBinary checks that bin is available on the system PATH.
func EnsureSSHBinary(bin string) error {
	if bin == "" {
		bin = "ssh"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("%s binary not found in PATH", bin)
	}
	return nil
}

// New resolves the ssh and ssh-keyscan binaries.
func New(bin string, opts transport.Options) (*Backend, error) {
	if bin == "" {
		bin = "ssh"
	}
	sshPath, err := exec.LookPath(bin)
	if err != nil {
		return nil, faults.New(faults.BackendUnavailable, "openssh", "%s binary not found in PATH", bin)
	}
	keyscan, err := exec.LookPath(keyscanBinary)
	if err != nil {
		return nil, faults.New(faults.BackendUnavailable, "openssh", "%s binary not found in PATH", keyscanBinary)
	}
	if opts.Verifier == nil {
		return nil, faults.New(faults.BackendUnavailable, "openssh", "no host key verifier configured")
	}
	return &Backend{bin: sshPath, keyscan: keyscan, opts: opts}, nil
}

// Factory returns the chain entry for this backend.
func Factory(bin string, opts transport.Options) transport.NamedFactory {
	return transport.NamedFactory{Name: appconfig.BackendOpenSSH, New: func() (transport.Backend, error) {
		return New(bin, opts)
	}}
}

func (b *Backend) Name() string { return appconfig.BackendOpenSSH }

// Supports reports whether OpenSSH can use the credential in batch mode.
func Supports(auth model.Auth) error {
	switch auth.Method() {
	case model.AuthAgent:
		return nil
	case model.AuthPrivateKeyPath:
		if auth.Passphrase != "" {
			return errors.New("passphrase-protected keys cannot be unlocked in batch mode")
		}
		return nil
	default:
		return fmt.Errorf("%s authentication is not supported by the system ssh client", auth.Method())
	}
}

// Connect verifies the host key, then starts and waits for the master.
func (b *Backend) Connect(ctx context.Context, id model.ConnectionIdentity, auth model.Auth) (transport.Handle, error) {
	id = id.Normalize()
	if err := Supports(auth); err != nil {
		return nil, faults.Wrap(faults.BackendUnavailable, "openssh", err)
	}
	if b.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.ConnectTimeout)
		defer cancel()
	}

	keys, err := b.scanKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	trusted, err := b.opts.Verifier.VerifyAny(id.Host, id.Port, keys)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "rv-ctl-")
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnavailable, "openssh control dir", err)
	}
	h := &handle{
		b:      b,
		id:     id,
		dir:    dir,
		socket: ControlPath(dir, id),
		dead:   make(chan struct{}),
	}
	args := MasterArgs(h.socket, id, auth, b.opts.Verifier.Path(), trusted.Type(), b.opts.ConnectTimeout)
	// The master must outlive ctx, which only bounds the handshake.
	cmd := exec.Command(b.bin, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = &h.stderr
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, faults.Wrap(faults.BackendUnavailable, "start ssh", err)
	}
	h.cmd = cmd
	go h.watch()

	if err := h.waitReady(ctx); err != nil {
		_ = h.Close()
		if _, ok := faults.HostKeyProblemOf(err); !ok && faults.Is(err, faults.HostKeyChanged) {
			if evidence := b.hostKeyEvidence(ctx, id); evidence != nil {
				return nil, evidence
			}
		}
		return nil, err
	}
	slog.Debug("openssh master ready", "target", id.Key(), "pid", cmd.Process.Pid)
	return h, nil
}

// hostKeyEvidence rescans a server whose key the master rejected and returns
// the verification error carrying the presented key, or nil when the rescan
// matches the trust file.
func (b *Backend) hostKeyEvidence(ctx context.Context, id model.ConnectionIdentity) error {
	keys, err := b.scanKeys(ctx, id)
	if err != nil {
		slog.Debug("host key rescan failed", "target", id.Key(), "error", err)
		return nil
	}
	if _, err := b.opts.Verifier.VerifyAny(id.Host, id.Port, keys); err != nil {
		if _, ok := faults.HostKeyProblemOf(err); ok {
			return err
		}
	}
	return nil
}

// scanKeys fetches the server's host keys with ssh-keyscan.
func (b *Backend) scanKeys(ctx context.Context, id model.ConnectionIdentity) ([]ssh.PublicKey, error) {
	timeout := 5
	if d, ok := ctx.Deadline(); ok {
		if s := int(time.Until(d).Seconds()); s > 0 && s < timeout {
			timeout = s
		}
	}
	cmd := exec.CommandContext(ctx, b.keyscan, KeyscanArgs(id, timeout)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	keys := ParseKeyscan(stdout.Bytes())
	if len(keys) > 0 {
		return keys, nil
	}
	if ctx.Err() != nil {
		return nil, faults.Wrap(faults.ConnectionTimeout, "ssh-keyscan "+id.Host, ctx.Err())
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" && runErr != nil {
		msg = runErr.Error()
	}
	if msg == "" {
		msg = "no host keys returned"
	}
	return nil, faults.New(faults.Unreachable, "ssh-keyscan "+id.Host, "%s", msg)
}

// KeyscanArgs builds the ssh-keyscan invocation.
func KeyscanArgs(id model.ConnectionIdentity, timeoutSeconds int) []string {
	return []string{"-T", strconv.Itoa(timeoutSeconds), "-p", strconv.Itoa(id.Port), id.Host}
}

// ParseKeyscan extracts public keys from ssh-keyscan output, skipping
// comments and malformed lines.
func ParseKeyscan(out []byte) []ssh.PublicKey {
	var keys []ssh.PublicKey
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		k, _, _, _, err := ssh.ParseAuthorizedKey([]byte(fields[1] + " " + fields[2]))
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// ControlPath derives a short socket path; unix socket paths are limited to
// around 100 bytes.
func ControlPath(dir string, id model.ConnectionIdentity) string {
	sum := sha256.Sum256([]byte(id.Key()))
	return filepath.Join(dir, hex.EncodeToString(sum[:6])+".sock")
}

// hostKeyAlgorithms maps a key type to the algorithms OpenSSH negotiates for it.
func hostKeyAlgorithms(keyType string) string {
	if keyType == ssh.KeyAlgoRSA {
		return "rsa-sha2-512,rsa-sha2-256,ssh-rsa"
	}
	return keyType
}

// commonArgs are shared by the master and every client invocation.
func commonArgs(knownHosts string) []string {
	return []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "UserKnownHostsFile=" + knownHosts,
		"-o", "GlobalKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	}
}

// MasterArgs builds the ControlMaster invocation.
func MasterArgs(socket string, id model.ConnectionIdentity, auth model.Auth, knownHosts, keyType string, connectTimeout time.Duration) []string {
	args := []string{"-M", "-S", socket, "-N",
		"-o", "ControlPersist=no",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "HostKeyAlgorithms=" + hostKeyAlgorithms(keyType),
		"-o", fmt.Sprintf("ServerAliveInterval=%d", serverAliveInterval),
		"-o", fmt.Sprintf("ServerAliveCountMax=%d", serverAliveCountMax),
	}
	if connectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", int(connectTimeout.Seconds())))
	}
	args = append(args, commonArgs(knownHosts)...)
	if auth.Method() == model.AuthPrivateKeyPath {
		args = append(args, "-i", auth.PrivateKeyPath, "-o", "IdentitiesOnly=yes")
	}
	return append(args, "-p", strconv.Itoa(id.Port), destination(id))
}

// ClientArgs builds an invocation that reuses the master's socket.
func ClientArgs(socket string, id model.ConnectionIdentity, knownHosts string, extra ...string) []string {
	args := []string{"-S", socket, "-o", "ControlMaster=no"}
	args = append(args, commonArgs(knownHosts)...)
	args = append(args, extra...)
	return append(args, "-p", strconv.Itoa(id.Port), destination(id))
}

// ForwardSpec renders the -L argument binding the loopback interface on both ends.
func ForwardSpec(localPort, remotePort int) string {
	return fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", localPort, remotePort)
}

func destination(id model.ConnectionIdentity) string {
	return id.Username + "@" + id.Host
}

// ClassifyStderr maps OpenSSH diagnostics to the error taxonomy.
func ClassifyStderr(op, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "remote host identification has changed"),
		strings.Contains(lower, "host key verification failed"):
		return faults.New(faults.HostKeyChanged, op, "%s", firstLine(msg))
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "too many authentication failures"):
		return faults.New(faults.Authentication, op, "%s", firstLine(msg))
	case strings.Contains(lower, "timed out"):
		return faults.New(faults.ConnectionTimeout, op, "%s", firstLine(msg))
	case strings.Contains(lower, "address already in use"),
		strings.Contains(lower, "port forwarding failed"),
		strings.Contains(lower, "cannot listen"):
		return faults.New(faults.Tunnel, op, "%s", firstLine(msg))
	case msg == "":
		return faults.New(faults.Unreachable, op, "ssh exited without diagnostics")
	default:
		return faults.New(faults.Unreachable, op, "%s", firstLine(msg))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// lockedBuffer collects the master's stderr while it runs.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
