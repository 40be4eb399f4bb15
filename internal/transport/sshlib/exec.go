package sshlib

import (
	"bytes"
	"context"
	"errors"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/transport"
)

// Exec runs command in a new session. The session is killed when ctx ends.
func (h *handle) Exec(ctx context.Context, command string) (transport.ExecResult, error) {
	sess, err := h.client.NewSession()
	if err != nil {
		return transport.ExecResult{}, faults.Wrap(faults.Unreachable, "open session", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return transport.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()},
			faults.Wrap(faults.ConnectionTimeout, "exec", ctx.Err())
	case err := <-done:
		res := transport.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		return res, faults.Wrap(faults.Unreachable, "exec", err)
	}
}
