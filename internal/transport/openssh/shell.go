package openssh

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/creack/pty"

	"github.com/treykane/remote-viewer/internal/model"
)

// ShellCommand creates an exec.Cmd for an interactive login to id, enforcing
// the same trust file as the managed connections. Unlike the master it is not
// in batch mode, so OpenSSH may prompt for passwords or passphrases.
//
// The command is not started.
func ShellCommand(bin string, id model.ConnectionIdentity, keyPath, knownHosts string) *exec.Cmd {
	if bin == "" {
		bin = "ssh"
	}
	id = id.Normalize()
	args := []string{
		"-o", "StrictHostKeyChecking=yes",
		"-o", "UserKnownHostsFile=" + knownHosts,
		"-o", "GlobalKnownHostsFile=/dev/null",
	}
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	args = append(args, "-p", strconv.Itoa(id.Port), destination(id))
	return exec.Command(bin, args...)
}

// RunInteractive runs cmd inside a pseudo-terminal wired to the user's
// terminal and blocks until it exits. The process is killed if ctx is
// cancelled first.
func RunInteractive(ctx context.Context, cmd *exec.Cmd) error {
	f, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	if size, err := pty.GetsizeFull(os.Stdin); err == nil {
		_ = pty.Setsize(f, size)
	}

	go func() {
		_, _ = io.Copy(f, os.Stdin)
	}()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-done:
		}
	}()
	_, _ = io.Copy(os.Stdout, f)
	close(done)
	return cmd.Wait()
}
