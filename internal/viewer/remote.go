package viewer

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/util"
)

// Remote commands issued over a session's connection. Every interpolated
// value is shell quoted; only integers are inserted bare.

const logTailLines = 20

const freePortScript = `import socket; s = socket.socket(); s.bind(("127.0.0.1", 0)); print(s.getsockname()[1]); s.close()`

// BuildCommand expands the viewer command template for one launch. The
// template is split with shell rules first, so placeholders are substituted
// inside single arguments and can never introduce new ones.
func BuildCommand(template, root string, port int) ([]string, error) {
	parts, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("parse viewer command: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("viewer command is empty")
	}
	r := strings.NewReplacer("{root}", root, "{host}", util.LoopbackHost, "{port}", strconv.Itoa(port))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = r.Replace(p)
	}
	return out, nil
}

// SpawnCommand starts the viewer detached from the SSH session and prints
// its PID.
func SpawnCommand(interpreter string, args []string, logPath string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = util.ShellQuote(a)
	}
	return fmt.Sprintf("nohup %s -m %s > %s 2>&1 < /dev/null & echo $!",
		util.ShellQuote(interpreter), strings.Join(quoted, " "), util.ShellQuote(logPath))
}

// LogPath is where the remote viewer of session id writes its output.
func LogPath(dir, id string) string {
	return path.Join(dir, "remote-viewer-"+id+".log")
}

func portCheckCommand(port int) string {
	return fmt.Sprintf("timeout 5 bash -c 'cat < /dev/null > /dev/tcp/127.0.0.1/%d'", port)
}

func aliveCommand(pid int) string {
	return fmt.Sprintf("kill -0 %d", pid)
}

func killCommand(pid int) string {
	return fmt.Sprintf("kill %d 2>/dev/null; true", pid)
}

func killByPortCommand(port int) string {
	return fmt.Sprintf("lsof -ti:%d | xargs -r kill 2>/dev/null; true", port)
}

func tailCommand(logPath string) string {
	return fmt.Sprintf("tail -n %d %s 2>/dev/null", logTailLines, util.ShellQuote(logPath))
}

func removeCommand(logPath string) string {
	return "rm -f " + util.ShellQuote(logPath)
}

// freeRemotePort asks the remote interpreter for an unused loopback port.
func freeRemotePort(ctx context.Context, h transport.Handle, interpreter string) (int, error) {
	res, err := h.Exec(ctx, util.ShellQuote(interpreter)+" -c "+util.ShellQuote(freePortScript))
	if err != nil {
		return 0, err
	}
	port, perr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if !res.OK() || perr != nil || util.ValidatePort(port) != nil {
		e := faults.New(faults.RemoteSpawn, "find remote port", "no free port found on remote host")
		e.Stderr = strings.TrimSpace(res.Stderr)
		return 0, e
	}
	return port, nil
}

// spawn launches the viewer and returns its PID.
func spawn(ctx context.Context, h transport.Handle, cmd string) (int, error) {
	res, err := h.Exec(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		e := faults.New(faults.RemoteSpawn, "spawn viewer", "launch command exited with %d", res.ExitCode)
		e.Stderr = strings.TrimSpace(res.Stderr)
		return 0, e
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil || pid <= 0 {
		e := faults.New(faults.RemoteSpawn, "spawn viewer", "invalid PID returned: %q", strings.TrimSpace(res.Stdout))
		e.Stderr = strings.TrimSpace(res.Stderr)
		return 0, e
	}
	return pid, nil
}

// waitReady polls until the viewer accepts connections on port. It fails as
// soon as the process is gone, with the tail of its log attached.
func waitReady(ctx context.Context, h transport.Handle, pid, port int, logPath string, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		res, err := h.Exec(ctx, aliveCommand(pid))
		if err != nil {
			return err
		}
		if !res.OK() {
			e := faults.New(faults.RemoteSpawn, "wait for viewer", "viewer process %d exited during startup", pid)
			e.Stderr = tailLog(h, logPath)
			return e
		}
		res, err = h.Exec(ctx, portCheckCommand(port))
		if err != nil {
			return err
		}
		if res.OK() {
			return nil
		}
		select {
		case <-ctx.Done():
			e := faults.New(faults.RemoteSpawn, "wait for viewer", "viewer did not listen on port %d in time", port)
			e.Stderr = tailLog(h, logPath)
			return e
		case <-t.C:
		}
	}
}

// tailLog returns the end of the remote log, or "" when unavailable.
func tailLog(h transport.Handle, logPath string) string {
	if logPath == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.RemoteCommandTimeout)
	defer cancel()
	res, err := h.Exec(ctx, tailCommand(logPath))
	if err != nil || !res.OK() {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}
