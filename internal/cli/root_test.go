package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/treykane/remote-viewer/internal/api"
	"github.com/treykane/remote-viewer/internal/app/apptest"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/history"
	"github.com/treykane/remote-viewer/internal/hostkeys"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/profiles"
	"github.com/treykane/remote-viewer/internal/transport/transporttest"
)

func TestProfilesLifecycle(t *testing.T) {
	setupSSHConfigForCLI(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"profiles", "save", "exp", "gpu", "--root", "/data/runs", "--env", "ml", "--local-port", "8090"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("save profile: %v", err)
	}
	if !strings.Contains(out, "saved profile exp (test@127.0.0.1:2222)") {
		t.Fatalf("unexpected save output: %s", out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"profiles", "list", "--json"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("list profiles: %v", err)
	}
	var listed []map[string]any
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("invalid profiles json: %v; output=%s", err, out)
	}
	if len(listed) != 1 || listed[0]["remote_root"] != "/data/runs" || listed[0]["environment"] != "ml" {
		t.Fatalf("unexpected profiles: %v", listed)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"profiles", "delete", "exp"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
		t.Fatalf("delete profile: %v", err)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"profiles", "delete", "exp"})
	err = cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), `no profile named "exp"`) {
		t.Fatalf("expected missing profile error, got %v", err)
	}
}

func TestProfilesListRecentOrdering(t *testing.T) {
	setupSSHConfigForCLI(t)
	for _, args := range [][]string{
		{"profiles", "save", "alpha", "ana@alpha.example"},
		{"profiles", "save", "beta", "ana@beta.example"},
	} {
		cmd := NewRootCommand()
		cmd.SetArgs(args)
		if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
			t.Fatalf("save %v: %v", args, err)
		}
	}
	if err := history.Touch("ana@beta.example:22"); err != nil {
		t.Fatal(err)
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"profiles", "list", "--recent"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected output: %s", out)
	}
	if !strings.HasPrefix(lines[1], "beta") {
		t.Fatalf("expected beta first after header, got: %s", lines[1])
	}
}

func TestProfilesSaveExportsSSHConfig(t *testing.T) {
	setupSSHConfigForCLI(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"profiles", "save", "lab", "ana@lab.example:2200", "-i", "/keys/lab", "--ssh-config"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(os.Getenv("HOME"), ".ssh", "config"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "Host lab\n  HostName lab.example\n  User ana\n  Port 2200\n  IdentityFile /keys/lab\n") {
		t.Fatalf("host block not appended: %s", b)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"profiles", "save", "gpu", "ana@other.example", "--ssh-config"})
	_, err = captureStdout(func() error { return cmd.Execute() })
	if !faults.Is(err, faults.Conflict) {
		t.Fatalf("expected CONFLICT for an existing alias, got %v", err)
	}
	if _, err := profiles.Get("gpu"); !faults.Is(err, faults.NotFound) {
		t.Fatalf("profile should not be saved when the export is refused, got %v", err)
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	setupSSHConfigForCLI(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"doctor", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("doctor json: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid doctor json: %v", err)
	}
	if _, ok := payload["issues"]; !ok {
		t.Fatalf("expected issues key in doctor output: %s", out)
	}
}

func TestAuditJSONOutput(t *testing.T) {
	setupSSHConfigForCLI(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"audit", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("audit json: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid audit json: %v; output=%s", err, out)
	}
	if _, ok := payload["findings"]; !ok {
		t.Fatalf("expected findings key in audit output: %s", out)
	}
}

func TestViewerEventsJSONOutput(t *testing.T) {
	setupSSHConfigForCLI(t)
	store := events.NewStore()
	for _, e := range []events.Event{
		{Timestamp: time.Now().UTC(), SessionID: "s-1", Connection: "test@127.0.0.1:2222", EventType: events.StartSucceeded, Status: model.SessionRunning, Message: "started"},
		{Timestamp: time.Now().UTC(), SessionID: "s-2", Connection: "ana@other:22", EventType: events.StartRequested, Message: "starting"},
	} {
		if err := store.Append(e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"viewer", "events", "--session", "s-1", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("events json: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v", err)
	}
	if len(payload) != 1 {
		t.Fatalf("expected 1 event, got %d", len(payload))
	}
	if payload[0]["event_type"] != events.StartSucceeded {
		t.Fatalf("unexpected event: %v", payload[0]["event_type"])
	}
}

func TestHostKeysAcceptListRemove(t *testing.T) {
	setupSSHConfigForCLI(t)
	line, fp := testAuthorizedKey(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"hostkeys", "accept", "gpu", "--key", line, "--yes"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !strings.Contains(out, "trusted "+fp+" for [127.0.0.1]:2222") {
		t.Fatalf("unexpected accept output: %s", out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"hostkeys", "list", "--json"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var recs []model.HostKeyRecord
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("invalid hostkeys json: %v; output=%s", err, out)
	}
	if len(recs) != 1 || recs[0].Port != 2222 || recs[0].FingerprintSHA256 != fp {
		t.Fatalf("unexpected records: %+v", recs)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"hostkeys", "remove", "gpu"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
		t.Fatalf("remove: %v", err)
	}
	cmd = NewRootCommand()
	cmd.SetArgs([]string{"hostkeys", "remove", "gpu"})
	if err := cmd.Execute(); !faults.Is(err, faults.NotFound) {
		t.Fatalf("expected NOT_FOUND on second remove, got %v", err)
	}
}

func TestHostKeysAcceptRejectsBadKey(t *testing.T) {
	setupSSHConfigForCLI(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"hostkeys", "accept", "gpu", "--key", "not-a-key", "--yes"})
	if err := cmd.Execute(); !faults.Is(err, faults.InvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestConnectAndViewerStartThroughServer(t *testing.T) {
	setupSSHConfigForCLI(t)
	srv, _ := startTestServer(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", srv.URL, "connect", "gpu"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !strings.Contains(out, "connected test@127.0.0.1:2222 via fake") {
		t.Fatalf("unexpected connect output: %s", out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"--server", srv.URL, "viewer", "start", "gpu", "--root", "/data/runs", "--json"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("viewer start: %v", err)
	}
	var s model.ViewerSession
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("invalid session json: %v; output=%s", err, out)
	}
	if s.Status != model.SessionRunning || s.RemotePID != 4242 || s.RemoteRoot != "/data/runs" {
		t.Fatalf("unexpected session: %+v", s)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"--server", srv.URL, "viewer", "list"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("viewer list: %v", err)
	}
	if !strings.Contains(out, s.ID) {
		t.Fatalf("expected session %s in list: %s", s.ID, out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"--server", srv.URL, "viewer", "tunnels"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("viewer tunnels: %v", err)
	}
	if !strings.Contains(out, "test@127.0.0.1:2222") || !strings.Contains(out, "127.0.0.1:40001") {
		t.Fatalf("expected forward in tunnel list: %s", out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"--server", srv.URL, "viewer", "stop", s.ID})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
		t.Fatalf("viewer stop: %v", err)
	}
}

func TestConnectKeepsHostKeyErrorWithoutTerminal(t *testing.T) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		t.Skip("stdin is a terminal; the confirmation prompt would block")
	}
	setupSSHConfigForCLI(t)
	srv, remote := startTestServer(t)
	remote.ConnectErr = faults.HostKeyError(model.HostKeyProblem{
		Host:              "127.0.0.1",
		Port:              2222,
		KnownHostsHost:    "[127.0.0.1]:2222",
		KeyType:           ssh.KeyAlgoED25519,
		FingerprintSHA256: "SHA256:abc",
		Reason:            model.HostKeyReasonUnknown,
	})

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", srv.URL, "connect", "gpu"})
	_, err := captureStdout(func() error { return cmd.Execute() })
	if !faults.Is(err, faults.HostKeyUnknown) {
		t.Fatalf("expected HOST_KEY_UNKNOWN, got %v", err)
	}
}

func TestCommandsFailWhenServerIsDown(t *testing.T) {
	setupSSHConfigForCLI(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--server", "127.0.0.1:1", "sessions"})
	if err := cmd.Execute(); !faults.Is(err, faults.Unreachable) {
		t.Fatalf("expected HOST_UNREACHABLE, got %v", err)
	}
}

func startTestServer(t *testing.T) (*httptest.Server, *transporttest.Remote) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	remote := apptest.HealthyRemote()
	a := apptest.New(t, remote, nil)
	srv := httptest.NewServer(api.NewServer(a).Handler())
	t.Cleanup(srv.Close)
	return srv, remote
}

func testAuthorizedKey(t *testing.T) (string, string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return hostkeys.AuthorizedKey(key), ssh.FingerprintSHA256(key)
}

func captureStdout(fn func() error) (string, error) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = orig
	b, readErr := io.ReadAll(r)
	if readErr != nil {
		return "", readErr
	}
	return string(b), runErr
}

func setupSSHConfigForCLI(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	cfg := strings.Join([]string{
		"Host gpu",
		"  HostName 127.0.0.1",
		"  User test",
		"  Port 2222",
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(sshDir, "config"), []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
}
