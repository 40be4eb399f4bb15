package profiles

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/remote-viewer/internal/faults"
)

func TestSaveListGetDelete(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := Save(Profile{Name: "lab", Host: " gpu1 ", Username: "ana", RemoteRoot: "/data/runs", UseAgent: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := Save(Profile{Name: "cluster", Host: "login", Port: 2200, Username: "ana"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 || all[0].Name != "cluster" || all[1].Name != "lab" {
		t.Fatalf("unexpected profiles: %+v", all)
	}

	got, err := Get("lab")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Identity().Key() != "ana@gpu1:22" || !got.Auth().UseAgent {
		t.Fatalf("unexpected profile: %+v", got)
	}

	if err := Delete("lab"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := Get("lab"); !faults.Is(err, faults.NotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := Delete("lab"); !faults.Is(err, faults.NotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSaveValidatesInput(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := Save(Profile{Host: "h", Username: "u"}); !faults.Is(err, faults.InvalidArgument) {
		t.Fatal("expected error for empty name")
	}
	if err := Save(Profile{Name: "x", Username: "u"}); !faults.Is(err, faults.InvalidArgument) {
		t.Fatal("expected error for empty host")
	}
	if err := Save(Profile{Name: "x", Host: "h", Username: "u", LocalPort: 70000}); !faults.Is(err, faults.InvalidArgument) {
		t.Fatal("expected error for bad local port")
	}
}

func TestProfilesFileHasNoSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := Save(Profile{Name: "lab", Host: "gpu1", Username: "ana", PrivateKeyPath: "~/.ssh/id_ed25519"}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "remote-viewer", "profiles.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "password") || strings.Contains(string(b), "passphrase") {
		t.Fatalf("profiles file mentions a secret field:\n%s", b)
	}
	info, err := os.Stat(filepath.Join(dir, "remote-viewer", "profiles.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
}
