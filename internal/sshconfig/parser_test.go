package sshconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFile_BasicAndWildcard(t *testing.T) {
	d := t.TempDir()
	cfg := `
Host gpu-1
  HostName 10.0.0.10
  IdentityFile ~/.ssh/gpu

Host gpu-*
  User wildcard
  Port 2222

Host *
  User default
  Port 22
`
	path := filepath.Join(d, "config")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hosts) != 1 {
		t.Fatalf("expected 1 concrete host, got %d", len(res.Hosts))
	}
	h := res.Hosts[0]
	// First value wins, so the more specific block decides.
	if h.Alias != "gpu-1" || h.User != "wildcard" || h.HostName != "10.0.0.10" || h.Port != 2222 {
		t.Fatalf("unexpected host parse: %+v", h)
	}
	if !strings.HasSuffix(h.IdentityFile, filepath.Join(".ssh", "gpu")) || strings.HasPrefix(h.IdentityFile, "~") {
		t.Fatalf("identity file not expanded: %q", h.IdentityFile)
	}
}

func TestParseFile_MalformedLine(t *testing.T) {
	d := t.TempDir()
	root := filepath.Join(d, "config")
	content := "Host db\n  HostName 10.1.1.1\nBadLine\nHost api\n  HostName api.internal\n"
	if err := os.WriteFile(root, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := ParseFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], root+":3") {
		t.Fatalf("expected warning for malformed line 3, got %v", res.Warnings)
	}
}

func TestParseFile_AliasesSorted(t *testing.T) {
	d := t.TempDir()
	path := filepath.Join(d, "config")
	cfg := "Host zeta alpha\n  User ops\n  Port 2200\nHost mid\n  ProxyJump bastion\n"
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var aliases []string
	for _, h := range res.Hosts {
		aliases = append(aliases, h.Alias)
	}
	if strings.Join(aliases, ",") != "alpha,mid,zeta" {
		t.Fatalf("unexpected aliases %v", aliases)
	}
	if a := res.Hosts[0]; a.HostName != "alpha" || a.User != "ops" || a.Port != 2200 {
		t.Fatalf("unexpected host %+v", a)
	}
	if m := res.Hosts[1]; m.ProxyJump != "bastion" || m.Port != 22 {
		t.Fatalf("unexpected host %+v", m)
	}
}

func TestParseFile_Missing(t *testing.T) {
	res, err := ParseFile(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hosts) != 0 || len(res.Warnings) != 1 {
		t.Fatalf("expected empty result with one warning, got %+v", res)
	}
}

func TestParseFile_NegatedPattern(t *testing.T) {
	d := t.TempDir()
	cfg := "Host web !web-legacy\n  User deploy\nHost web-legacy\n  HostName old.example\n"
	path := filepath.Join(d, "config")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range res.Hosts {
		if h.Alias == "web-legacy" && h.User != "" {
			t.Fatalf("negated pattern applied: %+v", h)
		}
	}
}
