package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/treykane/remote-viewer/internal/model"
)

// RuntimeFile is the on-disk mirror of the session registry. Other processes
// (the CLI, the dashboard) read it; this process never restores from it.
type RuntimeFile struct {
	PID       int                   `json:"pid"`
	UpdatedAt time.Time             `json:"updated_at"`
	Sessions  []model.ViewerSession `json:"sessions"`
}

// persist writes the latest snapshot. The snapshot is reloaded under
// persistMu so a slow writer never overwrites a newer registry.
func (m *Manager) persist() {
	if m.opts.RuntimePath == "" {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	now := m.opts.Now()
	src := *m.snapshot.Load()
	sessions := make([]model.ViewerSession, len(src))
	for i, v := range src {
		sessions[i] = withUptime(v, now)
	}
	rf := RuntimeFile{PID: os.Getpid(), UpdatedAt: now.UTC(), Sessions: sessions}
	if err := writeRuntime(m.opts.RuntimePath, rf); err != nil {
		slog.Warn("failed to persist viewer sessions", "path", m.opts.RuntimePath, "error", err)
	}
}

func writeRuntime(path string, rf RuntimeFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".runtime-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadRuntime reads a runtime file. A missing file yields an empty registry.
func LoadRuntime(path string) (RuntimeFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RuntimeFile{}, nil
		}
		return RuntimeFile{}, err
	}
	var rf RuntimeFile
	if err := json.Unmarshal(b, &rf); err != nil {
		return RuntimeFile{}, fmt.Errorf("parse runtime file %s: %w", path, err)
	}
	return rf, nil
}

// Stale returns the non-terminal sessions left behind by a process that is
// no longer running. Their remote viewers may still be alive.
func Stale(path string) ([]model.ViewerSession, error) {
	rf, err := LoadRuntime(path)
	if err != nil {
		return nil, err
	}
	if rf.PID == os.Getpid() || processAlive(rf.PID) {
		return nil, nil
	}
	var out []model.ViewerSession
	for _, s := range rf.Sessions {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
