package ui

import (
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/remote-viewer/internal/api"
	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/profiles"
)

type fakeBackend struct {
	mu       sync.Mutex
	saved    []profiles.Profile
	sessions []model.ViewerSession
	startErr []error
	started  []api.StartViewerRequest
	stopped  []string
	accepted []model.HostKeyRecord
}

func (f *fakeBackend) ViewerSessions(context.Context) ([]model.ViewerSession, error) {
	return f.sessions, nil
}

func (f *fakeBackend) Sessions(context.Context) ([]model.ConnectionInfo, error) { return nil, nil }

func (f *fakeBackend) SavedConnections(context.Context) ([]profiles.Profile, error) {
	return f.saved, nil
}

func (f *fakeBackend) SaveConnection(_ context.Context, p profiles.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, p)
	return nil
}

func (f *fakeBackend) StartViewer(_ context.Context, req api.StartViewerRequest) (model.ViewerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if len(f.startErr) > 0 {
		err := f.startErr[0]
		f.startErr = f.startErr[1:]
		return model.ViewerSession{}, err
	}
	return model.ViewerSession{ID: "s-1", URL: "http://127.0.0.1:8090", Status: model.SessionRunning}, nil
}

func (f *fakeBackend) StopViewer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeBackend) AcceptHostKey(_ context.Context, rec model.HostKeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, rec)
	return nil
}

func press(t *testing.T, m dashboardModel, key string) (dashboardModel, tea.Cmd) {
	t.Helper()
	var msg tea.KeyMsg
	switch key {
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	next, cmd := m.Update(msg)
	return next.(dashboardModel), cmd
}

func deliver(t *testing.T, m dashboardModel, msg tea.Msg) (dashboardModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(dashboardModel), cmd
}

func loaded(t *testing.T, b *fakeBackend) dashboardModel {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	m := newDashboard(context.Background(), b, appconfig.Default())
	msg := m.refreshCmd()()
	m, _ = deliver(t, m, msg)
	return m
}

func TestEnterStartsSelectedProfile(t *testing.T) {
	b := &fakeBackend{saved: []profiles.Profile{
		{Name: "exp", Host: "gpu1", Port: 22, Username: "ana", RemoteRoot: "/data/runs", Environment: "ml"},
	}}
	m := loaded(t, b)
	require.Len(t, m.filtered, 1)

	m, cmd := press(t, m, "enter")
	require.NotNil(t, cmd)
	m, _ = deliver(t, m, cmd())

	require.Len(t, b.started, 1)
	assert.Equal(t, "/data/runs", b.started[0].RemoteRoot)
	assert.Equal(t, "ml", b.started[0].Environment)
	assert.True(t, b.started[0].UseAgent)
	assert.Contains(t, m.status, "http://127.0.0.1:8090")
}

func TestEnterOpensFormWhenProfileHasNoRoot(t *testing.T) {
	b := &fakeBackend{saved: []profiles.Profile{{Name: "exp", Host: "gpu1", Port: 22, Username: "ana"}}}
	m := loaded(t, b)

	m, _ = press(t, m, "enter")
	require.NotNil(t, m.form)
	assert.Equal(t, fieldRoot, m.form.focusIdx)
	assert.Empty(t, b.started)

	m, _ = deliver(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Nil(t, m.form)
}

func TestHostKeyPromptAcceptsAndRetries(t *testing.T) {
	problem := model.HostKeyProblem{
		Host:              "gpu1",
		Port:              22,
		KnownHostsHost:    "gpu1",
		KeyType:           "ssh-ed25519",
		FingerprintSHA256: "SHA256:abc",
		PublicKey:         "ssh-ed25519 AAAA",
		Reason:            model.HostKeyReasonUnknown,
	}
	b := &fakeBackend{
		saved:    []profiles.Profile{{Name: "exp", Host: "gpu1", Port: 22, Username: "ana", RemoteRoot: "/data"}},
		startErr: []error{faults.HostKeyError(problem)},
	}
	m := loaded(t, b)

	m, cmd := press(t, m, "enter")
	m, _ = deliver(t, m, cmd())
	require.NotNil(t, m.pendingKey)
	assert.Contains(t, m.status, "SHA256:abc")

	m, cmd = press(t, m, "y")
	require.NotNil(t, cmd)
	m, cmd = deliver(t, m, cmd())
	require.Len(t, b.accepted, 1)
	assert.Equal(t, "SHA256:abc", b.accepted[0].FingerprintSHA256)

	require.NotNil(t, cmd)
	m, _ = deliver(t, m, cmd())
	assert.Len(t, b.started, 2)
	assert.Nil(t, m.pendingKey)
	assert.True(t, strings.HasPrefix(m.status, "Viewer running"), m.status)
}

func TestHostKeyPromptDeclined(t *testing.T) {
	b := &fakeBackend{startErr: []error{faults.HostKeyError(model.HostKeyProblem{Host: "gpu1", Port: 22, Reason: model.HostKeyReasonChanged})}}
	m := loaded(t, b)

	m, _ = deliver(t, m, startedMsg{req: api.StartViewerRequest{Host: "gpu1"}, err: b.startErr[0]})
	assert.Contains(t, m.status, "CHANGED")
	m, cmd := press(t, m, "n")
	assert.Nil(t, cmd)
	assert.Nil(t, m.pendingKey)
	assert.Nil(t, m.form)
	assert.Empty(t, b.accepted)
}

func TestStopSelectedSession(t *testing.T) {
	b := &fakeBackend{sessions: []model.ViewerSession{
		{ID: "old", Status: model.SessionStopped, StartedAtMS: 1},
		{ID: "new", Status: model.SessionRunning, StartedAtMS: 2},
	}}
	m := loaded(t, b)
	require.Len(t, m.sessions, 2)
	assert.Equal(t, "new", m.sessions[0].ID)

	m, _ = press(t, m, "tab")
	m, cmd := press(t, m, "s")
	require.NotNil(t, cmd)
	m, _ = deliver(t, m, cmd())
	assert.Equal(t, []string{"new"}, b.stopped)
	assert.Equal(t, "Stopped new", m.status)

	m, _ = press(t, m, "j")
	_, cmd = press(t, m, "s")
	assert.Nil(t, cmd)
}

func TestViewRendersPanels(t *testing.T) {
	b := &fakeBackend{
		saved:    []profiles.Profile{{Name: "exp", Host: "gpu1", Port: 22, Username: "ana", RemoteRoot: "/data"}},
		sessions: []model.ViewerSession{{ID: "s-1", Host: "gpu1", SSHPort: 22, Username: "ana", Status: model.SessionRunning}},
	}
	m := loaded(t, b)
	out := m.View()
	for _, want := range []string{"Remote Viewer Dashboard", "Profiles", "Viewer Sessions", "exp", "[V]"} {
		assert.Contains(t, out, want)
	}

	m, _ = press(t, m, "n")
	assert.Contains(t, m.View(), "Start Viewer")
}
