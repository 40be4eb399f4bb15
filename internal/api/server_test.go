package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/remote-viewer/internal/app"
	"github.com/treykane/remote-viewer/internal/app/apptest"
	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/history"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/profiles"
	"github.com/treykane/remote-viewer/internal/transport/transporttest"
)

type harness struct {
	remote *transporttest.Remote
	app    *app.App
	srv    *httptest.Server
	client *Client
}

func newHarness(t *testing.T, ratePerMinute int) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	remote := apptest.HealthyRemote()
	a := apptest.New(t, remote, func(c *appconfig.Config) { c.Security.ConnectRatePerMinute = ratePerMinute })
	srv := httptest.NewServer(NewServer(a).Handler())
	t.Cleanup(srv.Close)
	return &harness{remote: remote, app: a, srv: srv, client: NewClient(srv.URL, srv.Client())}
}

func connectReq() ConnectRequest {
	return ConnectRequest{Host: "gpu1", Username: "ana", Credentials: Credentials{UseAgent: true}}
}

func testHostKey(t *testing.T) model.HostKeyProblem {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return model.HostKeyProblem{
		Host:              "gpu1",
		Port:              22,
		KnownHostsHost:    "gpu1",
		KeyType:           key.Type(),
		FingerprintSHA256: ssh.FingerprintSHA256(key),
		PublicKey:         string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(key))),
		Reason:            model.HostKeyReasonUnknown,
	}
}

func TestConnectListsSessionAndRecordsUse(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	resp, err := h.client.Connect(ctx, connectReq())
	require.NoError(t, err)
	assert.Equal(t, "ana@gpu1:22", resp.ConnectionID)
	assert.Equal(t, "fake", resp.Backend)

	conns, err := h.client.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.True(t, conns[0].Connected)
	assert.Equal(t, "ana@gpu1:22", conns[0].Key)

	used, err := history.LastUsed()
	require.NoError(t, err)
	assert.NotZero(t, used["ana@gpu1:22"])

	require.NoError(t, h.client.Disconnect(ctx, model.ConnectionIdentity{Host: "gpu1", Port: 22, Username: "ana"}))
	conns, err = h.client.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
	assert.True(t, h.remote.Closed())
}

func TestConnectHostKeyConfirmationFlow(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	problem := testHostKey(t)
	h.remote.ConnectErr = faults.HostKeyError(problem)

	body, _ := json.Marshal(connectReq())
	raw, err := http.Post(h.srv.URL+"/api/remote/connect", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusConflict, raw.StatusCode)
	var eb ErrorBody
	require.NoError(t, json.NewDecoder(raw.Body).Decode(&eb))
	assert.Equal(t, "HOST_KEY_CONFIRMATION_REQUIRED", eb.Code)
	require.NotNil(t, eb.HostKey)
	assert.Equal(t, problem.FingerprintSHA256, eb.HostKey.FingerprintSHA256)

	_, err = h.client.Connect(ctx, connectReq())
	require.Error(t, err)
	assert.Equal(t, faults.HostKeyUnknown, faults.KindOf(err))
	got, ok := faults.HostKeyProblemOf(err)
	require.True(t, ok)

	require.NoError(t, h.client.AcceptHostKey(ctx, got.Record()))
	hosts, err := h.client.HostKeys(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, problem.FingerprintSHA256, hosts[0].FingerprintSHA256)

	removed, err := h.client.RemoveHostKey(ctx, "gpu1", 22)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = h.client.RemoveHostKey(ctx, "gpu1", 22)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestAcceptRejectsMismatchedFingerprint(t *testing.T) {
	h := newHarness(t, 100)
	rec := testHostKey(t).Record()
	rec.FingerprintSHA256 = "SHA256:bogus"
	err := h.client.AcceptHostKey(context.Background(), rec)
	assert.True(t, faults.Is(err, faults.InvalidArgument), "got %v", err)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind   faults.Kind
		status int
	}{
		{faults.Authentication, http.StatusUnauthorized},
		{faults.ConnectionTimeout, http.StatusGatewayTimeout},
		{faults.RateLimited, http.StatusTooManyRequests},
		{faults.NotFound, http.StatusNotFound},
		{faults.InvalidArgument, http.StatusBadRequest},
		{faults.HostKeyChanged, http.StatusConflict},
		{faults.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, StatusFor(tc.kind), string(tc.kind))
	}
}

func TestConnectFailuresKeepTheirKind(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	t.Setenv("HOME", "/home/ana")

	h.remote.ConnectErr = faults.New(faults.Authentication, "ssh handshake", "permission denied for /home/ana/.ssh/id_ed25519")
	_, err := h.client.Connect(ctx, connectReq())
	assert.True(t, faults.Is(err, faults.Authentication), "got %v", err)
	assert.NotContains(t, err.Error(), "/home/ana", "paths are redacted")

	h.remote.ConnectErr = nil
	_, err = h.client.Connect(ctx, ConnectRequest{Host: "gpu2", Username: "ana"})
	assert.True(t, faults.Is(err, faults.RateLimited), "got %v", err)

	_, err = h.client.Connect(ctx, ConnectRequest{Host: "gpu3"})
	assert.True(t, faults.Is(err, faults.InvalidArgument), "got %v", err)
}

func TestEnvironmentsAndBrowse(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.remote.Reply("-printf", "d\t4096\t1700000000.5\truns\nf\t12\t1700000001\tnotes.txt\nd\t4096\t1700000000\t.cache\n")
	h.remote.Reply("then echo dir", "dir\n")

	_, err := h.client.Environments(ctx, "ana@gpu1:22")
	assert.True(t, faults.Is(err, faults.NotFound), "environments need a connection, got %v", err)

	resp, err := h.client.Connect(ctx, connectReq())
	require.NoError(t, err)

	envs, err := h.client.Environments(ctx, resp.ConnectionID)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "/usr/bin/python3", envs[0].InterpreterPath)
	assert.Equal(t, "0.5.0", envs[0].PackageVersion)
	assert.True(t, envs[0].IsDefault)

	listing, err := h.client.ListDir(ctx, resp.ConnectionID, "/data", false)
	require.NoError(t, err)
	assert.Equal(t, "/data", listing.Path)
	require.Len(t, listing.Entries, 2)
	assert.Equal(t, "runs", listing.Entries[0].Name)
	assert.True(t, listing.Entries[0].IsDir)
	assert.Equal(t, "/data/notes.txt", listing.Entries[1].Path)

	exists, isDir, err := h.client.Exists(ctx, resp.ConnectionID, "/data/runs")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, isDir)

	_, err = h.client.ListDir(ctx, "not-an-id", "/data", false)
	assert.True(t, faults.Is(err, faults.InvalidArgument), "got %v", err)
}

func TestViewerLifecycle(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	s, err := h.client.StartViewer(ctx, StartViewerRequest{
		Host:        "gpu1",
		Username:    "ana",
		RemoteRoot:  "/data/runs",
		Environment: "/opt/conda/bin/python",
		Credentials: Credentials{UseAgent: true},
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, s.Status)
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.URL)

	list, err := h.client.ViewerSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	status, err := h.client.ViewerStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, status.ID)
	assert.Equal(t, 4242, status.RemotePID)

	tunnels, err := h.client.ViewerTunnels(ctx)
	require.NoError(t, err)
	require.Len(t, tunnels, 1)
	assert.Equal(t, status.TunnelID, tunnels[0].ID)
	assert.Equal(t, "ana@gpu1:22", tunnels[0].ConnectionKey)
	assert.Equal(t, model.TunnelUp, tunnels[0].State)

	require.NoError(t, h.client.StopViewer(ctx, s.ID))
	tunnels, err = h.client.ViewerTunnels(ctx)
	require.NoError(t, err)
	assert.Empty(t, tunnels)
	_, err = h.client.ViewerStatus(ctx, s.ID)
	assert.True(t, faults.Is(err, faults.NotFound), "got %v", err)
	assert.True(t, faults.Is(h.client.StopViewer(ctx, s.ID), faults.NotFound))

	evts, err := h.client.ViewerEvents(ctx, events.Query{SessionID: s.ID})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, events.StartSucceeded)
	assert.Contains(t, types, events.Stopped)

	evts, err = h.client.ViewerEvents(ctx, events.Query{SessionID: s.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestViewerStartRejectsMissingRoot(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.client.StartViewer(context.Background(), StartViewerRequest{Host: "gpu1", Username: "ana"})
	assert.True(t, faults.Is(err, faults.InvalidArgument), "got %v", err)
}

func TestEventsRejectsBadQuery(t *testing.T) {
	h := newHarness(t, 100)
	resp, err := http.Get(h.srv.URL + "/api/remote/viewer/events?limit=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSavedConnections(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	require.NoError(t, h.client.SaveConnection(ctx, profiles.Profile{Name: "a-lab", Host: "gpu1", Username: "ana"}))
	require.NoError(t, h.client.SaveConnection(ctx, profiles.Profile{Name: "b-cluster", Host: "login", Username: "ana"}))
	require.NoError(t, history.Touch("ana@login:22"))

	saved, err := h.client.SavedConnections(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "b-cluster", saved[0].Name, "recently used first")

	require.NoError(t, h.client.DeleteConnection(ctx, "a-lab"))
	assert.True(t, faults.Is(h.client.DeleteConnection(ctx, "a-lab"), faults.NotFound))

	err = h.client.SaveConnection(ctx, profiles.Profile{Name: "bad"})
	assert.True(t, faults.Is(err, faults.InvalidArgument), "got %v", err)
}

func TestClientReportsUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	_, err := NewClient(addr, nil).Sessions(context.Background())
	assert.True(t, faults.Is(err, faults.Unreachable), "got %v", err)
}
