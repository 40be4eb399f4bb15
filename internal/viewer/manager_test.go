package viewer

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/pool"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/transport/transporttest"
	"github.com/treykane/remote-viewer/internal/tunnel"
)

var gpu = model.ConnectionIdentity{Host: "gpu1", Port: 22, Username: "ana"}

const python = "/opt/conda/bin/python"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	remote  *transporttest.Remote
	pool    *pool.Pool
	tunnels *tunnel.Manager
	journal *events.Store
	clock   *clock
	runtime string
	m       *Manager
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		remote:  healthyRemote(),
		tunnels: tunnel.NewManager(),
		journal: events.NewStoreAt(filepath.Join(dir, "events.jsonl")),
		clock:   &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		runtime: filepath.Join(dir, "runtime.json"),
	}
	f.pool = pool.New(transport.NewChain(f.remote.Factory("fake")), pool.Options{RatePerMinute: 100})
	opts := Options{
		Journal:           f.journal,
		RuntimePath:       f.runtime,
		ReadyPollInterval: 10 * time.Millisecond,
		Now:               f.clock.Now,
		Viewer: appconfig.ViewerConfig{
			Package: "runicorn",
			Command: "runicorn viewer --storage {root} --host {host} --port {port}",
			LogDir:  "/tmp",
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.m = New(f.pool, f.tunnels, opts)
	t.Cleanup(func() {
		f.m.Close(context.Background())
		f.tunnels.CloseAll()
		f.pool.Close()
	})
	return f
}

// healthyRemote answers every command a successful launch issues.
func healthyRemote() *transporttest.Remote {
	r := transporttest.NewRemote()
	r.Reply("command -v python3", "/usr/bin/python3\n")
	r.Reply("--version", "Python 3.11.4\n")
	r.Reply("import runicorn", "0.5.0\n")
	r.Reply("import socket", "40001\n")
	r.Reply("nohup", "4242\n")
	r.Reply("kill -0", "")
	r.Reply("/dev/tcp/", "")
	return r
}

func request() StartRequest {
	return StartRequest{Identity: gpu, Source: "test", RemoteRoot: "/data/runs", Environment: python}
}

func TestStartRunsViewer(t *testing.T) {
	f := newFixture(t, nil)

	s, err := f.m.Start(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, model.SessionRunning, s.Status)
	assert.True(t, s.IsActive)
	assert.Equal(t, 4242, s.RemotePID)
	assert.Equal(t, 40001, s.RemotePort)
	assert.NotZero(t, s.LocalPort)
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(s.LocalPort), s.URL)
	assert.Equal(t, python, s.Interpreter)
	assert.Equal(t, "/tmp/remote-viewer-"+s.ID+".log", s.RemoteLogPath)
	assert.False(t, f.remote.Ran("command -v python3"), "an interpreter path skips probing")
	assert.True(t, f.remote.Ran("'--storage' '/data/runs' '--host' '127.0.0.1' '--port' '40001'"))

	list := f.m.List()
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)

	conns := f.pool.List()
	require.Len(t, conns, 1)
	assert.Equal(t, 1, conns[0].Sessions)

	rf, err := LoadRuntime(f.runtime)
	require.NoError(t, err)
	require.Len(t, rf.Sessions, 1)
	assert.Equal(t, model.SessionRunning, rf.Sessions[0].Status)

	evts, err := f.journal.Read(events.Query{SessionID: s.ID})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.StartRequested, evts[0].EventType)
	assert.Equal(t, events.StartSucceeded, evts[1].EventType)
}

func TestStopReleasesEverything(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.m.Start(context.Background(), request())
	require.NoError(t, err)

	require.NoError(t, f.m.Stop(context.Background(), s.ID))

	_, err = f.m.Get(s.ID)
	assert.True(t, faults.Is(err, faults.NotFound))
	assert.Empty(t, f.m.List())
	assert.True(t, f.remote.Ran("kill 4242 "))
	assert.True(t, f.remote.Ran("rm -f '/tmp/remote-viewer-"+s.ID+".log'"))
	select {
	case <-f.remote.Forwards()[0].Done():
	case <-time.After(time.Second):
		t.Fatal("forward still open after stop")
	}

	conns := f.pool.List()
	require.Len(t, conns, 1, "the connection stays pooled after its last session")
	assert.Equal(t, 0, conns[0].Sessions)

	err = f.m.Stop(context.Background(), s.ID)
	assert.True(t, faults.Is(err, faults.NotFound))

	rf, err := LoadRuntime(f.runtime)
	require.NoError(t, err)
	assert.Empty(t, rf.Sessions)
}

func TestStartProbesDefaultEnvironment(t *testing.T) {
	f := newFixture(t, nil)
	req := request()
	req.Environment = ""

	s, err := f.m.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "system", s.Environment)
	assert.Equal(t, "/usr/bin/python3", s.Interpreter)
	assert.True(t, f.remote.Ran("'/usr/bin/python3' -m 'runicorn'"))
}

func TestStartUnknownEnvironment(t *testing.T) {
	f := newFixture(t, nil)
	req := request()
	req.Environment = "nope"

	_, err := f.m.Start(context.Background(), req)
	assert.True(t, faults.Is(err, faults.NotFound))
	assert.Empty(t, f.m.List())
}

func TestStartFailsWithoutPackage(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Fail("import runicorn", 1, "ModuleNotFoundError: No module named 'runicorn'")
	req := request()
	req.Environment = ""

	_, err := f.m.Start(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.RemoteSpawn, faults.KindOf(err))
	assert.Contains(t, err.Error(), "pip install runicorn")
	assert.False(t, f.remote.Ran("nohup"))
	assert.Empty(t, f.m.List())

	conns := f.pool.List()
	require.Len(t, conns, 1)
	assert.Equal(t, 0, conns[0].Sessions, "failed start releases its connection reference")
}

func TestStartSpawnFailureCleansUp(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Fail("kill -0", 1, "")
	f.remote.Reply("tail -n 20", "Traceback (most recent call last):\nOSError: [Errno 98] Address already in use\n")

	s, err := f.m.Start(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, faults.RemoteSpawn, faults.KindOf(err))
	var fe *faults.Error
	require.True(t, errors.As(err, &fe))
	assert.Contains(t, fe.Stderr, "Address already in use")

	assert.Equal(t, model.SessionFailed, s.Status)
	assert.NotEmpty(t, s.LastError)
	assert.Empty(t, f.m.List(), "start failures are not retained")
	assert.True(t, f.remote.Ran("kill 4242 "))
	assert.True(t, f.remote.Ran("rm -f"))
	assert.Empty(t, f.remote.Forwards())

	evts, err := f.journal.Read(events.Query{EventType: events.StartFailed})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, s.ID, evts[0].SessionID)
}

func TestStartTimesOutWaitingForPort(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Timeouts = appconfig.TimeoutConfig{ConnectSeconds: 5, ProbeSeconds: 5, SpawnSeconds: 1, TunnelSeconds: 5} })
	f.remote.Fail("/dev/tcp/", 1, "")

	_, err := f.m.Start(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, faults.RemoteSpawn, faults.KindOf(err))
	assert.Contains(t, err.Error(), "did not listen on port 40001")
	assert.True(t, f.remote.Ran("kill 4242 "))
}

func TestStartTunnelFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.ForwardErr = errors.New("administratively prohibited")

	_, err := f.m.Start(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, faults.Tunnel, faults.KindOf(err))
	assert.True(t, f.remote.Ran("kill 4242 "), "remote viewer is killed when the tunnel cannot open")
}

func TestStartConnectFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.ConnectErr = faults.New(faults.Authentication, "connect", "permission denied")

	_, err := f.m.Start(context.Background(), request())
	assert.Equal(t, faults.Authentication, faults.KindOf(err))
	assert.Empty(t, f.m.List())
	assert.Empty(t, f.remote.Commands())
}

func TestStartValidatesRequest(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name string
		mut  func(*StartRequest)
	}{
		{"missing root", func(r *StartRequest) { r.RemoteRoot = " " }},
		{"missing host", func(r *StartRequest) { r.Identity.Host = "" }},
		{"bad local port", func(r *StartRequest) { r.LocalPort = 70000 }},
		{"bad remote port", func(r *StartRequest) { r.RemotePort = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := request()
			tc.mut(&req)
			_, err := f.m.Start(context.Background(), req)
			assert.Equal(t, faults.InvalidArgument, faults.KindOf(err))
		})
	}
	assert.Empty(t, f.remote.Commands())
}

func TestStopDuringStart(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Fail("/dev/tcp/", 1, "")

	type result struct {
		s   model.ViewerSession
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := f.m.Start(context.Background(), request())
		done <- result{s, err}
	}()

	var id string
	require.Eventually(t, func() bool {
		list := f.m.List()
		if len(list) == 1 && list[0].RemotePID == 4242 {
			id = list[0].ID
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.m.Stop(context.Background(), id))
	_, err := f.m.Get(id)
	assert.True(t, faults.Is(err, faults.NotFound), "stop returns after cleanup finished")

	res := <-done
	assert.Equal(t, faults.Canceled, faults.KindOf(res.err))
	assert.Equal(t, model.SessionStopped, res.s.Status)
	assert.True(t, f.remote.Ran("kill 4242 "))
}

func TestDisconnectStopsSessions(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.m.Start(context.Background(), request())
	require.NoError(t, err)
	req := request()
	req.RemoteRoot = "/data/other"
	_, err = f.m.Start(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, f.m.List(), 2)

	require.NoError(t, f.m.Disconnect(context.Background(), gpu))
	assert.Empty(t, f.m.List())
	assert.Empty(t, f.pool.List())
	assert.True(t, f.remote.Closed())

	err = f.m.Disconnect(context.Background(), gpu)
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestHealthFailsExitedViewerAndReaps(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.m.Start(context.Background(), request())
	require.NoError(t, err)

	f.m.CheckHealth(context.Background())
	got, err := f.m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, got.Status)
	assert.False(t, got.LastHealthCheck.IsZero())

	f.remote.Fail("kill -0", 1, "")
	f.remote.Reply("tail -n 20", "Killed\n")
	f.m.CheckHealth(context.Background())

	got, err = f.m.Get(s.ID)
	require.NoError(t, err, "failed sessions stay listed until reaped")
	assert.Equal(t, model.SessionFailed, got.Status)
	assert.False(t, got.IsActive)
	assert.Empty(t, got.URL)
	assert.Contains(t, got.LastError, "remote viewer process exited: Killed")
	assert.Equal(t, 0, f.pool.List()[0].Sessions)

	f.clock.Advance(5 * time.Minute)
	f.m.CheckHealth(context.Background())
	_, err = f.m.Get(s.ID)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	f.m.CheckHealth(context.Background())
	_, err = f.m.Get(s.ID)
	assert.True(t, faults.Is(err, faults.NotFound))

	evts, err := f.journal.Read(events.Query{SessionID: s.ID})
	require.NoError(t, err)
	types := make([]string, len(evts))
	for i, e := range evts {
		types[i] = e.EventType
	}
	assert.Equal(t, []string{events.StartRequested, events.StartSucceeded, events.HealthFailed, events.Reaped}, types)
}

func TestHealthFailsDeadTunnel(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.m.Start(context.Background(), request())
	require.NoError(t, err)

	f.remote.Forwards()[0].Kill(errors.New("channel closed"))
	require.Eventually(t, func() bool {
		rt, err := f.tunnels.Get(s.TunnelID)
		return err == nil && rt.State != model.TunnelUp
	}, time.Second, 10*time.Millisecond)

	f.m.CheckHealth(context.Background())
	got, err := f.m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	assert.True(t, f.remote.Ran("kill 4242 "))
}

func TestHealthConnectionLost(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.m.Start(context.Background(), request())
	require.NoError(t, err)

	f.remote.SetAlive(errors.New("broken pipe"))
	f.m.CheckHealth(context.Background())

	got, err := f.m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	assert.Contains(t, got.LastError, "lost")
	assert.Empty(t, f.pool.List())

	evts, err := f.journal.Read(events.Query{EventType: events.ConnectionLost})
	require.NoError(t, err)
	assert.Len(t, evts, 1)

	require.NoError(t, f.m.Stop(context.Background(), s.ID), "stopping a failed session removes it")
	assert.Empty(t, f.m.List())
}

func TestUptimeFollowsClock(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.m.Start(context.Background(), request())
	require.NoError(t, err)

	f.clock.Advance(90 * time.Second)
	got, err := f.m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), got.UptimeSeconds)
	assert.Equal(t, f.clock.now.Add(-90*time.Second).UnixMilli(), got.StartedAtMS)
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Health.IntervalSeconds = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.m.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSlowHandshakeDoesNotBlockOtherIdentity(t *testing.T) {
	f := newFixture(t, nil)
	slow := model.ConnectionIdentity{Host: "gpu2", Port: 22, Username: "ana"}
	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.BeforeConnect = func(ctx context.Context, id model.ConnectionIdentity) error {
		if id.Host != slow.Host {
			return nil
		}
		close(entered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	type result struct {
		s   model.ViewerSession
		err error
	}
	slowDone := make(chan result, 1)
	slowReq := request()
	slowReq.Identity = slow
	go func() {
		s, err := f.m.Start(context.Background(), slowReq)
		slowDone <- result{s, err}
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake for gpu2 never started")
	}

	fast, err := f.m.Start(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, fast.Status)
	select {
	case r := <-slowDone:
		t.Fatalf("gpu2 start returned while its handshake was held: %+v %v", r.s, r.err)
	default:
	}

	close(release)
	var r result
	select {
	case r = <-slowDone:
	case <-time.After(5 * time.Second):
		t.Fatal("gpu2 start did not finish after the handshake was released")
	}
	require.NoError(t, r.err)
	assert.Equal(t, model.SessionRunning, r.s.Status)
	assert.NotEqual(t, fast.ID, r.s.ID)
	assert.NotEqual(t, fast.LocalPort, r.s.LocalPort)
	assert.Len(t, f.m.List(), 2)
}
