// Package viewer runs remote viewer sessions: it launches the viewer on a
// remote host over a pooled SSH connection, forwards a local port to it and
// supervises both until the session is stopped.
//
// Every session follows the state machine
//
//	INIT -> CONNECTING -> [PROBING] -> SPAWNING -> TUNNELING -> RUNNING -> STOPPING -> STOPPED
//
// with FAILED reachable from every non-terminal state. Transitions of one
// session are serialized by its own mutex; readers use a published snapshot
// and never block on a session in progress.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/envprobe"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/pool"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/tunnel"
	"github.com/treykane/remote-viewer/internal/util"
)

// Journal receives lifecycle events; *events.Store implements it.
type Journal interface {
	Append(events.Event) error
}

// Options configure a Manager.
type Options struct {
	Timeouts appconfig.TimeoutConfig
	Viewer   appconfig.ViewerConfig
	Health   appconfig.HealthConfig
	Journal  Journal
	// RuntimePath is where the session registry is mirrored; empty disables it.
	RuntimePath string
	// ReadyPollInterval spaces remote readiness checks after spawning.
	ReadyPollInterval time.Duration
	Now               func() time.Time
}

// StartRequest describes one viewer launch.
type StartRequest struct {
	Identity model.ConnectionIdentity
	Auth     model.Auth
	// Source identifies the caller for connection rate limiting.
	Source     string
	RemoteRoot string
	// Environment is an environment name from the probe or an absolute
	// interpreter path. Empty selects the default environment.
	Environment string
	LocalPort   int
	RemotePort  int
}

func (r StartRequest) validate() error {
	if err := r.Identity.Normalize().Validate(); err != nil {
		return faults.Wrap(faults.InvalidArgument, "start viewer", err)
	}
	if strings.TrimSpace(r.RemoteRoot) == "" {
		return faults.New(faults.InvalidArgument, "start viewer", "remote root is required")
	}
	if err := util.ValidateOptionalPort(r.LocalPort); err != nil {
		return faults.Wrap(faults.InvalidArgument, "start viewer", fmt.Errorf("invalid local port: %w", err))
	}
	if err := util.ValidateOptionalPort(r.RemotePort); err != nil {
		return faults.Wrap(faults.InvalidArgument, "start viewer", fmt.Errorf("invalid remote port: %w", err))
	}
	return nil
}

// session is the mutable record behind a ViewerSession.
type session struct {
	mu   sync.Mutex
	data model.ViewerSession

	conn     *pool.Connection
	acquired bool
	spawned  bool

	// starting is true while Start runs the launch steps.
	starting      bool
	stopRequested bool
	cancel        context.CancelFunc
	// done is closed once the session reached a terminal state and its
	// cleanup finished.
	done     chan struct{}
	doneOnce sync.Once
	failedAt time.Time
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Manager owns the session registry.
type Manager struct {
	pool    *pool.Pool
	tunnels *tunnel.Manager
	opts    Options

	mu       sync.Mutex
	sessions map[string]*session
	views    map[string]model.ViewerSession

	snapshot  atomic.Pointer[[]model.ViewerSession]
	persistMu sync.Mutex
}

func New(p *pool.Pool, tunnels *tunnel.Manager, opts Options) *Manager {
	d := appconfig.Default()
	if opts.Timeouts == (appconfig.TimeoutConfig{}) {
		opts.Timeouts = d.Timeouts
	}
	if opts.Viewer.Package == "" {
		opts.Viewer.Package = d.Viewer.Package
	}
	if opts.Viewer.Command == "" {
		opts.Viewer.Command = d.Viewer.Command
	}
	if opts.Viewer.LogDir == "" {
		opts.Viewer.LogDir = d.Viewer.LogDir
	}
	if opts.Health.IntervalSeconds <= 0 {
		opts.Health.IntervalSeconds = d.Health.IntervalSeconds
	}
	if opts.Health.FailedRetentionSeconds <= 0 {
		opts.Health.FailedRetentionSeconds = d.Health.FailedRetentionSeconds
	}
	if opts.Health.Parallelism <= 0 {
		opts.Health.Parallelism = d.Health.Parallelism
	}
	if opts.ReadyPollInterval <= 0 {
		opts.ReadyPollInterval = util.RemoteReadyPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		pool:     p,
		tunnels:  tunnels,
		opts:     opts,
		sessions: make(map[string]*session),
		views:    make(map[string]model.ViewerSession),
	}
	empty := []model.ViewerSession{}
	m.snapshot.Store(&empty)
	return m
}

// Start launches a viewer and returns the RUNNING session. On failure every
// resource created so far is released before the error is returned, and the
// session is gone from the registry.
func (m *Manager) Start(ctx context.Context, req StartRequest) (model.ViewerSession, error) {
	if err := req.validate(); err != nil {
		return model.ViewerSession{}, err
	}
	id := req.Identity.Normalize()
	now := m.opts.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		data: model.ViewerSession{
			ID:          uuid.NewString(),
			Connection:  id,
			Host:        id.Host,
			SSHPort:     id.Port,
			Username:    id.Username,
			Environment: req.Environment,
			RemoteRoot:  req.RemoteRoot,
			RemotePort:  req.RemotePort,
			LocalPort:   req.LocalPort,
			Status:      model.SessionInit,
			StartedAt:   now,
		},
		starting: true,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[s.data.ID] = s
	m.mu.Unlock()
	s.mu.Lock()
	m.publish(s)
	s.mu.Unlock()
	m.record(events.StartRequested, s.viewLocked(m), "")
	slog.Info("viewer start requested", "session", s.data.ID, "target", id.Key(), "root", req.RemoteRoot)

	err := m.launch(ctx, s, req)

	s.mu.Lock()
	stop := s.stopRequested
	s.starting = false
	if err == nil && !stop {
		_ = s.setStatus(model.SessionRunning)
		m.publish(s)
		v := s.view(m.opts.Now())
		s.mu.Unlock()
		m.record(events.StartSucceeded, v, "")
		slog.Info("viewer running", "session", v.ID, "url", v.URL, "remote_pid", v.RemotePID)
		return v, nil
	}
	if stop {
		_ = s.setStatus(model.SessionStopping)
		m.publish(s)
	}
	s.mu.Unlock()

	if stop {
		m.teardown(s, true)
		v := m.terminate(s, model.SessionStopped, "")
		m.record(events.Stopped, v, "stopped during start")
		return v, faults.New(faults.Canceled, "start viewer", "session %s was stopped before it was running", v.ID)
	}

	m.teardown(s, true)
	v := m.terminate(s, model.SessionFailed, err.Error())
	m.record(events.StartFailed, v, err.Error())
	slog.Warn("viewer start failed", "session", v.ID, "target", id.Key(), "kind", faults.KindOf(err), "error", err)
	return v, err
}

// launch runs the steps from CONNECTING to a verified tunnel.
func (m *Manager) launch(ctx context.Context, s *session, req StartRequest) error {
	id := s.data.Connection
	t := m.opts.Timeouts

	// CONNECTING
	if err := m.advance(s, model.SessionConnecting); err != nil {
		return err
	}
	stepCtx, cancel := context.WithTimeout(ctx, t.Connect())
	conn, err := m.pool.Connect(stepCtx, pool.ConnectRequest{Identity: id, Auth: req.Auth, Source: req.Source})
	cancel()
	if err != nil {
		return stepError(ctx, faults.ConnectionTimeout, "connect", err)
	}
	if err := m.pool.Acquire(conn); err != nil {
		return stepError(ctx, faults.Unreachable, "connect", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.acquired = true
	s.mu.Unlock()
	h := conn.Handle

	// PROBING, unless an interpreter path was given.
	interpreter := req.Environment
	envName := req.Environment
	if !strings.HasPrefix(req.Environment, "/") {
		if err := m.advance(s, model.SessionProbing); err != nil {
			return err
		}
		stepCtx, cancel = context.WithTimeout(ctx, t.Probe())
		envs, err := envprobe.Probe(stepCtx, h, m.opts.Viewer.Package)
		cancel()
		if err != nil {
			return stepError(ctx, faults.RemoteSpawn, "probe environments", err)
		}
		env, err := m.pickEnvironment(envs, req.Environment)
		if err != nil {
			return err
		}
		interpreter, envName = env.InterpreterPath, env.Name
	}
	s.mu.Lock()
	s.data.Environment = envName
	s.data.Interpreter = interpreter
	s.mu.Unlock()

	// SPAWNING
	if err := m.advance(s, model.SessionSpawning); err != nil {
		return err
	}
	stepCtx, cancel = context.WithTimeout(ctx, t.Spawn())
	defer cancel()
	remotePort := req.RemotePort
	if remotePort == 0 {
		if remotePort, err = freeRemotePort(stepCtx, h, interpreter); err != nil {
			return stepError(ctx, faults.RemoteSpawn, "find remote port", err)
		}
	}
	args, err := BuildCommand(m.opts.Viewer.Command, req.RemoteRoot, remotePort)
	if err != nil {
		return faults.Wrap(faults.InvalidArgument, "spawn viewer", err)
	}
	logPath := LogPath(m.opts.Viewer.LogDir, s.data.ID)
	s.mu.Lock()
	s.data.RemotePort = remotePort
	s.data.RemoteLogPath = logPath
	s.spawned = true
	m.publish(s)
	s.mu.Unlock()

	pid, err := spawn(stepCtx, h, SpawnCommand(interpreter, args, logPath))
	if err != nil {
		return m.spawnError(ctx, h, logPath, err)
	}
	s.mu.Lock()
	s.data.RemotePID = pid
	m.publish(s)
	s.mu.Unlock()
	if err := waitReady(stepCtx, h, pid, remotePort, logPath, m.opts.ReadyPollInterval); err != nil {
		return m.spawnError(ctx, h, logPath, err)
	}
	cancel()

	// TUNNELING
	if err := m.advance(s, model.SessionTunneling); err != nil {
		return err
	}
	stepCtx, cancel = context.WithTimeout(ctx, t.Tunnel())
	defer cancel()
	rt, err := m.tunnels.Open(stepCtx, id.Key(), h, remotePort, req.LocalPort)
	if err != nil {
		return stepError(ctx, faults.Tunnel, "open tunnel", err)
	}
	s.mu.Lock()
	s.data.TunnelID = rt.ID
	s.data.LocalPort = rt.LocalPort
	s.data.URL = fmt.Sprintf("http://%s", util.LoopbackEndpoint(rt.LocalPort))
	m.publish(s)
	s.mu.Unlock()
	if _, err := m.tunnels.Probe(stepCtx, rt.ID); err != nil {
		return stepError(ctx, faults.Tunnel, "verify tunnel", err)
	}
	return ctx.Err()
}

// pickEnvironment resolves the requested environment name, or the default.
func (m *Manager) pickEnvironment(envs []model.RemoteEnvironment, name string) (model.RemoteEnvironment, error) {
	if name != "" {
		return envprobe.Find(envs, name)
	}
	env, ok := envprobe.Default(envs)
	if !ok {
		return env, faults.New(faults.RemoteSpawn, "select environment", "no Python interpreter found on remote host")
	}
	if pkg := m.opts.Viewer.Package; pkg != "" && !env.HasPackage() {
		return env, faults.New(faults.RemoteSpawn, "select environment",
			"%s is not installed in any environment; install it with: %s -m pip install %s", pkg, env.InterpreterPath, pkg)
	}
	return env, nil
}

// spawnError classifies a spawn-step failure and attaches the remote log.
func (m *Manager) spawnError(ctx context.Context, h transport.Handle, logPath string, err error) error {
	err = stepError(ctx, faults.RemoteSpawn, "spawn viewer", err)
	var fe *faults.Error
	if errors.As(err, &fe) && fe.Kind == faults.RemoteSpawn && fe.Stderr == "" {
		fe.Stderr = tailLog(h, logPath)
	}
	return err
}

// stepError maps a step failure to its kind. Cancellation of the whole start
// wins over the step's own classification.
func stepError(ctx context.Context, kind faults.Kind, op string, err error) error {
	if ctx.Err() != nil {
		return faults.Wrap(faults.Canceled, op, ctx.Err())
	}
	if faults.KindOf(err) != faults.Internal {
		return err
	}
	return faults.Wrap(kind, op, err)
}

// advance moves s to status, refusing when a stop was requested.
func (m *Manager) advance(s *session, to model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopRequested {
		return faults.New(faults.Canceled, "start viewer", "stop requested")
	}
	if err := s.setStatus(to); err != nil {
		return err
	}
	m.publish(s)
	slog.Debug("viewer session transition", "session", s.data.ID, "status", to)
	return nil
}

// Stop ends a session. A start in flight is cancelled and Stop waits for its
// cleanup; a session that already failed is simply removed.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return faults.New(faults.NotFound, "stop viewer", "session %s not found", id)
	}

	s.mu.Lock()
	switch {
	case s.starting:
		s.stopRequested = true
		cancel := s.cancel
		s.mu.Unlock()
		m.record(events.StopRequested, s.viewLocked(m), "cancelling start")
		cancel()
		return m.wait(ctx, s)
	case s.data.Status == model.SessionStopping:
		s.mu.Unlock()
		return m.wait(ctx, s)
	case s.data.Status.Terminal():
		s.mu.Unlock()
		m.remove(s.data.ID)
		s.finish()
		return nil
	}
	_ = s.setStatus(model.SessionStopping)
	m.publish(s)
	v := s.view(m.opts.Now())
	s.mu.Unlock()
	m.record(events.StopRequested, v, "")

	m.teardown(s, true)
	v = m.terminate(s, model.SessionStopped, "")
	m.record(events.Stopped, v, "")
	slog.Info("viewer stopped", "session", id)
	return nil
}

func (m *Manager) wait(ctx context.Context, s *session) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return faults.Wrap(faults.Canceled, "stop viewer", ctx.Err())
	}
}

// teardown releases what the session holds: tunnel, remote process, remote
// log and the connection reference. remote=false skips remote commands when
// the connection is known to be gone.
func (m *Manager) teardown(s *session, remote bool) {
	s.mu.Lock()
	tunnelID := s.data.TunnelID
	pid := s.data.RemotePID
	port := s.data.RemotePort
	logPath := s.data.RemoteLogPath
	spawned := s.spawned
	conn := s.conn
	acquired := s.acquired
	s.acquired = false
	s.spawned = false
	s.mu.Unlock()

	if tunnelID != "" {
		if err := m.tunnels.Close(tunnelID); err != nil {
			slog.Warn("closing viewer tunnel failed", "session", s.data.ID, "error", err)
		}
	}
	if remote && conn != nil && spawned {
		ctx, cancel := context.WithTimeout(context.Background(), util.RemoteCommandTimeout)
		h := conn.Handle
		var cmds []string
		if pid > 0 {
			cmds = append(cmds, killCommand(pid))
		} else if port > 0 {
			cmds = append(cmds, killByPortCommand(port))
		}
		cmds = append(cmds, removeCommand(logPath))
		for _, c := range cmds {
			if _, err := h.Exec(ctx, c); err != nil {
				slog.Warn("remote cleanup command failed", "session", s.data.ID, "error", err)
				break
			}
		}
		cancel()
	}
	if acquired {
		m.pool.Release(conn)
	}
}

// terminate sets a terminal status, removes the session from the registry
// and wakes waiters. FAILED sessions from a start are not retained.
func (m *Manager) terminate(s *session, status model.SessionStatus, lastErr string) model.ViewerSession {
	s.mu.Lock()
	if err := s.setStatus(status); err != nil {
		s.data.Status = status
	}
	s.data.LastError = lastErr
	s.data.URL = ""
	v := s.view(m.opts.Now())
	s.mu.Unlock()
	m.remove(v.ID)
	s.finish()
	return v
}

// Get returns the session with id.
func (m *Manager) Get(id string) (model.ViewerSession, error) {
	now := m.opts.Now()
	for _, v := range *m.snapshot.Load() {
		if v.ID == id {
			return withUptime(v, now), nil
		}
	}
	return model.ViewerSession{}, faults.New(faults.NotFound, "get viewer", "session %s not found", id)
}

// List returns every session from the last published snapshot.
func (m *Manager) List() []model.ViewerSession {
	now := m.opts.Now()
	src := *m.snapshot.Load()
	out := make([]model.ViewerSession, len(src))
	for i, v := range src {
		out[i] = withUptime(v, now)
	}
	return out
}

// Disconnect stops every session on the identity, then closes the pooled
// connection.
func (m *Manager) Disconnect(ctx context.Context, id model.ConnectionIdentity) error {
	id = id.Normalize()
	var ids []string
	m.mu.Lock()
	for sid, s := range m.sessions {
		if s.data.Connection == id {
			ids = append(ids, sid)
		}
	}
	m.mu.Unlock()

	for _, sid := range ids {
		if err := m.Stop(ctx, sid); err != nil && !faults.Is(err, faults.NotFound) {
			return err
		}
	}
	err := m.pool.Disconnect(ctx, id)
	if faults.Is(err, faults.NotFound) && len(ids) > 0 {
		return nil
	}
	return err
}

// Close stops every session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && !faults.Is(err, faults.NotFound) {
			slog.Warn("stopping viewer on shutdown failed", "session", id, "error", err)
		}
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.views, id)
	m.rebuildLocked()
	m.mu.Unlock()
	m.persist()
}

// publish records s's current view and rebuilds the snapshot. Caller holds
// s.mu; lock order is session then manager.
func (m *Manager) publish(s *session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.data.ID]; !ok {
		m.mu.Unlock()
		return
	}
	m.views[s.data.ID] = s.data
	m.rebuildLocked()
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) rebuildLocked() {
	out := make([]model.ViewerSession, 0, len(m.views))
	for _, v := range m.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	m.snapshot.Store(&out)
}

// view renders the session for callers. Caller holds s.mu.
func (s *session) view(now time.Time) model.ViewerSession {
	return withUptime(s.data, now)
}

// viewLocked renders the session, taking s.mu.
func (s *session) viewLocked(m *Manager) model.ViewerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(m.opts.Now())
}

func withUptime(v model.ViewerSession, now time.Time) model.ViewerSession {
	v.StartedAtMS = v.StartedAt.UnixMilli()
	v.IsActive = v.Status == model.SessionRunning
	if v.IsActive {
		v.UptimeSeconds = int64(now.Sub(v.StartedAt).Seconds())
	} else {
		v.UptimeSeconds = 0
	}
	return v
}

func (m *Manager) record(evtType string, v model.ViewerSession, msg string) {
	if m.opts.Journal == nil {
		return
	}
	err := m.opts.Journal.Append(events.Event{
		SessionID:  v.ID,
		Connection: v.Connection.Key(),
		EventType:  evtType,
		Status:     v.Status,
		Message:    msg,
		RemotePID:  v.RemotePID,
		LocalPort:  v.LocalPort,
	})
	if err != nil {
		slog.Warn("failed to append session event", "event", evtType, "error", err)
	}
}
