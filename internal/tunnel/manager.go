// Package tunnel manages local port forwards over pooled SSH connections and
// their health.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/util"
)

// Forwarder opens forwards on an established connection; transport.Handle
// satisfies it.
type Forwarder interface {
	OpenForward(ctx context.Context, localPort, remotePort int) (transport.Forward, error)
}

// Manager tracks forwards and their runtime state.
type Manager struct {
	mu       sync.Mutex
	runtime  map[string]model.TunnelRuntime
	forwards map[string]transport.Forward
}

// NewManager creates a new tunnel manager.
func NewManager() *Manager {
	return &Manager{
		runtime:  make(map[string]model.TunnelRuntime),
		forwards: make(map[string]transport.Forward),
	}
}

// RuntimeID identifies a tunnel by connection and endpoints. Local ports are
// unique per machine, so the ID is unique while the tunnel is up.
func RuntimeID(connKey string, localPort, remotePort int) string {
	return fmt.Sprintf("%s|%s|%s", connKey, util.LoopbackEndpoint(localPort), util.LoopbackEndpoint(remotePort))
}

// Open forwards a local loopback port to remotePort on the remote loopback
// interface. localPort 0 picks an ephemeral port.
func (m *Manager) Open(ctx context.Context, connKey string, fw Forwarder, remotePort, localPort int) (model.TunnelRuntime, error) {
	if err := util.ValidatePort(remotePort); err != nil {
		return model.TunnelRuntime{}, faults.Wrap(faults.InvalidArgument, "open tunnel", fmt.Errorf("invalid remote port: %w", err))
	}
	if err := util.ValidateOptionalPort(localPort); err != nil {
		return model.TunnelRuntime{}, faults.Wrap(faults.InvalidArgument, "open tunnel", fmt.Errorf("invalid local port: %w", err))
	}
	if localPort != 0 {
		m.mu.Lock()
		for _, rt := range m.runtime {
			if rt.LocalPort == localPort && (rt.State == model.TunnelUp || rt.State == model.TunnelStarting) {
				m.mu.Unlock()
				return model.TunnelRuntime{}, faults.New(faults.Tunnel, "open tunnel", "local port %d is already forwarded by %s", localPort, rt.ID)
			}
		}
		m.mu.Unlock()
	}

	f, err := fw.OpenForward(ctx, localPort, remotePort)
	if err != nil {
		if faults.KindOf(err) == faults.Internal {
			err = faults.Wrap(faults.Tunnel, "open tunnel", err)
		}
		return model.TunnelRuntime{}, err
	}

	id := RuntimeID(connKey, f.LocalPort(), remotePort)
	rt := model.TunnelRuntime{
		ID:            id,
		ConnectionKey: connKey,
		Local:         util.LoopbackEndpoint(f.LocalPort()),
		Remote:        util.LoopbackEndpoint(remotePort),
		LocalPort:     f.LocalPort(),
		RemotePort:    remotePort,
		State:         model.TunnelUp,
		StartedAt:     time.Now(),
	}
	m.mu.Lock()
	if old, ok := m.forwards[id]; ok {
		// A previous forward on this port is stale; the new one replaced it.
		go old.Close()
	}
	m.runtime[id] = rt
	m.forwards[id] = f
	m.mu.Unlock()

	go m.watchForward(id, f)
	slog.Info("tunnel up", "id", id)
	return m.Get(id)
}

// watchForward marks a tunnel failed when its forward dies without Close.
func (m *Manager) watchForward(id string, f transport.Forward) {
	<-f.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forwards[id] != f {
		return
	}
	rt, ok := m.runtime[id]
	if !ok {
		return
	}
	delete(m.forwards, id)
	if rt.State == model.TunnelStopping || rt.State == model.TunnelDown {
		return
	}
	if err := f.Err(); err != nil {
		rt.State = model.TunnelError
		rt.LastError = err.Error()
	} else {
		rt.State = model.TunnelDown
	}
	m.runtime[id] = rt
	slog.Warn("tunnel forward ended", "id", id, "state", rt.State, "error", rt.LastError)
}

// Close tears a tunnel down and forgets it. Unknown ids are not an error.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	rt, ok := m.runtime[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	rt.State = model.TunnelStopping
	m.runtime[id] = rt
	f := m.forwards[id]
	delete(m.forwards, id)
	m.mu.Unlock()

	var err error
	if f != nil {
		err = f.Close()
	}

	m.mu.Lock()
	delete(m.runtime, id)
	m.mu.Unlock()
	if err != nil {
		slog.Warn("closing tunnel forward failed", "id", id, "error", err)
		return faults.Wrap(faults.Tunnel, "close tunnel", err)
	}
	slog.Info("tunnel closed", "id", id)
	return nil
}

// CloseAll closes every managed tunnel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runtime))
	for id := range m.runtime {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Close(id)
	}
}

// FailConnection marks every tunnel of connKey failed with cause and closes
// their forwards. It returns the affected tunnel ids.
func (m *Manager) FailConnection(connKey string, cause error) []string {
	msg := "connection lost"
	if cause != nil {
		msg = cause.Error()
	}
	m.mu.Lock()
	var ids []string
	var fwds []transport.Forward
	for id, rt := range m.runtime {
		if rt.ConnectionKey != connKey {
			continue
		}
		ids = append(ids, id)
		rt.State = model.TunnelError
		rt.LastError = msg
		m.runtime[id] = rt
		if f, ok := m.forwards[id]; ok {
			fwds = append(fwds, f)
			delete(m.forwards, id)
		}
	}
	m.mu.Unlock()

	for _, f := range fwds {
		_ = f.Close()
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		slog.Warn("tunnels failed with their connection", "connection", connKey, "count", len(ids))
	}
	return ids
}

// Get retrieves a tunnel's current runtime state by ID.
func (m *Manager) Get(id string) (model.TunnelRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtime[id]
	if !ok {
		return model.TunnelRuntime{}, faults.New(faults.NotFound, "get tunnel", "tunnel %s not found", id)
	}
	if !rt.StartedAt.IsZero() {
		rt.UptimeSec = int64(time.Since(rt.StartedAt).Seconds())
	}
	return rt, nil
}

// Probe dials the tunnel's local endpoint. A failed probe on an up tunnel
// marks it as errored.
func (m *Manager) Probe(ctx context.Context, id string) (model.TunnelRuntime, error) {
	rt, err := m.Get(id)
	if err != nil {
		return rt, err
	}
	if rt.State != model.TunnelUp {
		return rt, faults.New(faults.Tunnel, "probe tunnel", "tunnel is %s: %s", rt.State, util.EmptyDash(rt.LastError))
	}

	latency, perr := dialProbe(ctx, rt.Local)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runtime[id]
	if !ok {
		return rt, faults.New(faults.NotFound, "probe tunnel", "tunnel %s not found", id)
	}
	if perr != nil {
		if cur.State == model.TunnelUp {
			cur.State = model.TunnelError
			cur.LastError = perr.Error()
			m.runtime[id] = cur
		}
		return cur, faults.Wrap(faults.Tunnel, "probe tunnel "+cur.Local, perr)
	}
	cur.LatencyMS = latency
	m.runtime[id] = cur
	if !cur.StartedAt.IsZero() {
		cur.UptimeSec = int64(time.Since(cur.StartedAt).Seconds())
	}
	return cur, nil
}

func dialProbe(ctx context.Context, addr string) (int64, error) {
	d := net.Dialer{Timeout: util.TunnelProbeTimeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(start).Milliseconds(), nil
}

// Snapshot returns a read-only snapshot of all tunnels with current uptime and latency.
// This function performs TCP health checks asynchronously to avoid blocking.
func (m *Manager) Snapshot() []model.TunnelRuntime {
	m.mu.Lock()
	out := make([]model.TunnelRuntime, 0, len(m.runtime))
	for _, rt := range m.runtime {
		if !rt.StartedAt.IsZero() {
			rt.UptimeSec = int64(time.Since(rt.StartedAt).Seconds())
		}
		out = append(out, rt)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	type probeResult struct {
		index     int
		latencyMS int64
		err       error
	}

	results := make(chan probeResult, len(out))
	expected := 0
	for i, rt := range out {
		if rt.State != model.TunnelUp {
			continue
		}
		expected++
		go func(idx int, local string) {
			latency, err := dialProbe(context.Background(), local)
			results <- probeResult{index: idx, latencyMS: latency, err: err}
		}(i, rt.Local)
	}

	timeout := time.After(util.TunnelProbeTimeout + 100*time.Millisecond)
	for collected := 0; collected < expected; collected++ {
		select {
		case result := <-results:
			if result.err != nil {
				// Snapshot only reports; Probe owns state changes.
				slog.Debug("tunnel probe failed", "local", out[result.index].Local, "error", result.err)
				continue
			}
			out[result.index].LatencyMS = result.latencyMS
		case <-timeout:
			slog.Warn("tunnel probe timeout", "collected", collected, "expected", expected)
			return out
		}
	}
	return out
}
