package viewer

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
)

// Run is the process-wide supervision loop. It returns when ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.Health.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one supervision round: dead connections are dropped and
// their sessions failed, every RUNNING session has its tunnel and remote
// process checked, and old FAILED sessions are reaped.
func (m *Manager) CheckHealth(ctx context.Context) {
	for _, id := range m.pool.Sweep(ctx) {
		m.connectionLost(id)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Health.Parallelism)
	for _, s := range m.running() {
		s := s
		g.Go(func() error {
			m.checkSession(gctx, s)
			return nil
		})
	}
	_ = g.Wait()

	m.reap()
}

func (m *Manager) running() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session
	for _, s := range m.sessions {
		if v, ok := m.views[s.data.ID]; ok && v.Status == model.SessionRunning {
			out = append(out, s)
		}
	}
	return out
}

// connectionLost fails every session of a dropped connection. Starts in
// flight fail on their own once their commands error out.
func (m *Manager) connectionLost(id model.ConnectionIdentity) {
	cause := faults.New(faults.Unreachable, "health", "ssh connection to %s lost", id.Key())
	m.tunnels.FailConnection(id.Key(), cause)
	m.mu.Lock()
	var affected []*session
	for _, s := range m.sessions {
		if s.data.Connection == id {
			affected = append(affected, s)
		}
	}
	m.mu.Unlock()
	for _, s := range affected {
		m.fail(s, cause.Error(), events.ConnectionLost, false)
	}
}

func (m *Manager) checkSession(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.data.Status != model.SessionRunning || s.conn == nil {
		s.mu.Unlock()
		return
	}
	tunnelID := s.data.TunnelID
	pid := s.data.RemotePID
	logPath := s.data.RemoteLogPath
	h := s.conn.Handle
	s.mu.Unlock()

	if _, err := m.tunnels.Probe(ctx, tunnelID); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(s, err.Error(), events.HealthFailed, true)
		return
	}
	if pid > 0 {
		res, err := h.Exec(ctx, aliveCommand(pid))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// The pool sweep decides whether the connection is gone.
			slog.Debug("viewer liveness check failed", "session", s.data.ID, "error", err)
			return
		}
		if !res.OK() {
			msg := "remote viewer process exited"
			if tail := tailLog(h, logPath); tail != "" {
				msg += ": " + lastLine(tail)
			}
			m.fail(s, msg, events.HealthFailed, true)
			return
		}
	}

	s.mu.Lock()
	if s.data.Status == model.SessionRunning {
		s.data.LastHealthCheck = m.opts.Now()
		m.publish(s)
	}
	s.mu.Unlock()
}

// fail moves a RUNNING session to FAILED and releases its resources. The
// session stays listed until reaped or stopped.
func (m *Manager) fail(s *session, msg, evtType string, remote bool) {
	s.mu.Lock()
	if s.data.Status != model.SessionRunning {
		s.mu.Unlock()
		return
	}
	_ = s.setStatus(model.SessionFailed)
	s.data.LastError = msg
	s.data.URL = ""
	s.failedAt = m.opts.Now()
	m.publish(s)
	v := s.view(s.failedAt)
	s.mu.Unlock()

	m.teardown(s, remote)
	s.finish()
	m.record(evtType, v, msg)
	slog.Warn("viewer session failed", "session", v.ID, "error", msg)
}

// reap removes FAILED sessions older than the retention window.
func (m *Manager) reap() {
	cutoff := m.opts.Now().Add(-m.opts.Health.FailedRetention())
	m.mu.Lock()
	var stale []*session
	for _, s := range m.sessions {
		if v, ok := m.views[s.data.ID]; ok && v.Status == model.SessionFailed {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.mu.Lock()
		old := !s.failedAt.IsZero() && s.failedAt.Before(cutoff)
		v := s.view(m.opts.Now())
		s.mu.Unlock()
		if old {
			m.remove(v.ID)
			m.record(events.Reaped, v, "")
		}
	}
}

func lastLine(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
