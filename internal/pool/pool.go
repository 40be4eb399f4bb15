// Package pool keeps at most one authenticated SSH connection per identity
// and shares it between sessions.
package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
)

// Connector establishes connections; *transport.Chain implements it.
type Connector interface {
	Connect(ctx context.Context, id model.ConnectionIdentity, auth model.Auth) (transport.Handle, string, error)
}

// ConnectRequest is one connect call. Source identifies the caller for rate
// limiting (client address for the API, "cli" for local use).
type ConnectRequest struct {
	Identity model.ConnectionIdentity
	Auth     model.Auth
	Source   string
}

// Connection is a pooled, connected handle.
type Connection struct {
	Identity   model.ConnectionIdentity
	Handle     transport.Handle
	Backend    string
	AuthMethod model.AuthMethod
	CreatedAt  time.Time
}

// entry owns the per-identity lock. The lock is held for the whole handshake
// so concurrent connects for one identity share a single attempt.
type entry struct {
	mu       sync.Mutex
	conn     *Connection
	state    model.ConnState
	refs     int
	lastUsed time.Time
}

// Options tune the pool.
type Options struct {
	// RatePerMinute caps new connection attempts per source.
	RatePerMinute int
	// Now is used for timestamps; tests override it.
	Now func() time.Time
}

type Pool struct {
	connector Connector
	opts      Options

	mu       sync.Mutex
	entries  map[string]*entry
	limiters map[string]*rate.Limiter
	infos    map[string]model.ConnectionInfo
	onDrop   []func(model.ConnectionIdentity, error)

	snapshot atomic.Pointer[[]model.ConnectionInfo]
}

func New(connector Connector, opts Options) *Pool {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Pool{
		connector: connector,
		opts:      opts,
		entries:   make(map[string]*entry),
		limiters:  make(map[string]*rate.Limiter),
		infos:     make(map[string]model.ConnectionInfo),
	}
	empty := []model.ConnectionInfo{}
	p.snapshot.Store(&empty)
	return p
}

// OnDrop registers fn to be called when the liveness sweep removes a dead
// connection.
func (p *Pool) OnDrop(fn func(model.ConnectionIdentity, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDrop = append(p.onDrop, fn)
}

func (p *Pool) limiter(source string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[source]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.opts.RatePerMinute)), p.opts.RatePerMinute)
		p.limiters[source] = l
	}
	return l
}

func (p *Pool) entryFor(key string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{state: model.ConnDisconnected}
		p.entries[key] = e
	}
	return e
}

// lockEntry returns the locked entry for key. An entry discarded by a failed
// attempt while we waited is replaced by a fresh one.
func (p *Pool) lockEntry(key string) *entry {
	for {
		e := p.entryFor(key)
		e.mu.Lock()
		p.mu.Lock()
		current := p.entries[key] == e
		p.mu.Unlock()
		if current {
			return e
		}
		e.mu.Unlock()
	}
}

// Connect returns the pooled connection for the identity, creating it when
// needed. Reuse never charges the rate limit. A failed attempt leaves no
// entry behind.
func (p *Pool) Connect(ctx context.Context, req ConnectRequest) (*Connection, error) {
	id := req.Identity.Normalize()
	if err := id.Validate(); err != nil {
		return nil, faults.Wrap(faults.InvalidArgument, "connect", err)
	}
	key := id.Key()
	e := p.lockEntry(key)
	defer e.mu.Unlock()
	if e.state == model.ConnConnected && e.conn != nil {
		e.lastUsed = p.opts.Now()
		p.publish(key, e)
		return e.conn, nil
	}

	source := req.Source
	if source == "" {
		source = "local"
	}
	if !p.limiter(source).Allow() {
		p.discard(key, e)
		return nil, faults.New(faults.RateLimited, "connect "+key, "too many connection attempts from %s, retry later", source)
	}

	e.state = model.ConnConnecting
	p.publish(key, e)
	h, backend, err := p.connector.Connect(ctx, id, req.Auth)
	if err != nil {
		e.state = model.ConnFailed
		p.discard(key, e)
		slog.Info("ssh connect failed", "target", key, "kind", faults.KindOf(err), "error", err)
		return nil, err
	}
	now := p.opts.Now()
	e.conn = &Connection{
		Identity:   id,
		Handle:     h,
		Backend:    backend,
		AuthMethod: req.Auth.Method(),
		CreatedAt:  now,
	}
	e.state = model.ConnConnected
	e.lastUsed = now
	p.publish(key, e)
	slog.Info("ssh connected", "target", key, "backend", backend)
	return e.conn, nil
}

// discard removes a never-connected entry. Caller holds e.mu.
func (p *Pool) discard(key string, e *entry) {
	if e.conn != nil {
		return
	}
	p.mu.Lock()
	if p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	p.publish(key, nil)
}

// Get returns the live connection for id.
func (p *Pool) Get(id model.ConnectionIdentity) (*Connection, error) {
	key := id.Key()
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return nil, faults.New(faults.NotFound, "get connection", "no connection for %s", key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != model.ConnConnected || e.conn == nil {
		return nil, faults.New(faults.NotFound, "get connection", "no connection for %s", key)
	}
	return e.conn, nil
}

// Acquire marks a session as depending on conn. It fails when conn is no
// longer the pooled connection for its identity.
func (p *Pool) Acquire(conn *Connection) error {
	return p.adjust(conn, 1)
}

// Release undoes Acquire. A connection that was already dropped or replaced
// is ignored, so a late release never touches its successor.
func (p *Pool) Release(conn *Connection) {
	_ = p.adjust(conn, -1)
}

func (p *Pool) adjust(conn *Connection, delta int) error {
	if conn == nil {
		return faults.New(faults.InvalidArgument, "acquire connection", "no connection given")
	}
	key := conn.Identity.Key()
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return faults.New(faults.NotFound, "acquire connection", "no connection for %s", key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != conn {
		return faults.New(faults.NotFound, "acquire connection", "connection for %s was replaced", key)
	}
	e.refs += delta
	if e.refs < 0 {
		e.refs = 0
	}
	e.lastUsed = p.opts.Now()
	p.publish(key, e)
	return nil
}

// Disconnect closes and removes the connection. It refuses while sessions
// still reference it; the session manager stops those first.
func (p *Pool) Disconnect(ctx context.Context, id model.ConnectionIdentity) error {
	key := id.Key()
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return faults.New(faults.NotFound, "disconnect", "no connection for %s", key)
	}
	e.mu.Lock()
	if e.refs > 0 {
		refs := e.refs
		e.mu.Unlock()
		return faults.New(faults.Conflict, "disconnect "+key, "%d session(s) still use this connection", refs)
	}
	conn := e.conn
	e.conn = nil
	e.state = model.ConnDisconnected
	p.mu.Lock()
	if p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	p.publish(key, nil)
	e.mu.Unlock()

	if conn != nil {
		if err := conn.Handle.Close(); err != nil {
			slog.Warn("closing ssh connection failed", "target", key, "error", err)
		}
	}
	slog.Info("ssh disconnected", "target", key)
	return nil
}

// Sweep checks every connected handle and drops the dead ones. Dropped
// identities are returned and reported to OnDrop listeners.
func (p *Pool) Sweep(ctx context.Context) []model.ConnectionIdentity {
	p.mu.Lock()
	type candidate struct {
		key string
		e   *entry
	}
	cands := make([]candidate, 0, len(p.entries))
	for k, e := range p.entries {
		cands = append(cands, candidate{k, e})
	}
	listeners := append([]func(model.ConnectionIdentity, error){}, p.onDrop...)
	p.mu.Unlock()

	var dropped []model.ConnectionIdentity
	for _, c := range cands {
		// A busy entry is mid-handshake; skip it this round.
		if !c.e.mu.TryLock() {
			continue
		}
		conn := c.e.conn
		if c.e.state != model.ConnConnected || conn == nil {
			c.e.mu.Unlock()
			continue
		}
		c.e.mu.Unlock()

		err := conn.Handle.Alive(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return dropped
		}

		c.e.mu.Lock()
		if c.e.conn != conn {
			c.e.mu.Unlock()
			continue
		}
		c.e.conn = nil
		c.e.state = model.ConnDisconnected
		c.e.refs = 0
		p.mu.Lock()
		if p.entries[c.key] == c.e {
			delete(p.entries, c.key)
		}
		p.mu.Unlock()
		p.publish(c.key, nil)
		c.e.mu.Unlock()

		_ = conn.Handle.Close()
		slog.Warn("ssh connection lost", "target", c.key, "error", err)
		dropped = append(dropped, conn.Identity)
		for _, fn := range listeners {
			fn(conn.Identity, err)
		}
	}
	return dropped
}

// List returns the last published view of the pool without locking.
func (p *Pool) List() []model.ConnectionInfo {
	return append([]model.ConnectionInfo(nil), *p.snapshot.Load()...)
}

// info renders e for List. Caller holds e.mu.
func (e *entry) info(key string) model.ConnectionInfo {
	info := model.ConnectionInfo{Key: key, State: e.state, LastActivity: e.lastUsed, Sessions: e.refs}
	if e.conn != nil {
		id := e.conn.Identity
		info.Host, info.Port, info.Username = id.Host, id.Port, id.Username
		info.Backend = e.conn.Backend
		info.AuthMethod = e.conn.AuthMethod
		info.CreatedAt = e.conn.CreatedAt
	} else if id, err := model.ParseIdentityKey(key); err == nil {
		info.Host, info.Port, info.Username = id.Host, id.Port, id.Username
	}
	info.Connected = info.State == model.ConnConnected
	return info
}

// publish records e's current view, or drops it when e is nil, and rebuilds
// the snapshot. Caller holds e.mu; lock order is entry then pool.
func (p *Pool) publish(key string, e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e == nil {
		delete(p.infos, key)
	} else {
		p.infos[key] = e.info(key)
	}
	out := make([]model.ConnectionInfo, 0, len(p.infos))
	for _, info := range p.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	p.snapshot.Store(&out)
}

// Close disconnects everything regardless of references.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
	for key, e := range entries {
		e.mu.Lock()
		conn := e.conn
		e.conn = nil
		e.state = model.ConnDisconnected
		p.publish(key, nil)
		e.mu.Unlock()
		if conn != nil {
			if err := conn.Handle.Close(); err != nil {
				slog.Warn("closing ssh connection failed", "target", key, "error", err)
			}
		}
	}
}
