package pool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/transport/transporttest"
)

var gpu = model.ConnectionIdentity{Host: "gpu1", Port: 22, Username: "ana"}

func newPool(r *transporttest.Remote, rate int) *Pool {
	return New(transport.NewChain(r.Factory("fake")), Options{RatePerMinute: rate})
}

func TestConnectReusesConnection(t *testing.T) {
	r := transporttest.NewRemote()
	p := newPool(r, 5)
	ctx := context.Background()

	c1, err := p.Connect(ctx, ConnectRequest{Identity: gpu, Source: "a"})
	require.NoError(t, err)
	c2, err := p.Connect(ctx, ConnectRequest{Identity: model.ConnectionIdentity{Host: "gpu1", Username: "ana"}, Source: "a"})
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, r.Connects())
	assert.Equal(t, "fake", c1.Backend)
	assert.Equal(t, model.AuthAgent, c1.AuthMethod)

	list := p.List()
	require.Len(t, list, 1)
	assert.Equal(t, "ana@gpu1:22", list[0].Key)
	assert.True(t, list[0].Connected)
	assert.Equal(t, model.ConnConnected, list[0].State)
}

func TestConcurrentConnectsShareOneHandshake(t *testing.T) {
	r := transporttest.NewRemote()
	p := newPool(r, 100)

	var wg sync.WaitGroup
	conns := make([]*Connection, 10)
	errs := make([]error, 10)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = p.Connect(context.Background(), ConnectRequest{Identity: gpu, Source: "a"})
		}(i)
	}
	wg.Wait()

	for i := range conns {
		require.NoError(t, errs[i])
		assert.Same(t, conns[0], conns[i])
	}
	assert.Equal(t, 1, r.Connects())
}

func TestRateLimitPerSource(t *testing.T) {
	r := transporttest.NewRemote()
	r.ConnectErr = faults.New(faults.Authentication, "connect", "denied")
	p := newPool(r, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Connect(ctx, ConnectRequest{Identity: gpu, Source: "10.0.0.1"})
		assert.Equal(t, faults.Authentication, faults.KindOf(err))
	}
	_, err := p.Connect(ctx, ConnectRequest{Identity: gpu, Source: "10.0.0.1"})
	assert.Equal(t, faults.RateLimited, faults.KindOf(err))

	_, err = p.Connect(ctx, ConnectRequest{Identity: gpu, Source: "10.0.0.2"})
	assert.Equal(t, faults.Authentication, faults.KindOf(err), "other sources keep their own budget")
	assert.Empty(t, p.List(), "failed attempts leave no entry")
}

func TestReuseIsNotRateLimited(t *testing.T) {
	r := transporttest.NewRemote()
	p := newPool(r, 1)
	ctx := context.Background()

	_, err := p.Connect(ctx, ConnectRequest{Identity: gpu, Source: "a"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := p.Connect(ctx, ConnectRequest{Identity: gpu, Source: "a"})
		require.NoError(t, err)
	}

	other := model.ConnectionIdentity{Host: "gpu2", Port: 22, Username: "ana"}
	_, err = p.Connect(ctx, ConnectRequest{Identity: other, Source: "a"})
	assert.Equal(t, faults.RateLimited, faults.KindOf(err))
}

func TestConnectValidatesIdentity(t *testing.T) {
	p := newPool(transporttest.NewRemote(), 5)
	_, err := p.Connect(context.Background(), ConnectRequest{Identity: model.ConnectionIdentity{Host: "", Username: "ana"}})
	assert.Equal(t, faults.InvalidArgument, faults.KindOf(err))
}

func TestDisconnectRefusesWhileReferenced(t *testing.T) {
	r := transporttest.NewRemote()
	p := newPool(r, 5)
	ctx := context.Background()
	conn, err := p.Connect(ctx, ConnectRequest{Identity: gpu})
	require.NoError(t, err)

	require.NoError(t, p.Acquire(conn))
	assert.Equal(t, 1, p.List()[0].Sessions)
	err = p.Disconnect(ctx, gpu)
	assert.Equal(t, faults.Conflict, faults.KindOf(err))
	assert.False(t, r.Closed())

	p.Release(conn)
	require.NoError(t, p.Disconnect(ctx, gpu))
	assert.True(t, r.Closed())
	assert.Empty(t, p.List())

	err = p.Disconnect(ctx, gpu)
	assert.Equal(t, faults.NotFound, faults.KindOf(err))
	_, err = p.Get(gpu)
	assert.Equal(t, faults.NotFound, faults.KindOf(err))
}

func TestAcquireUnknown(t *testing.T) {
	p := newPool(transporttest.NewRemote(), 5)
	stray := &Connection{Identity: gpu}
	assert.Equal(t, faults.NotFound, faults.KindOf(p.Acquire(stray)))
	p.Release(stray)
	assert.Equal(t, faults.InvalidArgument, faults.KindOf(p.Acquire(nil)))
}

func TestLateReleaseDoesNotTouchReplacement(t *testing.T) {
	r := transporttest.NewRemote()
	p := newPool(r, 5)
	ctx := context.Background()

	old, err := p.Connect(ctx, ConnectRequest{Identity: gpu})
	require.NoError(t, err)
	require.NoError(t, p.Acquire(old))

	r.SetAlive(errors.New("broken pipe"))
	require.Len(t, p.Sweep(ctx), 1)
	r.SetAlive(nil)

	fresh, err := p.Connect(ctx, ConnectRequest{Identity: gpu})
	require.NoError(t, err)
	require.NotSame(t, old, fresh)
	require.NoError(t, p.Acquire(fresh))

	// The first session's cleanup runs after the replacement was acquired.
	p.Release(old)
	assert.Equal(t, 1, p.List()[0].Sessions)
	err = p.Disconnect(ctx, gpu)
	assert.Equal(t, faults.Conflict, faults.KindOf(err))

	assert.Equal(t, faults.NotFound, faults.KindOf(p.Acquire(old)))
	p.Release(fresh)
	require.NoError(t, p.Disconnect(ctx, gpu))
}

func TestSweepDropsDeadConnections(t *testing.T) {
	r := transporttest.NewRemote()
	p := newPool(r, 5)
	ctx := context.Background()
	_, err := p.Connect(ctx, ConnectRequest{Identity: gpu})
	require.NoError(t, err)

	var got []model.ConnectionIdentity
	p.OnDrop(func(id model.ConnectionIdentity, err error) { got = append(got, id) })

	assert.Empty(t, p.Sweep(ctx))

	r.SetAlive(errors.New("broken pipe"))
	dropped := p.Sweep(ctx)
	require.Len(t, dropped, 1)
	assert.Equal(t, gpu, dropped[0])
	assert.Equal(t, dropped, got)
	assert.Empty(t, p.List())

	// The next connect performs a fresh handshake.
	r.SetAlive(nil)
	_, err = p.Connect(ctx, ConnectRequest{Identity: gpu})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Connects())
}

func TestCloseClosesEverything(t *testing.T) {
	r := transporttest.NewRemote()
	p := newPool(r, 5)
	conn, err := p.Connect(context.Background(), ConnectRequest{Identity: gpu})
	require.NoError(t, err)
	require.NoError(t, p.Acquire(conn))

	p.Close()
	assert.True(t, r.Closed())
	assert.Empty(t, p.List())
}
