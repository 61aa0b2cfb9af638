package transport

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodecfg "github.com/weisyn/upnptest/internal/config/node"
	"github.com/weisyn/upnptest/internal/core/infrastructure/event"
	"github.com/weisyn/upnptest/internal/core/p2p/events"
	p2phost "github.com/weisyn/upnptest/internal/core/p2p/host"
	"github.com/weisyn/upnptest/internal/core/p2p/identity"
	eventiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/event"
)

type testNode struct {
	stack   *Stack
	runtime *p2phost.Runtime
	bus     *event.EventBus
}

func newTestNode(t *testing.T, cfg Config, blocked ...string) *testNode {
	t.Helper()

	id, err := identity.Generate(nil)
	require.NoError(t, err)

	opts := nodecfg.DefaultOptions()
	opts.Gater.BlockedCIDRs = blocked

	bus := event.New(nil)
	stack := New(cfg, bus, nil)
	rt, err := p2phost.Build(p2phost.Params{
		Options:    opts,
		Identity:   id,
		Observer:   stack,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	stack.Attach(rt.Host())

	t.Cleanup(func() {
		_ = stack.Close()
		_ = rt.Close()
	})
	return &testNode{stack: stack, runtime: rt, bus: bus}
}

func (n *testNode) listenLoopback(t *testing.T) ma.Multiaddr {
	t.Helper()
	require.NoError(t, n.stack.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	addrs := n.runtime.Host().Network().ListenAddresses()
	require.NotEmpty(t, addrs)
	return addrs[0]
}

func (n *testNode) p2pAddr(t *testing.T, addr ma.Multiaddr) string {
	t.Helper()
	return addr.String() + "/p2p/" + n.runtime.Host().ID().String()
}

// nextEvent 读取下一个 T 类型事件，跳过其他事件
func nextEvent[T events.TransportEvent](t *testing.T, ch <-chan events.TransportEvent, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestListenReportsNewListenAddr(t *testing.T) {
	n := newTestNode(t, Config{})
	addr := n.listenLoopback(t)

	ev := nextEvent[events.NewListenAddr](t, n.stack.Events(), 5*time.Second)
	assert.True(t, ev.Addr.Equal(addr))
}

func TestListenAddressInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	addr, err := manet.FromNetAddr(occupied.Addr())
	require.NoError(t, err)

	n := newTestNode(t, Config{})
	err = n.stack.Listen(addr)
	require.Error(t, err)

	var le *ListenError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, AddressInUse, le.Kind)
}

func TestListenAddressInvalid(t *testing.T) {
	_, err := ParseListenAddr("/ip4/not-an-ip/tcp/4001")
	var le *ListenError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, AddressInvalid, le.Kind)

	// 没有对应传输的协议
	n := newTestNode(t, Config{})
	err = n.stack.Listen(ma.StringCast("/ip4/127.0.0.1/udp/0"))
	require.True(t, errors.As(err, &le))
	assert.Equal(t, AddressInvalid, le.Kind)
}

func TestDialValidation(t *testing.T) {
	n := newTestNode(t, Config{})
	self := n.p2pAddr(t, n.listenLoopback(t))
	other, err := identity.Generate(nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		target string
		want   error
	}{
		{name: "malformed", target: "not-a-multiaddr"},
		{name: "peer id only", target: "/p2p/" + other.ID.String(), want: ErrNoTransportAddr},
		{name: "self", target: self, want: ErrSelfDial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := n.stack.Dial(tc.target)
			var de *DialError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, InvalidAddress, de.Kind)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

// closedPort 拿到一个空闲端口后立即关闭，保证没有监听者
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// requireNoDialOutcome 之后不再有建立事件或第二个错误
func requireNoDialOutcome(t *testing.T, ch <-chan events.TransportEvent, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case ev := <-ch:
			switch ev.(type) {
			case events.ConnectionEstablished, events.OutgoingConnectionError:
				t.Fatalf("unexpected event %T", ev)
			}
		case <-timeout:
			return
		}
	}
}

func TestDialUnreachableReportsOneError(t *testing.T) {
	other, err := identity.Generate(nil)
	require.NoError(t, err)

	n := newTestNode(t, Config{DialTimeout: 2 * time.Second})
	target := "/ip4/127.0.0.1/tcp/" + strconv.Itoa(closedPort(t)) + "/p2p/" + other.ID.String()
	require.NoError(t, n.stack.Dial(target))

	ev := nextEvent[events.OutgoingConnectionError](t, n.stack.Events(), 5*time.Second)
	assert.Equal(t, other.ID, ev.Peer)
	assert.Error(t, ev.Err)

	requireNoDialOutcome(t, n.stack.Events(), 500*time.Millisecond)
}

func TestDialBareTargetUnreachable(t *testing.T) {
	n := newTestNode(t, Config{DialTimeout: 2 * time.Second})
	target := "/ip4/127.0.0.1/tcp/" + strconv.Itoa(closedPort(t))
	require.NoError(t, n.stack.Dial(target))

	ev := nextEvent[events.OutgoingConnectionError](t, n.stack.Events(), 5*time.Second)
	assert.Empty(t, ev.Peer)
	assert.Equal(t, target, ev.Addr)
	assert.Error(t, ev.Err)

	requireNoDialOutcome(t, n.stack.Events(), 500*time.Millisecond)
}

func TestDialBareTargetLearnsPeerID(t *testing.T) {
	server := newTestNode(t, Config{})
	client := newTestNode(t, Config{DialTimeout: 5 * time.Second})
	addr := server.listenLoopback(t)

	require.NoError(t, client.stack.Dial(addr.String()))

	est := nextEvent[events.ConnectionEstablished](t, client.stack.Events(), 10*time.Second)
	assert.Equal(t, server.runtime.Host().ID(), est.Conn.Peer)
	assert.Equal(t, network.DirOutbound, est.Conn.Direction)
}

func TestConnectionLifecycle(t *testing.T) {
	server := newTestNode(t, Config{})
	client := newTestNode(t, Config{})
	addr := server.listenLoopback(t)

	hooked := make(chan network.Conn, 4)
	require.NoError(t, client.bus.Subscribe(eventiface.EventTypeConnEstablished, func(c network.Conn) {
		hooked <- c
	}))

	require.NoError(t, client.stack.Dial(server.p2pAddr(t, addr)))

	est := nextEvent[events.ConnectionEstablished](t, client.stack.Events(), 10*time.Second)
	assert.Equal(t, server.runtime.Host().ID(), est.Conn.Peer)
	assert.Equal(t, network.DirOutbound, est.Conn.Direction)
	assert.Equal(t, 1, est.NumEstablished)
	assert.NotEmpty(t, est.Conn.ID)

	inc := nextEvent[events.IncomingConnection](t, server.stack.Events(), 10*time.Second)
	srvEst := nextEvent[events.ConnectionEstablished](t, server.stack.Events(), 10*time.Second)
	assert.True(t, inc.Remote.Equal(srvEst.Conn.Remote))
	assert.Equal(t, network.DirInbound, srvEst.Conn.Direction)

	// 钩子在事件入队之后发布
	select {
	case c := <-hooked:
		assert.Equal(t, string(est.Conn.ID), c.ID())
	case <-time.After(5 * time.Second):
		t.Fatal("conn:established hook not published")
	}

	// 远端关闭
	require.NoError(t, server.runtime.Host().Network().ClosePeer(client.runtime.Host().ID()))
	closed := nextEvent[events.ConnectionClosed](t, client.stack.Events(), 10*time.Second)
	assert.Equal(t, est.Conn.ID, closed.ConnID)
	assert.Equal(t, causeRemoteClose, closed.Cause)
	assert.Equal(t, 0, closed.NumEstablished)

	srvClosed := nextEvent[events.ConnectionClosed](t, server.stack.Events(), 10*time.Second)
	assert.Equal(t, srvEst.Conn.ID, srvClosed.ConnID)
}

func TestInboundHandshakeTimeout(t *testing.T) {
	n := newTestNode(t, Config{InboundHandshakeTimeout: 200 * time.Millisecond})
	addr := n.listenLoopback(t)

	naddr, err := manet.ToNetAddr(addr)
	require.NoError(t, err)
	raw, err := net.Dial("tcp", naddr.String())
	require.NoError(t, err)
	defer raw.Close()

	inc := nextEvent[events.IncomingConnection](t, n.stack.Events(), 5*time.Second)
	failed := nextEvent[events.IncomingConnectionError](t, n.stack.Events(), 5*time.Second)
	assert.True(t, inc.Remote.Equal(failed.Remote))
	assert.Equal(t, stageSecurity, failed.Stage)
	assert.ErrorIs(t, failed.Err, ErrInboundHandshakeTimeout)
}

func TestInboundDeniedByGater(t *testing.T) {
	server := newTestNode(t, Config{}, "127.0.0.0/8")
	client := newTestNode(t, Config{DialTimeout: 3 * time.Second})
	addr := server.listenLoopback(t)

	require.NoError(t, client.stack.Dial(server.p2pAddr(t, addr)))

	failed := nextEvent[events.IncomingConnectionError](t, server.stack.Events(), 5*time.Second)
	assert.Equal(t, stageGater, failed.Stage)

	out := nextEvent[events.OutgoingConnectionError](t, client.stack.Events(), 10*time.Second)
	assert.Equal(t, server.runtime.Host().ID(), out.Peer)
}

func TestCloseMarksLocalCause(t *testing.T) {
	server := newTestNode(t, Config{})
	client := newTestNode(t, Config{})
	addr := server.listenLoopback(t)

	require.NoError(t, client.stack.Dial(server.p2pAddr(t, addr)))
	nextEvent[events.ConnectionEstablished](t, client.stack.Events(), 10*time.Second)

	client.stack.closing.Store(true)
	require.NoError(t, client.runtime.Host().Network().ClosePeer(server.runtime.Host().ID()))
	closed := nextEvent[events.ConnectionClosed](t, client.stack.Events(), 10*time.Second)
	assert.Equal(t, causeLocalClose, closed.Cause)
}
