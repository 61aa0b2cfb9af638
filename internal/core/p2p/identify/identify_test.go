package identify

import (
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	lpidentify "github.com/libp2p/go-libp2p/p2p/protocol/identify"
	pb "github.com/libp2p/go-libp2p/p2p/protocol/identify/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraevent "github.com/weisyn/upnptest/internal/core/infrastructure/event"
	"github.com/weisyn/upnptest/internal/core/p2p/events"
	"github.com/weisyn/upnptest/internal/core/p2p/identity"
	eventiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/event"
)

type peerUnderTest struct {
	host lphost.Host
	bus  *infraevent.EventBus
	svc  *Service
}

func startService(t *testing.T, h lphost.Host, agent string) *peerUnderTest {
	t.Helper()
	bus := infraevent.New(nil)
	svc := New(h, bus, Config{ProtocolVersion: "/upnp-test/1.0.0", AgentVersion: agent}, nil)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Close() })
	return &peerUnderTest{host: h, bus: bus, svc: svc}
}

// connect 连接两个 mocknet 节点，返回 a、b 两端的连接
func connect(t *testing.T, mn mocknet.Mocknet, a, b lphost.Host) (network.Conn, network.Conn) {
	t.Helper()
	require.NoError(t, mn.LinkAll())
	ca, err := mn.ConnectPeers(a.ID(), b.ID())
	require.NoError(t, err)

	var cb network.Conn
	require.Eventually(t, func() bool {
		conns := b.Network().ConnsToPeer(a.ID())
		if len(conns) == 0 {
			return false
		}
		cb = conns[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return ca, cb
}

func newPair(t *testing.T) (*peerUnderTest, *peerUnderTest, network.Conn, network.Conn) {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })

	ha, err := mn.GenPeer()
	require.NoError(t, err)
	hb, err := mn.GenPeer()
	require.NoError(t, err)
	a, b := startService(t, ha, "agent-a"), startService(t, hb, "agent-b")

	ca, cb := connect(t, mn, ha, hb)
	a.bus.Publish(eventiface.EventTypeConnEstablished, ca)
	b.bus.Publish(eventiface.EventTypeConnEstablished, cb)
	return a, b, ca, cb
}

// collect 读取事件直到每种 kind 至少出现一次；期间出现 IdentifyError 视为失败
func collect(t *testing.T, s *Service, kinds ...events.Kind) map[events.Kind]events.IdentifyEvent {
	t.Helper()
	got := make(map[events.Kind]events.IdentifyEvent, len(kinds))
	timeout := time.After(10 * time.Second)
	for {
		missing := false
		for _, k := range kinds {
			if _, ok := got[k]; !ok {
				missing = true
			}
		}
		if !missing {
			return got
		}
		select {
		case ev := <-s.Events():
			if e, ok := ev.(events.IdentifyError); ok {
				t.Fatalf("unexpected identify error: %v", e.Err)
			}
			if _, seen := got[ev.Kind()]; !seen {
				got[ev.Kind()] = ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v, got %v", kinds, got)
		}
	}
}

func nextError(t *testing.T, s *Service) events.IdentifyError {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if e, ok := ev.(events.IdentifyError); ok {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for identify error")
			return events.IdentifyError{}
		}
	}
}

// requireQuiet 等待期间不应出现新的交换；host 自发的标准推送除外
func requireQuiet(t *testing.T, s *Service, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case ev := <-s.Events():
			if r, ok := ev.(events.IdentifyReceived); ok && r.Push {
				continue
			}
			t.Fatalf("unexpected %T: %+v", ev, ev)
		case <-timeout:
			return
		}
	}
}

func TestIdentifyAndExtendedExchange(t *testing.T) {
	a, b, ca, _ := newPair(t)

	// b 也支持补充协议，会向 a 请求一次
	got := collect(t, a.svc, events.KindIdentifyReceived, events.KindIdentifySent)

	received := got[events.KindIdentifyReceived].(events.IdentifyReceived)
	assert.Equal(t, events.ConnID(ca.ID()), received.ConnID)
	assert.Equal(t, b.host.ID(), received.Peer)
	assert.False(t, received.Push)
	assert.Contains(t, received.Info.Protocols, string(ID))
	assert.Contains(t, received.Info.Protocols, string(lpidentify.ID))

	sent := got[events.KindIdentifySent].(events.IdentifySent)
	assert.Equal(t, b.host.ID(), sent.Peer)
	assert.Equal(t, events.ConnID(ca.ID()), sent.ConnID)

	requireQuiet(t, a.svc, 300*time.Millisecond)
	assert.Equal(t, 1, a.svc.Tracked())

	a.bus.Publish(eventiface.EventTypeConnClosed, ca)
	assert.Equal(t, 0, a.svc.Tracked())
}

func TestIdentifyWithStandardPeer(t *testing.T) {
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })

	ha, err := mn.GenPeer()
	require.NoError(t, err)
	stock, err := mn.GenPeer()
	require.NoError(t, err)
	a := startService(t, ha, "agent-a")

	ca, _ := connect(t, mn, ha, stock)
	a.bus.Publish(eventiface.EventTypeConnEstablished, ca)

	received := collect(t, a.svc, events.KindIdentifyReceived)[events.KindIdentifyReceived].(events.IdentifyReceived)
	assert.Equal(t, stock.ID(), received.Peer)
	assert.Equal(t, events.ConnID(ca.ID()), received.ConnID)
	assert.NotContains(t, received.Info.Protocols, string(ID))
	assert.Contains(t, received.Info.Protocols, string(lpidentify.ID))

	// 对端不支持补充协议：不发起补充交换，也不推送
	requireQuiet(t, a.svc, 300*time.Millisecond)
	a.svc.pushAll()
	requireQuiet(t, a.svc, 300*time.Millisecond)
}

func TestPushAfterAddressChange(t *testing.T) {
	a, b, ca, _ := newPair(t)
	collect(t, a.svc, events.KindIdentifyReceived, events.KindIdentifySent)
	collect(t, b.svc, events.KindIdentifyReceived, events.KindIdentifySent)

	a.svc.pushAll()

	pushed := collect(t, a.svc, events.KindIdentifyPushed)[events.KindIdentifyPushed].(events.IdentifyPushed)
	assert.Equal(t, b.host.ID(), pushed.Peer)
	assert.Equal(t, events.ConnID(ca.ID()), pushed.ConnID)
	requireQuiet(t, b.svc, 300*time.Millisecond)
}

func TestRepeatedIdentificationIsPush(t *testing.T) {
	a, b, ca, _ := newPair(t)
	collect(t, a.svc, events.KindIdentifyReceived, events.KindIdentifySent)

	a.svc.completed(event.EvtPeerIdentificationCompleted{
		Peer:         b.host.ID(),
		Conn:         ca,
		AgentVersion: "agent-b/2",
	})
	require.Eventually(t, func() bool {
		select {
		case ev := <-a.svc.Events():
			r, ok := ev.(events.IdentifyReceived)
			return ok && r.Push && r.Info.AgentVersion == "agent-b/2"
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFailureAttributedToPendingConn(t *testing.T) {
	a, b, ca, _ := newPair(t)
	collect(t, a.svc, events.KindIdentifyReceived, events.KindIdentifySent)

	reason := errors.New("stream reset")

	// 所有连接都已有结果：无法归属
	a.svc.failed(event.EvtPeerIdentificationFailed{Peer: b.host.ID(), Reason: reason})
	failure := nextError(t, a.svc)
	assert.Empty(t, failure.ConnID)
	assert.ErrorIs(t, failure.Err, reason)

	a.svc.mu.Lock()
	a.svc.conns[events.ConnID(ca.ID())].identified = false
	a.svc.mu.Unlock()

	a.svc.failed(event.EvtPeerIdentificationFailed{Peer: b.host.ID(), Reason: reason})
	failure = nextError(t, a.svc)
	assert.Equal(t, events.ConnID(ca.ID()), failure.ConnID)
	assert.Equal(t, b.host.ID(), failure.Peer)
}

func TestMismatchedPublicKeyRejected(t *testing.T) {
	a, _, ca, _ := newPair(t)

	other, err := identity.Generate(nil)
	require.NoError(t, err)
	raw, err := crypto.MarshalPublicKey(other.PubKey)
	require.NoError(t, err)

	_, err = a.svc.consume(ca, &pb.Identify{PublicKey: raw})
	assert.True(t, errors.Is(err, ErrPeerIDMismatch))

	_, err = a.svc.consume(ca, &pb.Identify{PublicKey: []byte{0x01, 0x02}})
	assert.Error(t, err)
}

func TestConsumeSkipsBadAddrs(t *testing.T) {
	a, b, ca, _ := newPair(t)
	pk, err := crypto.MarshalPublicKey(b.host.Peerstore().PubKey(b.host.ID()))
	require.NoError(t, err)

	good := ca.RemoteMultiaddr()
	info, err := a.svc.consume(ca, &pb.Identify{
		PublicKey:    pk,
		ListenAddrs:  [][]byte{{0xff, 0xff}, good.Bytes()},
		ObservedAddr: good.Bytes(),
	})
	require.NoError(t, err)
	require.Len(t, info.ListenAddrs, 1)
	assert.True(t, info.ListenAddrs[0].Equal(good))
	assert.True(t, info.ObservedAddr.Equal(good))
}

func TestCloseStopsHooks(t *testing.T) {
	a, _, ca, _ := newPair(t)
	require.NoError(t, a.svc.Close())
	a.bus.Publish(eventiface.EventTypeConnClosed, ca)
	a.svc.attach(ca)
	require.NoError(t, a.svc.Close())
}
