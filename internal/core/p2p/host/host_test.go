package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodecfg "github.com/weisyn/upnptest/internal/config/node"
	"github.com/weisyn/upnptest/internal/core/p2p/identity"
)

type staticExternal struct{ addr ma.Multiaddr }

func (s staticExternal) ExternalAddr() ma.Multiaddr { return s.addr }

type recordingObserver struct {
	mu       sync.Mutex
	accepted []string
	secured  []peer.ID
	denied   []string
}

func (o *recordingObserver) InboundAccepted(_, remote ma.Multiaddr) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accepted = append(o.accepted, remote.String())
}

func (o *recordingObserver) InboundSecured(_ ma.Multiaddr, id peer.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.secured = append(o.secured, id)
}

func (o *recordingObserver) InboundDenied(_, _ ma.Multiaddr, stage string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.denied = append(o.denied, stage)
}

func (o *recordingObserver) counts() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.accepted), len(o.secured), len(o.denied)
}

func TestAddrsFactory(t *testing.T) {
	ext := ma.StringCast("/ip4/203.0.113.7/tcp/4001")
	factory, err := newAddrsFactory(staticExternal{addr: ext}, []string{"10.0.0.0/8"})
	require.NoError(t, err)

	out := factory([]ma.Multiaddr{
		ma.StringCast("/ip4/0.0.0.0/tcp/4001"),
		ma.StringCast("/ip4/10.1.2.3/tcp/4001"),
		ma.StringCast("/ip4/192.168.1.5/tcp/4001"),
		ma.StringCast("/ip4/203.0.113.7/tcp/4001"),
	})

	var got []string
	for _, a := range out {
		got = append(got, a.String())
	}
	assert.Equal(t, []string{"/ip4/192.168.1.5/tcp/4001", "/ip4/203.0.113.7/tcp/4001"}, got)
}

func TestAddrsFactoryWithoutMapping(t *testing.T) {
	factory, err := newAddrsFactory(staticExternal{}, nil)
	require.NoError(t, err)
	out := factory([]ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/4001")})
	require.Len(t, out, 1)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/4001", out[0].String())

	_, err = newAddrsFactory(nil, []string{"garbage"})
	assert.Error(t, err)
}

func TestGaterBlocksConfiguredCIDR(t *testing.T) {
	obs := &recordingObserver{}
	g, err := newAddressGater([]string{"192.0.2.0/24"}, obs)
	require.NoError(t, err)

	assert.False(t, g.InterceptAddrDial("", ma.StringCast("/ip4/192.0.2.10/tcp/1")))
	assert.True(t, g.InterceptAddrDial("", ma.StringCast("/ip4/198.51.100.1/tcp/1")))

	_, err = newAddressGater([]string{"nope"}, nil)
	assert.Error(t, err)
}

func newTestRuntime(t *testing.T, obs InboundObserver, ext ExternalAddrSource) *Runtime {
	t.Helper()
	id, err := identity.Generate(nil)
	require.NoError(t, err)

	rt, err := Build(Params{
		Options:    nodecfg.DefaultOptions(),
		Identity:   id,
		Observer:   obs,
		External:   ext,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Host().Network().Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	assert.Equal(t, id.ID, rt.Host().ID())
	return rt
}

func TestBuildHostAndObserveInbound(t *testing.T) {
	obs := &recordingObserver{}
	ext := ma.StringCast("/ip4/203.0.113.7/tcp/4001")
	server := newTestRuntime(t, obs, staticExternal{addr: ext})
	client := newTestRuntime(t, nil, nil)

	// 不自动监听：只有显式 Listen 的地址
	require.Len(t, server.Host().Network().ListenAddresses(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Host().Connect(ctx, peer.AddrInfo{
		ID:    server.Host().ID(),
		Addrs: server.Host().Network().ListenAddresses(),
	}))

	require.Eventually(t, func() bool {
		accepted, secured, _ := obs.counts()
		return accepted == 1 && secured == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, a := range server.Host().Addrs() {
			if a.Equal(ext) {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)
	assert.Greater(t, server.ResourceStat().NumConnsInbound, 0)
}
