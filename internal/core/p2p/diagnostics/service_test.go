package diagnostics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/metrics"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/upnptest/internal/core/p2p/node"
)

type fakeSnapshots struct {
	snap *node.Snapshot
}

func (f *fakeSnapshots) Snapshot() *node.Snapshot { return f.snap }

type fakeStats struct{}

func (fakeStats) BandwidthTotals() metrics.Stats {
	return metrics.Stats{TotalIn: 1024, TotalOut: 2048, RateIn: 1.5, RateOut: 2.5}
}

func (fakeStats) ResourceStat() network.ScopeStat {
	return network.ScopeStat{NumConnsInbound: 2, NumConnsOutbound: 1, Memory: 4096}
}

func testSnapshot() *node.Snapshot {
	return &node.Snapshot{
		PeerID:        "12D3KooWTest",
		ListenAddrs:   []string{"/ip4/127.0.0.1/tcp/4001"},
		GatewayStatus: "mapped",
		Reachable:     true,
		Connections: []node.ConnectionView{
			{ID: "c1", Peer: "12D3KooWRemote", Direction: "inbound"},
		},
		EventsProcessed: 7,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	svc := NewService(Params{Snapshots: &fakeSnapshots{snap: testSnapshot()}})

	rec := get(t, svc.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "12D3KooWTest", body["peer_id"])
	assert.Equal(t, true, body["reachable"])
	assert.EqualValues(t, 1, body["connections"])
}

func TestNodeSnapshot(t *testing.T) {
	svc := NewService(Params{Snapshots: &fakeSnapshots{snap: testSnapshot()}})

	rec := get(t, svc.Handler(), "/debug/node")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap node.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "mapped", snap.GatewayStatus)
	assert.Equal(t, uint64(7), snap.EventsProcessed)
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, "c1", snap.Connections[0].ID)
}

func TestConnections(t *testing.T) {
	svc := NewService(Params{Snapshots: &fakeSnapshots{snap: testSnapshot()}})

	rec := get(t, svc.Handler(), "/debug/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	assert.Contains(t, rec.Body.String(), "12D3KooWRemote")
}

func TestUnavailableWithoutSources(t *testing.T) {
	svc := NewService(Params{Snapshots: &fakeSnapshots{}})

	assert.Equal(t, http.StatusServiceUnavailable, get(t, svc.Handler(), "/debug/node").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, svc.Handler(), "/debug/connections").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, svc.Handler(), "/debug/host").Code)
	assert.Equal(t, http.StatusOK, get(t, svc.Handler(), "/health").Code)
}

func TestMetricsExposeHostCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterHostCollector(reg, fakeStats{}))
	svc := NewService(Params{Gatherer: reg})

	rec := get(t, svc.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "upnptest_host_bandwidth_in_bytes_total 1024")
	assert.Contains(t, body, "upnptest_host_bandwidth_out_bytes_total 2048")
	assert.Contains(t, body, `upnptest_host_system_conns{dir="inbound"} 2`)
	assert.Contains(t, body, "upnptest_host_system_memory_bytes 4096")

	require.Error(t, RegisterHostCollector(reg, fakeStats{}))
}

func TestStartStop(t *testing.T) {
	svc := NewService(Params{Addr: "127.0.0.1:0", Snapshots: &fakeSnapshots{snap: testSnapshot()}})
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))

	addr := svc.Addr()
	require.False(t, strings.HasSuffix(addr, ":0"))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))

	_, err = client.Get("http://" + addr + "/health")
	assert.Error(t, err)
}

func TestStartFailsWhenAddrTaken(t *testing.T) {
	first := NewService(Params{Addr: "127.0.0.1:0"})
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop(context.Background())

	second := NewService(Params{Addr: first.Addr()})
	assert.Error(t, second.Start(context.Background()))
}
