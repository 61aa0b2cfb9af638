package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/weisyn/upnptest/internal/core/p2p/events"
)

// 网关状态（快照中的展示值）
const (
	gatewayProbing     = "probing"
	gatewayMapped      = "mapped"
	gatewayUnmapped    = "unmapped"
	gatewayAbsent      = "gateway_absent"
	gatewayNonRoutable = "gateway_non_routable"
	gatewayFailed      = "mapping_failed"
	gatewayDisabled    = "disabled"
)

type connRecord struct {
	info        events.ConnInfo
	lastRTT     time.Duration
	lastPingErr error
}

type peerRecord struct {
	info events.PeerInfo
	conn events.ConnID
}

// state 只由事件循环 goroutine 修改
type state struct {
	listenAddrs map[string]ma.Multiaddr
	conns       map[events.ConnID]*connRecord
	peers       map[peer.ID]peerRecord

	// external 当前有效的外部地址；latestMapped 最近一次 Mapped 的地址
	external      map[string]events.Mapping
	latestMapped  string
	gatewayStatus string
}

func newState(gatewayStatus string) *state {
	return &state{
		listenAddrs:   make(map[string]ma.Multiaddr),
		conns:         make(map[events.ConnID]*connRecord),
		peers:         make(map[peer.ID]peerRecord),
		external:      make(map[string]events.Mapping),
		gatewayStatus: gatewayStatus,
	}
}

// reachable 最近一次映射的地址之后没有针对同一地址的 Expired
func (st *state) reachable() bool {
	if st.latestMapped == "" {
		return false
	}
	_, ok := st.external[st.latestMapped]
	return ok
}

func (st *state) mapped(m events.Mapping) (duplicate bool) {
	key := m.External.String()
	_, duplicate = st.external[key]
	st.external[key] = m
	st.latestMapped = key
	st.gatewayStatus = gatewayMapped
	return duplicate
}

func (st *state) expired(addr ma.Multiaddr) (known bool) {
	key := addrString(addr)
	_, known = st.external[key]
	if !known {
		return false
	}
	delete(st.external, key)
	if len(st.external) == 0 {
		st.gatewayStatus = gatewayUnmapped
	}
	return true
}

// removeConn 删除连接；对端没有剩余连接时才丢弃其 PeerInfo
func (st *state) removeConn(id events.ConnID) {
	rec, ok := st.conns[id]
	if !ok {
		return
	}
	delete(st.conns, id)

	p := rec.info.Peer
	for otherID, other := range st.conns {
		if other.info.Peer == p {
			if pr, ok := st.peers[p]; ok && pr.conn == id {
				pr.conn = otherID
				st.peers[p] = pr
			}
			return
		}
	}
	delete(st.peers, p)
}
