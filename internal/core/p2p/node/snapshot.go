package node

import (
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/weisyn/upnptest/internal/core/p2p/events"
)

// Snapshot 事件循环状态的只读副本，每处理完一个事件发布一次
type Snapshot struct {
	PeerID          string           `json:"peer_id"`
	ListenAddrs     []string         `json:"listen_addrs"`
	ExternalAddrs   []string         `json:"external_addrs"`
	LatestMapped    string           `json:"latest_mapped,omitempty"`
	Reachable       bool             `json:"reachable"`
	GatewayStatus   string           `json:"gateway_status"`
	Connections     []ConnectionView `json:"connections"`
	Peers           []PeerView       `json:"peers"`
	EventsProcessed uint64           `json:"events_processed"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ConnectionView 单条连接
type ConnectionView struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	Local     string    `json:"local"`
	Remote    string    `json:"remote"`
	Direction string    `json:"direction"`
	Opened    time.Time `json:"opened"`
	LastRTT   string    `json:"last_rtt,omitempty"`
	LastError string    `json:"last_ping_error,omitempty"`
}

// PeerView identify 得到的对端元数据
type PeerView struct {
	Peer            string   `json:"peer"`
	Conn            string   `json:"conn"`
	ProtocolVersion string   `json:"protocol_version"`
	AgentVersion    string   `json:"agent_version"`
	ListenAddrs     []string `json:"listen_addrs"`
	ObservedAddr    string   `json:"observed_addr,omitempty"`
	Protocols       []string `json:"protocols"`
}

// Connection 按 ID 查找连接
func (s *Snapshot) Connection(id events.ConnID) (ConnectionView, bool) {
	for _, c := range s.Connections {
		if c.ID == string(id) {
			return c, true
		}
	}
	return ConnectionView{}, false
}

// Peer 按 peer ID 查找元数据
func (s *Snapshot) Peer(p peer.ID) (PeerView, bool) {
	for _, v := range s.Peers {
		if v.Peer == p.String() {
			return v, true
		}
	}
	return PeerView{}, false
}

func (st *state) snapshot(local peer.ID, processed uint64, now time.Time) *Snapshot {
	snap := &Snapshot{
		PeerID:          local.String(),
		ListenAddrs:     sortedKeys(st.listenAddrs),
		ExternalAddrs:   sortedKeys(st.external),
		LatestMapped:    st.latestMapped,
		Reachable:       st.reachable(),
		GatewayStatus:   st.gatewayStatus,
		Connections:     make([]ConnectionView, 0, len(st.conns)),
		Peers:           make([]PeerView, 0, len(st.peers)),
		EventsProcessed: processed,
		UpdatedAt:       now,
	}
	for _, c := range st.conns {
		view := ConnectionView{
			ID:        string(c.info.ID),
			Peer:      c.info.Peer.String(),
			Local:     addrString(c.info.Local),
			Remote:    addrString(c.info.Remote),
			Direction: c.info.Direction.String(),
			Opened:    c.info.Opened,
		}
		if c.lastRTT > 0 {
			view.LastRTT = c.lastRTT.String()
		}
		if c.lastPingErr != nil {
			view.LastError = c.lastPingErr.Error()
		}
		snap.Connections = append(snap.Connections, view)
	}
	sort.Slice(snap.Connections, func(i, j int) bool {
		return snap.Connections[i].Opened.Before(snap.Connections[j].Opened)
	})
	for p, rec := range st.peers {
		view := PeerView{
			Peer:            p.String(),
			Conn:            string(rec.conn),
			ProtocolVersion: rec.info.ProtocolVersion,
			AgentVersion:    rec.info.AgentVersion,
			ObservedAddr:    addrString(rec.info.ObservedAddr),
			Protocols:       append([]string(nil), rec.info.Protocols...),
		}
		for _, a := range rec.info.ListenAddrs {
			view.ListenAddrs = append(view.ListenAddrs, a.String())
		}
		snap.Peers = append(snap.Peers, view)
	}
	sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].Peer < snap.Peers[j].Peer })
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func addrString(a ma.Multiaddr) string {
	if len(a) == 0 {
		return ""
	}
	return a.String()
}
