// Package events 节点事件循环消费的封闭事件集合
//
// 每个模块只产生自己的事件子集（TransportEvent、GatewayEvent、IdentifyEvent、LivenessEvent），
// 事件循环通过 Visitor 分发。新增事件类型必须在 Visitor 上新增方法，
// 未实现的处理器在编译期暴露。
package events

import (
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Kind 事件类型名，用于日志与指标标签
type Kind string

const (
	KindNewListenAddr           Kind = "new_listen_addr"
	KindExpiredListenAddr       Kind = "expired_listen_addr"
	KindConnectionEstablished   Kind = "connection_established"
	KindConnectionClosed        Kind = "connection_closed"
	KindIncomingConnection      Kind = "incoming_connection"
	KindIncomingConnectionError Kind = "incoming_connection_error"
	KindOutgoingConnectionError Kind = "outgoing_connection_error"

	KindExternalAddrMapped  Kind = "external_addr_mapped"
	KindExternalAddrExpired Kind = "external_addr_expired"
	KindGatewayNotFound     Kind = "gateway_not_found"
	KindGatewayNonRoutable  Kind = "gateway_non_routable"
	KindMappingFailed       Kind = "mapping_failed"

	KindIdentifyReceived Kind = "identify_received"
	KindIdentifySent     Kind = "identify_sent"
	KindIdentifyPushed   Kind = "identify_pushed"
	KindIdentifyError    Kind = "identify_error"

	KindPing Kind = "ping"
)

// Event 事件循环消费的事件
type Event interface {
	Kind() Kind
	Accept(v Visitor)
}

// Visitor 每种事件一个处理方法
type Visitor interface {
	VisitNewListenAddr(NewListenAddr)
	VisitExpiredListenAddr(ExpiredListenAddr)
	VisitConnectionEstablished(ConnectionEstablished)
	VisitConnectionClosed(ConnectionClosed)
	VisitIncomingConnection(IncomingConnection)
	VisitIncomingConnectionError(IncomingConnectionError)
	VisitOutgoingConnectionError(OutgoingConnectionError)

	VisitExternalAddrMapped(ExternalAddrMapped)
	VisitExternalAddrExpired(ExternalAddrExpired)
	VisitGatewayNotFound(GatewayNotFound)
	VisitGatewayNonRoutable(GatewayNonRoutable)
	VisitMappingFailed(MappingFailed)

	VisitIdentifyReceived(IdentifyReceived)
	VisitIdentifySent(IdentifySent)
	VisitIdentifyPushed(IdentifyPushed)
	VisitIdentifyError(IdentifyError)

	VisitPing(PingResult)
}

// ConnID 连接标识，取自 network.Conn.ID()，进程内唯一
type ConnID string

// ConnInfo 已完成安全与复用协商的连接
type ConnInfo struct {
	ID        ConnID
	Peer      peer.ID
	Local     ma.Multiaddr
	Remote    ma.Multiaddr
	Direction network.Direction
	Opened    time.Time
}

// Mapping 网关上的一条外部地址映射
type Mapping struct {
	External     ma.Multiaddr
	InternalPort int
	ExternalPort int
	Protocol     string
	Lease        time.Duration // 0 表示网关上永久
	Gateway      string        // 网关类型，如 "upnp/WANIPConnection2"、"natpmp"
}

// PeerInfo 对端在 identify 中自报的元数据
type PeerInfo struct {
	ProtocolVersion string
	AgentVersion    string
	ListenAddrs     []ma.Multiaddr
	ObservedAddr    ma.Multiaddr
	Protocols       []string
}
