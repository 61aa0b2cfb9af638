package events

import (
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// TransportEvent 传输层事件
type TransportEvent interface {
	Event
	transportEvent()
}

// NewListenAddr 新的监听地址生效
type NewListenAddr struct {
	Addr ma.Multiaddr
}

// ExpiredListenAddr 监听地址失效
type ExpiredListenAddr struct {
	Addr ma.Multiaddr
}

// ConnectionEstablished 连接已完成安全与复用协商
type ConnectionEstablished struct {
	Conn ConnInfo
	// NumEstablished 该对端当前的连接数（含本连接）
	NumEstablished int
}

// ConnectionClosed 连接关闭
type ConnectionClosed struct {
	ConnID ConnID
	Peer   peer.ID
	Remote ma.Multiaddr
	Cause  string
	// NumEstablished 该对端剩余的连接数
	NumEstablished int
}

// IncomingConnection 收到入站连接，尚未完成握手
type IncomingConnection struct {
	Local  ma.Multiaddr
	Remote ma.Multiaddr
}

// IncomingConnectionError 入站连接未能建立
type IncomingConnectionError struct {
	Local  ma.Multiaddr
	Remote ma.Multiaddr
	Stage  string // gater、security、muxer
	Err    error
}

// OutgoingConnectionError 出站拨号失败，不会自动重试
type OutgoingConnectionError struct {
	Peer peer.ID // 未知时为空
	Addr string
	Err  error
}

func (NewListenAddr) Kind() Kind           { return KindNewListenAddr }
func (ExpiredListenAddr) Kind() Kind       { return KindExpiredListenAddr }
func (ConnectionEstablished) Kind() Kind   { return KindConnectionEstablished }
func (ConnectionClosed) Kind() Kind        { return KindConnectionClosed }
func (IncomingConnection) Kind() Kind      { return KindIncomingConnection }
func (IncomingConnectionError) Kind() Kind { return KindIncomingConnectionError }
func (OutgoingConnectionError) Kind() Kind { return KindOutgoingConnectionError }

func (e NewListenAddr) Accept(v Visitor)           { v.VisitNewListenAddr(e) }
func (e ExpiredListenAddr) Accept(v Visitor)       { v.VisitExpiredListenAddr(e) }
func (e ConnectionEstablished) Accept(v Visitor)   { v.VisitConnectionEstablished(e) }
func (e ConnectionClosed) Accept(v Visitor)        { v.VisitConnectionClosed(e) }
func (e IncomingConnection) Accept(v Visitor)      { v.VisitIncomingConnection(e) }
func (e IncomingConnectionError) Accept(v Visitor) { v.VisitIncomingConnectionError(e) }
func (e OutgoingConnectionError) Accept(v Visitor) { v.VisitOutgoingConnectionError(e) }

func (NewListenAddr) transportEvent()           {}
func (ExpiredListenAddr) transportEvent()       {}
func (ConnectionEstablished) transportEvent()   {}
func (ConnectionClosed) transportEvent()        {}
func (IncomingConnection) transportEvent()      {}
func (IncomingConnectionError) transportEvent() {}
func (OutgoingConnectionError) transportEvent() {}
