package events

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// IdentifyEvent identify 协议事件
type IdentifyEvent interface {
	Event
	identifyEvent()
	// Connection 事件关联的连接，用于丢弃已关闭连接上的过期事件
	Connection() ConnID
}

// IdentifyReceived 收到对端元数据（请求响应或推送）
type IdentifyReceived struct {
	ConnID ConnID
	Peer   peer.ID
	Info   PeerInfo
	Push   bool
}

// IdentifySent 已应答对端的 identify 请求
type IdentifySent struct {
	ConnID ConnID
	Peer   peer.ID
}

// IdentifyPushed 本地地址变化后主动推送
type IdentifyPushed struct {
	ConnID ConnID
	Peer   peer.ID
}

// IdentifyError identify 交换失败，连接保持可用
type IdentifyError struct {
	ConnID ConnID
	Peer   peer.ID
	Err    error
}

func (IdentifyReceived) Kind() Kind { return KindIdentifyReceived }
func (IdentifySent) Kind() Kind     { return KindIdentifySent }
func (IdentifyPushed) Kind() Kind   { return KindIdentifyPushed }
func (IdentifyError) Kind() Kind    { return KindIdentifyError }

func (e IdentifyReceived) Accept(v Visitor) { v.VisitIdentifyReceived(e) }
func (e IdentifySent) Accept(v Visitor)     { v.VisitIdentifySent(e) }
func (e IdentifyPushed) Accept(v Visitor)   { v.VisitIdentifyPushed(e) }
func (e IdentifyError) Accept(v Visitor)    { v.VisitIdentifyError(e) }

func (e IdentifyReceived) Connection() ConnID { return e.ConnID }
func (e IdentifySent) Connection() ConnID     { return e.ConnID }
func (e IdentifyPushed) Connection() ConnID   { return e.ConnID }
func (e IdentifyError) Connection() ConnID    { return e.ConnID }

func (IdentifyReceived) identifyEvent() {}
func (IdentifySent) identifyEvent()     {}
func (IdentifyPushed) identifyEvent()   {}
func (IdentifyError) identifyEvent()    {}

// LivenessEvent 存活探测事件
type LivenessEvent interface {
	Event
	livenessEvent()
	Connection() ConnID
}

// PingResult 一次探测的结果，Err 为 nil 时 RTT 有效
type PingResult struct {
	ConnID ConnID
	Peer   peer.ID
	RTT    time.Duration
	Err    error
}

func (PingResult) Kind() Kind           { return KindPing }
func (e PingResult) Accept(v Visitor)   { v.VisitPing(e) }
func (e PingResult) Connection() ConnID { return e.ConnID }
func (PingResult) livenessEvent()       {}
