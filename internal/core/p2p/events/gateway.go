package events

import (
	ma "github.com/multiformats/go-multiaddr"
)

// GatewayEvent 网关映射事件
type GatewayEvent interface {
	Event
	gatewayEvent()
}

// ExternalAddrMapped 外部地址映射成功
type ExternalAddrMapped struct {
	Mapping Mapping
}

// ExternalAddrExpired 外部地址失效，立即视为不可达
type ExternalAddrExpired struct {
	Addr   ma.Multiaddr
	Reason string
}

// GatewayNotFound 本地网络没有可用的端口映射网关
type GatewayNotFound struct {
	Err error
}

// GatewayNonRoutable 网关自身的外部地址不是公网地址（多层 NAT）
type GatewayNonRoutable struct {
	Gateway    string
	ExternalIP string
}

// MappingFailed 网关可用但映射请求被拒绝
type MappingFailed struct {
	Gateway string
	Err     error
}

func (ExternalAddrMapped) Kind() Kind  { return KindExternalAddrMapped }
func (ExternalAddrExpired) Kind() Kind { return KindExternalAddrExpired }
func (GatewayNotFound) Kind() Kind     { return KindGatewayNotFound }
func (GatewayNonRoutable) Kind() Kind  { return KindGatewayNonRoutable }
func (MappingFailed) Kind() Kind       { return KindMappingFailed }

func (e ExternalAddrMapped) Accept(v Visitor)  { v.VisitExternalAddrMapped(e) }
func (e ExternalAddrExpired) Accept(v Visitor) { v.VisitExternalAddrExpired(e) }
func (e GatewayNotFound) Accept(v Visitor)     { v.VisitGatewayNotFound(e) }
func (e GatewayNonRoutable) Accept(v Visitor)  { v.VisitGatewayNonRoutable(e) }
func (e MappingFailed) Accept(v Visitor)       { v.VisitMappingFailed(e) }

func (ExternalAddrMapped) gatewayEvent()  {}
func (ExternalAddrExpired) gatewayEvent() {}
func (GatewayNotFound) gatewayEvent()     {}
func (GatewayNonRoutable) gatewayEvent()  {}
func (MappingFailed) gatewayEvent()       {}
