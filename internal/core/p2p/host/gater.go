package host

import (
	"fmt"

	ccmgr "github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	mamask "github.com/whyrusleeping/multiaddr-filter"
)

// InboundObserver 观察入站连接的握手进度
// 由传输层实现，用于产生 IncomingConnection / IncomingConnectionError 事件
type InboundObserver interface {
	// InboundAccepted 原始连接被接受，尚未开始安全握手
	InboundAccepted(local, remote ma.Multiaddr)
	// InboundSecured 安全握手完成，开始复用协商
	InboundSecured(remote ma.Multiaddr, id peer.ID)
	// InboundDenied 连接被门控拒绝
	InboundDenied(local, remote ma.Multiaddr, stage string, err error)
}

// addressGater 基于 CIDR 拒绝列表的连接门控，同时向 InboundObserver 报告入站进度
type addressGater struct {
	filters  *ma.Filters
	observer InboundObserver
}

var _ ccmgr.ConnectionGater = (*addressGater)(nil)

// newAddressGater 构造门控；无法解析的规则返回错误
func newAddressGater(blocked []string, observer InboundObserver) (*addressGater, error) {
	filters := ma.NewFilters()
	for _, rule := range blocked {
		f, err := mamask.NewMask(rule)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked cidr %q: %w", rule, err)
		}
		filters.AddFilter(*f, ma.ActionDeny)
	}
	return &addressGater{filters: filters, observer: observer}, nil
}

func (g *addressGater) InterceptPeerDial(peer.ID) (allow bool) { return true }

func (g *addressGater) InterceptAddrDial(_ peer.ID, addr ma.Multiaddr) (allow bool) {
	return !g.filters.AddrBlocked(addr)
}

func (g *addressGater) InterceptAccept(conn network.ConnMultiaddrs) (allow bool) {
	local, remote := conn.LocalMultiaddr(), conn.RemoteMultiaddr()
	if g.observer != nil {
		g.observer.InboundAccepted(local, remote)
	}
	if g.filters.AddrBlocked(remote) {
		if g.observer != nil {
			g.observer.InboundDenied(local, remote, "gater", fmt.Errorf("remote address %s is blocked", remote))
		}
		return false
	}
	return true
}

func (g *addressGater) InterceptSecured(dir network.Direction, id peer.ID, conn network.ConnMultiaddrs) (allow bool) {
	if dir != network.DirInbound {
		return true
	}
	if g.observer != nil {
		g.observer.InboundSecured(conn.RemoteMultiaddr(), id)
	}
	return true
}

func (g *addressGater) InterceptUpgraded(network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}
