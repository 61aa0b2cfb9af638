// Package transport 监听、拨号与连接生命周期事件
//
// Stack 作为 network.Notifiee 把 libp2p 的监听与连接通知转换为 TransportEvent，
// 作为 host.InboundObserver 跟踪入站握手进度。连接建立、关闭事件入队之后，
// 再在事件总线上发布 conn:established / conn:closed，供协议模块挂载或卸载连接，
// 因此协议事件不会早于对应的 ConnectionEstablished。
package transport

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"

	logimpl "github.com/weisyn/upnptest/internal/core/infrastructure/log"
	"github.com/weisyn/upnptest/internal/core/p2p/events"
	p2phost "github.com/weisyn/upnptest/internal/core/p2p/host"
	eventiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/event"
	logiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

const (
	// eventBufferSize 传输事件缓冲，事件循环启动前的监听通知也需要容纳
	eventBufferSize = 1024

	causeLocalClose  = "local close"
	causeRemoteClose = "closed by remote peer or transport"
)

// Config 传输层参数
type Config struct {
	DialTimeout             time.Duration
	InboundHandshakeTimeout time.Duration
}

// Stack 传输层
type Stack struct {
	cfg              Config
	handshakeTimeout time.Duration
	logger           logiface.Logger
	bus              eventiface.EventBus
	out              chan events.TransportEvent
	now              func() time.Time

	host     lphost.Host
	notifiee *network.NotifyBundle

	mu      sync.Mutex
	pending map[string]*pendingInbound

	closing   atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ p2phost.InboundObserver = (*Stack)(nil)

// New 创建传输层；host 通过 Attach 绑定（门控需要在 host 构建前拿到观察者）
func New(cfg Config, bus eventiface.EventBus, logger logiface.Logger) *Stack {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.InboundHandshakeTimeout <= 0 {
		cfg.InboundHandshakeTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logimpl.FromZap(zap.NewNop())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stack{
		cfg:              cfg,
		handshakeTimeout: cfg.InboundHandshakeTimeout,
		logger:           logger,
		bus:              bus,
		out:              make(chan events.TransportEvent, eventBufferSize),
		now:              time.Now,
		pending:          make(map[string]*pendingInbound),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Events 传输事件通道
func (s *Stack) Events() <-chan events.TransportEvent {
	return s.out
}

// Attach 绑定 host，注册网络通知并启动入站超时清理
func (s *Stack) Attach(h lphost.Host) {
	s.host = h
	s.notifiee = &network.NotifyBundle{
		ListenF:       s.onListen,
		ListenCloseF:  s.onListenClose,
		ConnectedF:    s.onConnected,
		DisconnectedF: s.onDisconnected,
	}
	h.Network().Notify(s.notifiee)

	s.wg.Add(1)
	go s.sweepLoop()
}

// Listen 绑定监听地址；失败返回 *ListenError
func (s *Stack) Listen(addr ma.Multiaddr) error {
	if s.host == nil {
		return &ListenError{Kind: AddressInvalid, Addr: addr.String(), Err: ErrNotAttached}
	}
	if len(addr) == 0 {
		return &ListenError{Kind: AddressInvalid, Addr: "", Err: ErrEmptyAddr}
	}
	if err := s.host.Network().Listen(addr); err != nil {
		return &ListenError{Kind: classifyListenError(err), Addr: addr.String(), Err: err}
	}
	return nil
}

// Dial 校验目标后异步拨号；校验失败返回 *DialError，连接结果以事件报告
//
// 目标可以不带 /p2p/<peer id>，此时先通过安全握手获知对端身份再连接。
func (s *Stack) Dial(target string) error {
	target = strings.TrimSpace(target)
	addr, err := ma.NewMultiaddr(target)
	if err != nil {
		return &DialError{Kind: InvalidAddress, Target: target, Err: err}
	}
	if s.host == nil {
		return &DialError{Kind: InvalidAddress, Target: target, Err: ErrNotAttached}
	}

	var info peer.AddrInfo
	if _, err := addr.ValueForProtocol(ma.P_P2P); err == nil {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return &DialError{Kind: InvalidAddress, Target: target, Err: err}
		}
		info = *pi
	} else {
		info.Addrs = []ma.Multiaddr{addr}
	}
	if len(info.Addrs) == 0 {
		return &DialError{Kind: InvalidAddress, Target: target, Err: ErrNoTransportAddr}
	}
	if info.ID == s.host.ID() {
		return &DialError{Kind: InvalidAddress, Target: target, Err: ErrSelfDial}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()

		if info.ID == "" {
			id, addrs, err := s.resolvePeerID(ctx, addr)
			if err != nil {
				s.emit(events.OutgoingConnectionError{Addr: target, Err: err})
				return
			}
			if id == s.host.ID() {
				s.emit(events.OutgoingConnectionError{Peer: id, Addr: target, Err: ErrSelfDial})
				return
			}
			s.logger.Debugf("🔑 目标身份已确认 target=%s peer=%s", target, id)
			info = peer.AddrInfo{ID: id, Addrs: addrs}
		}

		s.logger.Debugf("📞 拨号 peer=%s addrs=%v", info.ID, info.Addrs)
		if err := s.host.Connect(ctx, info); err != nil {
			s.emit(events.OutgoingConnectionError{Peer: info.ID, Addr: target, Err: err})
		}
	}()
	return nil
}

// Close 主动关闭现有连接并停止后台任务；此后的连接关闭以 local close 报告
func (s *Stack) Close() error {
	s.closing.Store(true)
	s.closeOnce.Do(func() {
		if s.host != nil {
			for _, p := range s.host.Network().Peers() {
				_ = s.host.Network().ClosePeer(p)
			}
		}
		s.cancel()
		s.wg.Wait()
		if s.host != nil && s.notifiee != nil {
			s.host.Network().StopNotify(s.notifiee)
		}
	})
	return nil
}

// emit 入队事件；关闭后只在缓冲未满时入队
func (s *Stack) emit(ev events.TransportEvent) {
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
		select {
		case s.out <- ev:
		default:
		}
	}
}

// ============= network.Notifiee =============

func (s *Stack) onListen(_ network.Network, addr ma.Multiaddr) {
	for _, a := range resolveListenAddr(addr) {
		s.emit(events.NewListenAddr{Addr: a})
	}
}

func (s *Stack) onListenClose(_ network.Network, addr ma.Multiaddr) {
	for _, a := range resolveListenAddr(addr) {
		s.emit(events.ExpiredListenAddr{Addr: a})
	}
}

func (s *Stack) onConnected(n network.Network, conn network.Conn) {
	stat := conn.Stat()
	if stat.Direction == network.DirInbound {
		s.inboundEstablished(conn.RemoteMultiaddr())
	}

	s.emit(events.ConnectionEstablished{
		Conn: events.ConnInfo{
			ID:        events.ConnID(conn.ID()),
			Peer:      conn.RemotePeer(),
			Local:     conn.LocalMultiaddr(),
			Remote:    conn.RemoteMultiaddr(),
			Direction: stat.Direction,
			Opened:    stat.Opened,
		},
		NumEstablished: len(n.ConnsToPeer(conn.RemotePeer())),
	})

	if s.bus != nil {
		s.bus.Publish(eventiface.EventTypeConnEstablished, conn)
	}
}

func (s *Stack) onDisconnected(n network.Network, conn network.Conn) {
	cause := causeRemoteClose
	if s.closing.Load() {
		cause = causeLocalClose
	}

	s.emit(events.ConnectionClosed{
		ConnID:         events.ConnID(conn.ID()),
		Peer:           conn.RemotePeer(),
		Remote:         conn.RemoteMultiaddr(),
		Cause:          cause,
		NumEstablished: len(n.ConnsToPeer(conn.RemotePeer())),
	})

	if s.bus != nil {
		s.bus.Publish(eventiface.EventTypeConnClosed, conn)
	}
}

// resolveListenAddr 把 0.0.0.0 展开为各接口地址
func resolveListenAddr(addr ma.Multiaddr) []ma.Multiaddr {
	if !manet.IsIPUnspecified(addr) {
		return []ma.Multiaddr{addr}
	}
	ifaceAddrs, err := manet.InterfaceMultiaddrs()
	if err != nil {
		return []ma.Multiaddr{addr}
	}
	resolved, err := manet.ResolveUnspecifiedAddress(addr, ifaceAddrs)
	if err != nil || len(resolved) == 0 {
		return []ma.Multiaddr{addr}
	}
	return resolved
}
