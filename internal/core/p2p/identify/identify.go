// Package identify 在每条已建立的连接上交换节点元数据
//
// 元数据交换本身由 host 内置的标准 identify（/ipfs/id/1.0.0）完成，任意 libp2p 对端都可互通；
// 服务订阅 EvtPeerIdentificationCompleted / EvtPeerIdentificationFailed 并转换为
// IdentifyReceived / IdentifyError。
//
// 对端同样支持 /upnp-test/id/1.0.0 时，再在该连接上做一次补充交换：校验对端自报公钥与连接
// peer ID 一致，应答方报告 IdentifySent；本地监听地址变化时通过 /upnp-test/id/push/1.0.0
// 推送并报告 IdentifyPushed。补充交换的消息为长度前缀的 libp2p identify protobuf。
package identify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	pb "github.com/libp2p/go-libp2p/p2p/protocol/identify/pb"
	"github.com/libp2p/go-msgio/pbio"
	ma "github.com/multiformats/go-multiaddr"
	msmux "github.com/multiformats/go-multistream"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	logimpl "github.com/weisyn/upnptest/internal/core/infrastructure/log"
	"github.com/weisyn/upnptest/internal/core/p2p/events"
	eventiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/event"
	logiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

const (
	// ID 补充交换的请求协议
	ID protocol.ID = "/upnp-test/id/1.0.0"
	// IDPush 补充交换的推送协议
	IDPush protocol.ID = "/upnp-test/id/push/1.0.0"

	maxMessageSize  = 8 * 1024
	streamTimeout   = 30 * time.Second
	eventBufferSize = 256

	// peerTag 标记同样运行本协议的对端，连接管理器裁剪时优先保留
	peerTag      = "upnp-test"
	peerTagValue = 10
)

// ErrPeerIDMismatch 自报公钥推导出的 peer ID 与连接不一致
var ErrPeerIDMismatch = errors.New("public key does not match connection peer id")

// Config 补充交换中自报的版本信息，与 host 的 identify 配置保持一致
type Config struct {
	ProtocolVersion string
	AgentVersion    string
}

// tracked 单条连接的 identify 进度
type tracked struct {
	conn network.Conn
	seq  uint64
	// identified 标准 identify 已有结果（成功或失败）
	identified bool
	// extended 对端支持补充协议，已发起补充交换
	extended bool
}

// Service identify 服务
type Service struct {
	cfg    Config
	host   lphost.Host
	bus    eventiface.EventBus
	logger logiface.Logger
	out    chan events.IdentifyEvent

	onEstablished func(network.Conn)
	onClosed      func(network.Conn)
	hostSub       event.Subscription

	mu     sync.Mutex
	conns  map[events.ConnID]*tracked
	seq    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建服务；Start 之后才处理连接
func New(h lphost.Host, bus eventiface.EventBus, cfg Config, logger logiface.Logger) *Service {
	if logger == nil {
		logger = logimpl.FromZap(zap.NewNop())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:    cfg,
		host:   h,
		bus:    bus,
		logger: logger,
		out:    make(chan events.IdentifyEvent, eventBufferSize),
		conns:  make(map[events.ConnID]*tracked),
		ctx:    ctx,
		cancel: cancel,
	}
	s.onEstablished = s.attach
	s.onClosed = s.detach
	return s
}

// Events identify 事件通道
func (s *Service) Events() <-chan events.IdentifyEvent {
	return s.out
}

// Start 注册补充协议处理器、连接钩子与 host 事件订阅
func (s *Service) Start() error {
	s.host.SetStreamHandler(ID, s.handleRequest)
	s.host.SetStreamHandler(IDPush, s.handlePush)

	if err := s.bus.Subscribe(eventiface.EventTypeConnEstablished, s.onEstablished); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventiface.EventTypeConnEstablished, err)
	}
	if err := s.bus.Subscribe(eventiface.EventTypeConnClosed, s.onClosed); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventiface.EventTypeConnClosed, err)
	}

	sub, err := s.host.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerIdentificationFailed),
		new(event.EvtLocalAddressesUpdated),
	})
	if err != nil {
		return fmt.Errorf("subscribe host identify events: %w", err)
	}
	s.hostSub = sub

	s.wg.Add(1)
	go s.hostLoop()
	return nil
}

// Close 停止服务并等待进行中的交换结束
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.host.RemoveStreamHandler(ID)
	s.host.RemoveStreamHandler(IDPush)
	_ = s.bus.Unsubscribe(eventiface.EventTypeConnEstablished, s.onEstablished)
	_ = s.bus.Unsubscribe(eventiface.EventTypeConnClosed, s.onClosed)

	s.cancel()
	if s.hostSub != nil {
		_ = s.hostSub.Close()
	}
	s.wg.Wait()
	return nil
}

// attach conn:established 钩子：开始跟踪连接
func (s *Service) attach(c network.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.trackLocked(c)
}

// detach conn:closed 钩子
func (s *Service) detach(c network.Conn) {
	s.mu.Lock()
	delete(s.conns, events.ConnID(c.ID()))
	s.mu.Unlock()
}

func (s *Service) trackLocked(c network.Conn) *tracked {
	id := events.ConnID(c.ID())
	if t, ok := s.conns[id]; ok {
		return t
	}
	s.seq++
	t := &tracked{conn: c, seq: s.seq}
	s.conns[id] = t
	return t
}

// Tracked 当前跟踪的连接数
func (s *Service) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Service) hostLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.hostSub.Out():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case event.EvtPeerIdentificationCompleted:
				s.completed(e)
			case event.EvtPeerIdentificationFailed:
				s.failed(e)
			case event.EvtLocalAddressesUpdated:
				s.pushAll()
			}
		}
	}
}

// completed 标准 identify 完成；同一连接上的后续完成来自对端推送
func (s *Service) completed(e event.EvtPeerIdentificationCompleted) {
	c := e.Conn
	if c == nil {
		return
	}
	id := events.ConnID(c.ID())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	t, ok := s.conns[id]
	if !ok {
		if c.IsClosed() {
			s.mu.Unlock()
			s.emit(events.IdentifyReceived{ConnID: id, Peer: e.Peer, Info: peerInfo(e)})
			return
		}
		t = s.trackLocked(c)
	}
	push := t.identified
	t.identified = true
	extend := !t.extended && speaks(e.Protocols, ID)
	if extend {
		t.extended = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.emit(events.IdentifyReceived{ConnID: id, Peer: e.Peer, Info: peerInfo(e), Push: push})

	if extend {
		s.host.ConnManager().TagPeer(e.Peer, peerTag, peerTagValue)
		go func() {
			defer s.wg.Done()
			s.request(c)
		}()
	}
}

// failed 标准 identify 失败；事件只携带 peer，归属到该 peer 最早一条尚无结果的连接
func (s *Service) failed(e event.EvtPeerIdentificationFailed) {
	s.mu.Lock()
	var target *tracked
	for _, t := range s.conns {
		if t.identified || t.conn.RemotePeer() != e.Peer {
			continue
		}
		if target == nil || t.seq < target.seq {
			target = t
		}
	}
	var id events.ConnID
	if target != nil {
		target.identified = true
		id = events.ConnID(target.conn.ID())
	}
	s.mu.Unlock()

	s.emitError(id, e.Peer, e.Reason)
}

// request 补充交换：读取对端消息并校验公钥
func (s *Service) request(c network.Conn) {
	id, p := events.ConnID(c.ID()), c.RemotePeer()

	str, err := s.openStream(c, ID)
	if err != nil {
		s.emitError(id, p, err)
		return
	}
	defer func() { _ = str.Close() }()

	msg := &pb.Identify{}
	if err := pbio.NewDelimitedReader(str, maxMessageSize).ReadMsg(msg); err != nil {
		_ = str.Reset()
		s.emitError(id, p, fmt.Errorf("read identify: %w", err))
		return
	}
	if _, err := s.consume(c, msg); err != nil {
		s.emitError(id, p, err)
		return
	}
	s.logger.Debugf("补充 identify 校验通过 peer=%s conn=%s", p, id)
}

func (s *Service) handleRequest(str network.Stream) {
	c := str.Conn()
	id, p := events.ConnID(c.ID()), c.RemotePeer()
	defer func() { _ = str.Close() }()

	_ = str.SetDeadline(time.Now().Add(streamTimeout))
	if err := pbio.NewDelimitedWriter(str).WriteMsg(s.message(c)); err != nil {
		_ = str.Reset()
		s.emitError(id, p, fmt.Errorf("write identify: %w", err))
		return
	}
	s.emit(events.IdentifySent{ConnID: id, Peer: p})
}

// handlePush 校验补充推送；元数据本身经标准推送以 IdentifyReceived 报告
func (s *Service) handlePush(str network.Stream) {
	c := str.Conn()
	id, p := events.ConnID(c.ID()), c.RemotePeer()
	defer func() { _ = str.Close() }()

	_ = str.SetDeadline(time.Now().Add(streamTimeout))
	msg := &pb.Identify{}
	if err := pbio.NewDelimitedReader(str, maxMessageSize).ReadMsg(msg); err != nil {
		_ = str.Reset()
		s.emitError(id, p, fmt.Errorf("read identify push: %w", err))
		return
	}
	if _, err := s.consume(c, msg); err != nil {
		s.emitError(id, p, err)
	}
}

// pushAll 向支持补充协议的连接推送当前元数据
func (s *Service) pushAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	conns := make([]network.Conn, 0, len(s.conns))
	for _, t := range s.conns {
		if t.extended {
			conns = append(conns, t.conn)
		}
	}
	s.wg.Add(len(conns))
	s.mu.Unlock()

	s.logger.Debugf("本地地址变化，推送 identify conns=%d", len(conns))
	for _, c := range conns {
		go func(c network.Conn) {
			defer s.wg.Done()
			s.push(c)
		}(c)
	}
}

func (s *Service) push(c network.Conn) {
	id, p := events.ConnID(c.ID()), c.RemotePeer()

	str, err := s.openStream(c, IDPush)
	if err != nil {
		s.emitError(id, p, err)
		return
	}
	defer func() { _ = str.Close() }()

	if err := pbio.NewDelimitedWriter(str).WriteMsg(s.message(c)); err != nil {
		_ = str.Reset()
		s.emitError(id, p, fmt.Errorf("write identify push: %w", err))
		return
	}
	s.emit(events.IdentifyPushed{ConnID: id, Peer: p})
}

// openStream 在指定连接上打开流并协商协议
func (s *Service) openStream(c network.Conn, pid protocol.ID) (network.Stream, error) {
	ctx, cancel := context.WithTimeout(s.ctx, streamTimeout)
	defer cancel()

	str, err := c.NewStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", pid, err)
	}
	_ = str.SetDeadline(time.Now().Add(streamTimeout))
	if err := str.SetProtocol(pid); err != nil {
		_ = str.Reset()
		return nil, fmt.Errorf("set protocol %s: %w", pid, err)
	}
	if err := msmux.SelectProtoOrFail(pid, str); err != nil {
		_ = str.Reset()
		return nil, fmt.Errorf("negotiate %s: %w", pid, err)
	}
	return str, nil
}

// message 构造本地 identify 消息；observed 地址取自该连接
func (s *Service) message(c network.Conn) *pb.Identify {
	msg := &pb.Identify{
		ProtocolVersion: proto.String(s.cfg.ProtocolVersion),
		AgentVersion:    proto.String(s.cfg.AgentVersion),
		ObservedAddr:    c.RemoteMultiaddr().Bytes(),
	}
	if pk := s.host.Peerstore().PubKey(s.host.ID()); pk != nil {
		if raw, err := crypto.MarshalPublicKey(pk); err == nil {
			msg.PublicKey = raw
		}
	}
	for _, a := range s.host.Addrs() {
		msg.ListenAddrs = append(msg.ListenAddrs, a.Bytes())
	}
	for _, p := range s.host.Mux().Protocols() {
		msg.Protocols = append(msg.Protocols, string(p))
	}
	return msg
}

// consume 校验对端消息并解析元数据
func (s *Service) consume(c network.Conn, msg *pb.Identify) (events.PeerInfo, error) {
	p := c.RemotePeer()

	if len(msg.GetPublicKey()) > 0 {
		pk, err := crypto.UnmarshalPublicKey(msg.GetPublicKey())
		if err != nil {
			return events.PeerInfo{}, fmt.Errorf("decode public key: %w", err)
		}
		derived, err := peer.IDFromPublicKey(pk)
		if err != nil {
			return events.PeerInfo{}, fmt.Errorf("derive peer id: %w", err)
		}
		if derived != p {
			return events.PeerInfo{}, fmt.Errorf("%w: key is %s, connection is %s", ErrPeerIDMismatch, derived, p)
		}
	}

	info := events.PeerInfo{
		ProtocolVersion: msg.GetProtocolVersion(),
		AgentVersion:    msg.GetAgentVersion(),
		Protocols:       append([]string(nil), msg.GetProtocols()...),
	}
	for _, raw := range msg.GetListenAddrs() {
		a, err := ma.NewMultiaddrBytes(raw)
		if err != nil {
			s.logger.Debugf("忽略无法解析的监听地址 peer=%s err=%v", p, err)
			continue
		}
		info.ListenAddrs = append(info.ListenAddrs, a)
	}
	if raw := msg.GetObservedAddr(); len(raw) > 0 {
		if a, err := ma.NewMultiaddrBytes(raw); err == nil {
			info.ObservedAddr = a
		}
	}
	return info, nil
}

// peerInfo 标准 identify 结果转换为 PeerInfo
func peerInfo(e event.EvtPeerIdentificationCompleted) events.PeerInfo {
	info := events.PeerInfo{
		ProtocolVersion: e.ProtocolVersion,
		AgentVersion:    e.AgentVersion,
		ListenAddrs:     append([]ma.Multiaddr(nil), e.ListenAddrs...),
		ObservedAddr:    e.ObservedAddr,
	}
	for _, pid := range e.Protocols {
		info.Protocols = append(info.Protocols, string(pid))
	}
	return info
}

func speaks(protos []protocol.ID, want protocol.ID) bool {
	for _, p := range protos {
		if p == want {
			return true
		}
	}
	return false
}

func (s *Service) emitError(id events.ConnID, p peer.ID, err error) {
	s.emit(events.IdentifyError{ConnID: id, Peer: p, Err: err})
}

func (s *Service) emit(ev events.IdentifyEvent) {
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}
