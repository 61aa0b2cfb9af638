// Package liveness 对每条已建立的连接做周期性 ping 探测
//
// 探测流直接在被探测的连接上打开，结果只描述这一条连接。
// 探测失败只报告，不关闭连接；conn:closed 后停止跟踪。
package liveness

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	msmux "github.com/multiformats/go-multistream"
	"go.uber.org/zap"

	logimpl "github.com/weisyn/upnptest/internal/core/infrastructure/log"
	"github.com/weisyn/upnptest/internal/core/p2p/events"
	eventiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/event"
	logiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

const eventBufferSize = 256

var (
	// ErrBadEcho 对端回显与发送的载荷不一致
	ErrBadEcho = errors.New("ping echo does not match payload")
	// ErrConnClosed 被探测的连接已关闭
	ErrConnClosed = errors.New("connection closed")
)

// Config 探测参数
type Config struct {
	Interval time.Duration // 探测周期（默认15s）
	Timeout  time.Duration // 单次探测超时（默认20s）
}

// Service 存活探测
type Service struct {
	cfg    Config
	host   lphost.Host
	bus    eventiface.EventBus
	logger logiface.Logger
	out    chan events.LivenessEvent

	onEstablished func(network.Conn)
	onClosed      func(network.Conn)

	mu     sync.Mutex
	probes map[events.ConnID]context.CancelFunc
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建探测服务
func New(h lphost.Host, bus eventiface.EventBus, cfg Config, logger logiface.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = logimpl.FromZap(zap.NewNop())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:    cfg,
		host:   h,
		bus:    bus,
		logger: logger,
		out:    make(chan events.LivenessEvent, eventBufferSize),
		probes: make(map[events.ConnID]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
	}
	s.onEstablished = s.attach
	s.onClosed = s.detach
	return s
}

// Events 探测结果通道
func (s *Service) Events() <-chan events.LivenessEvent {
	return s.out
}

// Start 订阅连接钩子
func (s *Service) Start() error {
	if err := s.bus.Subscribe(eventiface.EventTypeConnEstablished, s.onEstablished); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventiface.EventTypeConnEstablished, err)
	}
	if err := s.bus.Subscribe(eventiface.EventTypeConnClosed, s.onClosed); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventiface.EventTypeConnClosed, err)
	}
	return nil
}

// Close 停止所有探测
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.bus.Unsubscribe(eventiface.EventTypeConnEstablished, s.onEstablished)
	_ = s.bus.Unsubscribe(eventiface.EventTypeConnClosed, s.onClosed)
	s.cancel()
	s.wg.Wait()
	return nil
}

// Tracked 当前探测中的连接数
func (s *Service) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.probes)
}

func (s *Service) attach(c network.Conn) {
	id := events.ConnID(c.ID())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.probes[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.probes[id] = cancel
	s.wg.Add(1)
	go s.probeLoop(ctx, c)
}

func (s *Service) detach(c network.Conn) {
	id := events.ConnID(c.ID())
	s.mu.Lock()
	cancel, ok := s.probes[id]
	delete(s.probes, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) probeLoop(ctx context.Context, c network.Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx, c)
		}
	}
}

// probe 在该连接上打开 ping 流做一次往返
func (s *Service) probe(ctx context.Context, c network.Conn) {
	id, p := events.ConnID(c.ID()), c.RemotePeer()

	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rtt, err := s.roundTrip(pctx, c)
	if ctx.Err() != nil {
		// 连接已关闭或服务停止
		return
	}

	ev := events.PingResult{ConnID: id, Peer: p}
	switch {
	case err != nil && pctx.Err() != nil:
		ev.Err = fmt.Errorf("no ping response within %s: %w", s.cfg.Timeout, err)
	case err != nil:
		ev.Err = err
	default:
		ev.RTT = rtt
		s.host.Peerstore().RecordLatency(p, rtt)
	}
	s.emit(ctx, ev)
}

// roundTrip 写出 32 字节随机载荷并等待原样回显
func (s *Service) roundTrip(ctx context.Context, c network.Conn) (time.Duration, error) {
	if c.IsClosed() {
		return 0, ErrConnClosed
	}
	str, err := c.NewStream(ctx)
	if err != nil {
		return 0, fmt.Errorf("open ping stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = str.Reset() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = str.SetDeadline(deadline)
	}
	if err := str.SetProtocol(ping.ID); err != nil {
		_ = str.Reset()
		return 0, fmt.Errorf("set protocol %s: %w", ping.ID, err)
	}
	if err := str.Scope().SetService(ping.ServiceName); err != nil {
		_ = str.Reset()
		return 0, fmt.Errorf("attach ping service: %w", err)
	}
	if err := msmux.SelectProtoOrFail(ping.ID, str); err != nil {
		_ = str.Reset()
		return 0, fmt.Errorf("negotiate %s: %w", ping.ID, err)
	}

	payload := make([]byte, ping.PingSize)
	if _, err := rand.Read(payload); err != nil {
		_ = str.Reset()
		return 0, err
	}
	echo := make([]byte, ping.PingSize)

	before := time.Now()
	if _, err := str.Write(payload); err != nil {
		_ = str.Reset()
		return 0, fmt.Errorf("write ping: %w", err)
	}
	if _, err := io.ReadFull(str, echo); err != nil {
		_ = str.Reset()
		return 0, fmt.Errorf("read ping: %w", err)
	}
	rtt := time.Since(before)
	_ = str.Close()

	if !bytes.Equal(payload, echo) {
		return 0, ErrBadEcho
	}
	return rtt, nil
}

func (s *Service) emit(ctx context.Context, ev events.LivenessEvent) {
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}
