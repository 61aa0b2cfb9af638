package transport

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/weisyn/upnptest/internal/core/p2p/events"
)

// 入站握手阶段
const (
	stageGater    = "gater"
	stageSecurity = "security"
	stageMuxer    = "muxer"
)

// pendingInbound 已接受但尚未建立的入站连接
type pendingInbound struct {
	local  ma.Multiaddr
	remote ma.Multiaddr
	stage  string
	since  time.Time
}

// InboundAccepted 实现 host.InboundObserver
func (s *Stack) InboundAccepted(local, remote ma.Multiaddr) {
	s.mu.Lock()
	s.pending[remote.String()] = &pendingInbound{
		local:  local,
		remote: remote,
		stage:  stageSecurity,
		since:  s.now(),
	}
	s.mu.Unlock()

	s.emit(events.IncomingConnection{Local: local, Remote: remote})
}

// InboundSecured 实现 host.InboundObserver
func (s *Stack) InboundSecured(remote ma.Multiaddr, _ peer.ID) {
	s.mu.Lock()
	if p, ok := s.pending[remote.String()]; ok {
		p.stage = stageMuxer
	}
	s.mu.Unlock()
}

// InboundDenied 实现 host.InboundObserver
func (s *Stack) InboundDenied(local, remote ma.Multiaddr, stage string, err error) {
	s.mu.Lock()
	delete(s.pending, remote.String())
	s.mu.Unlock()

	s.emit(events.IncomingConnectionError{Local: local, Remote: remote, Stage: stage, Err: err})
}

// inboundEstablished 入站连接完成握手
func (s *Stack) inboundEstablished(remote ma.Multiaddr) {
	s.mu.Lock()
	delete(s.pending, remote.String())
	s.mu.Unlock()
}

// sweepInbound 对超时未建立的入站连接报告失败阶段
// 升级器不向 notifiee 或 gater 暴露安全/复用协商的错误，只能以超时与停留阶段报告
func (s *Stack) sweepInbound(now time.Time) {
	var expired []*pendingInbound

	s.mu.Lock()
	for key, p := range s.pending {
		if now.Sub(p.since) >= s.handshakeTimeout {
			expired = append(expired, p)
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.emit(events.IncomingConnectionError{
			Local:  p.local,
			Remote: p.remote,
			Stage:  p.stage,
			Err:    fmt.Errorf("%w: %s negotiation, %s", ErrInboundHandshakeTimeout, p.stage, s.handshakeTimeout),
		})
	}
}

// sweepLoop 周期性清理
func (s *Stack) sweepLoop() {
	defer s.wg.Done()

	interval := s.handshakeTimeout / 2
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepInbound(s.now())
		}
	}
}
