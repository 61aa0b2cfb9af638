// Package node 节点事件循环
//
// 单个 goroutine 消费传输、网关、identify、存活探测四个事件通道，
// 通过 events.Visitor 逐个处理事件。每轮先排空传输事件，保证协议事件处理时
// 其连接记录已经存在，且连接关闭先于排在其后的协议事件处理。
// 节点状态只在循环内修改，处理完每个事件后以原子指针发布快照。
package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	logimpl "github.com/weisyn/upnptest/internal/core/infrastructure/log"
	"github.com/weisyn/upnptest/internal/core/p2p/events"
	logiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

// Sources 事件循环的输入通道；nil 通道表示该模块未启用
type Sources struct {
	Transport <-chan events.TransportEvent
	Gateway   <-chan events.GatewayEvent
	Identify  <-chan events.IdentifyEvent
	Liveness  <-chan events.LivenessEvent
}

// Options 事件循环参数
type Options struct {
	LocalPeer peer.ID
	// GatewayEnabled 为 false 时快照中网关状态为 disabled
	GatewayEnabled bool
	Metrics        *Metrics
	Logger         logiface.Logger
	Now            func() time.Time
}

// Loop 事件循环
type Loop struct {
	src     Sources
	local   peer.ID
	logger  logiface.Logger
	metrics *Metrics
	now     func() time.Time

	st        *state
	processed atomic.Uint64
	snap      atomic.Pointer[Snapshot]
}

var _ events.Visitor = (*Loop)(nil)

// NewLoop 创建事件循环
func NewLoop(src Sources, opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = logimpl.FromZap(zap.NewNop())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	status := gatewayDisabled
	if opts.GatewayEnabled {
		status = gatewayProbing
	}
	l := &Loop{
		src:     src,
		local:   opts.LocalPeer,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		st:      newState(status),
	}
	l.publish()
	return l
}

// Run 运行直到 ctx 取消；所有输入通道关闭时也返回
func (l *Loop) Run(ctx context.Context) error {
	transport := l.src.Transport
	gateway := l.src.Gateway
	identify := l.src.Identify
	liveness := l.src.Liveness

	for {
		transport = l.drainTransport(transport)
		if transport == nil && gateway == nil && identify == nil && liveness == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-transport:
			if !ok {
				transport = nil
				continue
			}
			l.Handle(ev)
		case ev, ok := <-gateway:
			if !ok {
				gateway = nil
				continue
			}
			l.Handle(ev)
		case ev, ok := <-identify:
			if !ok {
				identify = nil
				continue
			}
			// 协议事件发出前其连接的建立事件已入队，先处理
			transport = l.drainTransport(transport)
			l.Handle(ev)
		case ev, ok := <-liveness:
			if !ok {
				liveness = nil
				continue
			}
			transport = l.drainTransport(transport)
			l.Handle(ev)
		}
	}
}

// drainTransport 非阻塞地处理所有已入队的传输事件；通道关闭时返回 nil
func (l *Loop) drainTransport(ch <-chan events.TransportEvent) <-chan events.TransportEvent {
	for ch != nil {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			l.Handle(ev)
		default:
			return ch
		}
	}
	return nil
}

// Handle 处理单个事件并发布快照
func (l *Loop) Handle(ev events.Event) {
	ev.Accept(l)
	l.processed.Add(1)
	l.metrics.observeEvent(ev.Kind())
	l.metrics.observeState(len(l.st.conns), len(l.st.external), l.st.reachable())
	l.publish()
}

// Snapshot 最近一次发布的状态
func (l *Loop) Snapshot() *Snapshot {
	return l.snap.Load()
}

// EventsProcessed 已处理事件数
func (l *Loop) EventsProcessed() uint64 {
	return l.processed.Load()
}

func (l *Loop) publish() {
	l.snap.Store(l.st.snapshot(l.local, l.processed.Load(), l.now()))
}

// known 协议事件引用的连接是否仍在连接表中
func (l *Loop) known(kind events.Kind, id events.ConnID) bool {
	if _, ok := l.st.conns[id]; ok {
		return true
	}
	l.metrics.observeStale()
	l.logger.Debugf("丢弃过期事件 kind=%s conn=%s", kind, id)
	return false
}
