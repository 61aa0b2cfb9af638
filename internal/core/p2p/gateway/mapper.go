// Package gateway 通过 UPnP IGD（可选 NAT-PMP）为监听端口申请外部映射
//
// 状态机：Unmapped → Probing → Mapped | GatewayAbsent | GatewayNonRoutable | MappingFailed；
// Mapped 在续租失败或外部 IP 变化时回到 Unmapped（后者紧接着重新映射新地址）。
// 除续租外不做重试。
package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"

	logimpl "github.com/weisyn/upnptest/internal/core/infrastructure/log"
	"github.com/weisyn/upnptest/internal/core/p2p/events"
	logiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

// State 映射状态
type State int

const (
	Unmapped State = iota
	Probing
	Mapped
	GatewayAbsent
	GatewayNonRoutable
	MappingFailed
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Mapped:
		return "mapped"
	case GatewayAbsent:
		return "gateway_absent"
	case GatewayNonRoutable:
		return "gateway_non_routable"
	case MappingFailed:
		return "mapping_failed"
	default:
		return "unmapped"
	}
}

const (
	eventBufferSize = 16
	// permanentLeasePoll 永久租约下检查外部 IP 变化的周期
	permanentLeasePoll = 10 * time.Minute
)

// Config 网关模块参数
type Config struct {
	DiscoveryTimeout time.Duration
	LeaseDuration    time.Duration
	Description      string
	EnableNATPMP     bool
}

// DefaultDiscoverers UPnP 优先，按配置追加 NAT-PMP
func DefaultDiscoverers(cfg Config) []Discoverer {
	ds := []Discoverer{UPnPDiscoverer{}}
	if cfg.EnableNATPMP {
		ds = append(ds, NATPMPDiscoverer{Timeout: cfg.DiscoveryTimeout})
	}
	return ds
}

// Mapper 单个监听端口的映射
type Mapper struct {
	cfg         Config
	discoverers []Discoverer
	logger      logiface.Logger
	out         chan events.GatewayEvent
	pollEvery   time.Duration

	mu         sync.RWMutex
	state      State
	client     Client
	mapping    *events.Mapping
	externalIP net.IP
	cancel     context.CancelFunc
	done       chan struct{}
}

// New 创建映射器；未指定发现器时使用 DefaultDiscoverers
func New(cfg Config, logger logiface.Logger, discoverers ...Discoverer) *Mapper {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	if cfg.Description == "" {
		cfg.Description = "upnp-test"
	}
	if len(discoverers) == 0 {
		discoverers = DefaultDiscoverers(cfg)
	}
	if logger == nil {
		logger = logimpl.FromZap(zap.NewNop())
	}
	return &Mapper{
		cfg:         cfg,
		discoverers: discoverers,
		logger:      logger,
		out:         make(chan events.GatewayEvent, eventBufferSize),
		pollEvery:   permanentLeasePoll,
	}
}

// Events 网关事件通道
func (m *Mapper) Events() <-chan events.GatewayEvent {
	return m.out
}

// State 当前状态
func (m *Mapper) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ExternalAddr 当前有效的外部地址，无映射时返回 nil
func (m *Mapper) ExternalAddr() ma.Multiaddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mapping == nil {
		return nil
	}
	return m.mapping.External
}

// Start 开始发现并映射 internalPort
func (m *Mapper) Start(ctx context.Context, internalPort int) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = Probing
	m.mu.Unlock()

	m.logger.Infof("🔍 开始网关发现 port=%d", internalPort)
	go m.run(runCtx, internalPort)
	return nil
}

// Close 停止续租并尽力删除网关上的映射
func (m *Mapper) Close(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	client, mapping := m.client, m.mapping
	m.mapping = nil
	m.state = Unmapped
	m.mu.Unlock()

	if client == nil || mapping == nil {
		return nil
	}
	if err := client.DeleteMapping(ctx, *mapping); err != nil {
		m.logger.Warnf("删除端口映射失败 addr=%s err=%v", mapping.External, err)
		return err
	}
	m.logger.Infof("🧹 端口映射已释放 addr=%s", mapping.External)
	return nil
}

func (m *Mapper) run(ctx context.Context, port int) {
	defer close(m.done)

	client, err := m.discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.setState(GatewayAbsent)
		m.emit(ctx, events.GatewayNotFound{Err: err})
		return
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	if !m.acquire(ctx, client, port) {
		return
	}
	for {
		timer := time.NewTimer(m.renewInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !m.renew(ctx, client, port) {
			return
		}
	}
}

// discover 按顺序尝试各发现器，使用第一个可用网关
func (m *Mapper) discover(ctx context.Context) (Client, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
	defer cancel()

	var lastErr error = ErrNoGateway
	for _, d := range m.discoverers {
		client, err := d.Discover(dctx)
		if err == nil {
			m.logger.Infof("发现网关 kind=%s", client.Kind())
			return client, nil
		}
		m.logger.Debugf("发现器 %s 未找到网关: %v", d.Name(), err)
		lastErr = err
	}
	return nil, lastErr
}

// acquire 查询外部 IP 并请求映射，成功返回 true
func (m *Mapper) acquire(ctx context.Context, client Client, port int) bool {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
	defer cancel()

	ip, err := client.ExternalIP(opCtx)
	if err != nil {
		return m.fail(ctx, client, err)
	}
	if !isPublicIP(ip) {
		m.setState(GatewayNonRoutable)
		m.emit(ctx, events.GatewayNonRoutable{Gateway: client.Kind(), ExternalIP: ip.String()})
		return false
	}

	extPort, lease, err := client.AddMapping(opCtx, port, port, m.cfg.LeaseDuration, m.cfg.Description)
	if err != nil {
		return m.fail(ctx, client, err)
	}
	addr, err := externalMultiaddr(ip, extPort)
	if err != nil {
		return m.fail(ctx, client, err)
	}

	mapping := events.Mapping{
		External:     addr,
		InternalPort: port,
		ExternalPort: extPort,
		Protocol:     "tcp",
		Lease:        lease,
		Gateway:      client.Kind(),
	}
	m.mu.Lock()
	m.mapping = &mapping
	m.externalIP = ip
	m.state = Mapped
	m.mu.Unlock()

	m.emit(ctx, events.ExternalAddrMapped{Mapping: mapping})
	return true
}

// renew 续租并检测外部 IP 变化，映射仍有效时返回 true
func (m *Mapper) renew(ctx context.Context, client Client, port int) bool {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
	defer cancel()

	m.mu.RLock()
	current, oldIP := *m.mapping, m.externalIP
	m.mu.RUnlock()

	ip, err := client.ExternalIP(opCtx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.expire(ctx, current, fmt.Sprintf("external address lookup failed: %v", err))
		return false
	}
	if !ip.Equal(oldIP) {
		m.expire(ctx, current, fmt.Sprintf("external IP changed to %s", ip))
		m.setState(Probing)
		return m.acquire(ctx, client, port)
	}

	_, lease, err := client.AddMapping(opCtx, port, current.ExternalPort, m.cfg.LeaseDuration, m.cfg.Description)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.expire(ctx, current, fmt.Sprintf("lease renewal failed: %v", err))
		return false
	}

	m.mu.Lock()
	if m.mapping != nil {
		m.mapping.Lease = lease
	}
	m.mu.Unlock()
	m.logger.Debugf("端口映射已续租 addr=%s lease=%s", current.External, lease)
	return true
}

func (m *Mapper) expire(ctx context.Context, mapping events.Mapping, reason string) {
	m.mu.Lock()
	m.mapping = nil
	m.externalIP = nil
	m.state = Unmapped
	m.mu.Unlock()

	m.emit(ctx, events.ExternalAddrExpired{Addr: mapping.External, Reason: reason})
}

func (m *Mapper) fail(ctx context.Context, client Client, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	m.setState(MappingFailed)
	m.emit(ctx, events.MappingFailed{Gateway: client.Kind(), Err: err})
	return false
}

func (m *Mapper) renewInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mapping == nil || m.mapping.Lease <= 0 {
		return m.pollEvery
	}
	return m.mapping.Lease / 2
}

func (m *Mapper) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Mapper) emit(ctx context.Context, ev events.GatewayEvent) {
	select {
	case m.out <- ev:
	case <-ctx.Done():
	}
}

func isPublicIP(ip net.IP) bool {
	addr, err := manet.FromIP(ip)
	if err != nil {
		return false
	}
	return manet.IsPublicAddr(addr)
}

func externalMultiaddr(ip net.IP, port int) (ma.Multiaddr, error) {
	ipAddr, err := manet.FromIP(ip)
	if err != nil {
		return nil, err
	}
	return ma.NewMultiaddr(fmt.Sprintf("%s/tcp/%d", ipAddr, port))
}
