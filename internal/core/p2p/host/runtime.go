// Package host 装配 libp2p Host
//
// TCP 传输、Noise 安全层、Yamux 复用，显式身份，不自动监听；
// 门控负责 CIDR 拒绝并报告入站握手进度，地址工厂通告网关映射得到的外部地址。
package host

import (
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/metrics"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/prometheus/client_golang/prometheus"

	nodecfg "github.com/weisyn/upnptest/internal/config/node"
	"github.com/weisyn/upnptest/internal/core/p2p/identity"
	logiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

// Params 构建 Host 所需参数
type Params struct {
	Options  *nodecfg.Options
	Identity *identity.Identity
	// Observer 入站握手观察者，可为 nil
	Observer InboundObserver
	// External 外部地址来源（网关模块），可为 nil
	External ExternalAddrSource
	// Registerer libp2p 自身指标的注册器，nil 时关闭 libp2p 指标
	Registerer prometheus.Registerer
	Logger     logiface.Logger
}

// Runtime 持有 Host 及其附属组件
type Runtime struct {
	host      lphost.Host
	bandwidth *metrics.BandwidthCounter
	resources network.ResourceManager
	logger    logiface.Logger
}

// Build 根据配置构建 Host
func Build(p Params) (*Runtime, error) {
	if p.Options == nil || p.Identity == nil {
		return nil, fmt.Errorf("host: options and identity are required")
	}

	gater, err := newAddressGater(p.Options.Gater.BlockedCIDRs, p.Observer)
	if err != nil {
		return nil, err
	}
	addrsFactory, err := newAddrsFactory(p.External, p.Options.Announce.NoAnnounce)
	if err != nil {
		return nil, err
	}
	cmOpts, err := withConnectionManagerOptions(p.Options.ConnManager)
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}
	rm, err := newResourceManager()
	if err != nil {
		return nil, fmt.Errorf("create resource manager: %w", err)
	}
	bw := metrics.NewBandwidthCounter()

	opts := withStackOptions()
	opts = append(opts, cmOpts...)
	opts = append(opts,
		libp2p.Identity(p.Identity.PrivKey),
		libp2p.ResourceManager(rm),
		libp2p.BandwidthReporter(bw),
		libp2p.ConnectionGater(gater),
		libp2p.AddrsFactory(addrsFactory),
		libp2p.ProtocolVersion(p.Options.ProtocolVersion),
		libp2p.UserAgent(p.Options.AgentVersion),
	)
	if p.Registerer != nil {
		opts = append(opts, libp2p.PrometheusRegisterer(p.Registerer))
	} else {
		opts = append(opts, libp2p.DisableMetrics())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		_ = rm.Close()
		return nil, fmt.Errorf("create host: %w", err)
	}

	if p.Logger != nil {
		p.Logger.Infof("✅ libp2p host 已创建 peer=%s", h.ID())
	}

	return &Runtime{
		host:      h,
		bandwidth: bw,
		resources: rm,
		logger:    p.Logger,
	}, nil
}

// Host 返回内部 host
func (r *Runtime) Host() lphost.Host {
	return r.host
}

// BandwidthTotals 返回累计收发字节
func (r *Runtime) BandwidthTotals() metrics.Stats {
	return r.bandwidth.GetBandwidthTotals()
}

// ResourceStat 返回资源管理器的系统级用量
func (r *Runtime) ResourceStat() network.ScopeStat {
	var stat network.ScopeStat
	_ = r.resources.ViewSystem(func(scope network.ResourceScope) error {
		stat = scope.Stat()
		return nil
	})
	return stat
}

// Close 关闭 Host
func (r *Runtime) Close() error {
	if r.host == nil {
		return nil
	}
	err := r.host.Close()
	r.host = nil
	return err
}
