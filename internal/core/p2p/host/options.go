package host

import (
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/network"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	lpyamux "github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/pbnjay/memory"

	nodecfg "github.com/weisyn/upnptest/internal/config/node"
)

// ============= 传输 / 安全 / 复用 =============

// 固定为 TCP + Noise + Yamux；监听由传输层显式完成
// 关闭 SO_REUSEPORT，端口被占用时监听直接失败
func withStackOptions() []libp2p.Option {
	return []libp2p.Option{
		libp2p.Transport(tcp.NewTCPTransport, tcp.DisableReuseport()),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(lpyamux.ID, lpyamux.DefaultTransport),
		libp2p.NoListenAddrs,
	}
}

// ============= 连接管理选项 =============

func withConnectionManagerOptions(cfg nodecfg.ConnManagerConfig) ([]libp2p.Option, error) {
	gracePeriod := cfg.GracePeriod.Std()
	if gracePeriod <= 0 {
		gracePeriod = 20 * time.Second
	}

	cm, err := connmgr.NewConnManager(
		cfg.LowWater,
		cfg.HighWater,
		connmgr.WithGracePeriod(gracePeriod),
	)
	if err != nil {
		return nil, err
	}
	return []libp2p.Option{libp2p.ConnectionManager(cm)}, nil
}

// ============= 资源管理选项 =============

func newResourceManager() (network.ResourceManager, error) {
	maxMemory := int64(memory.TotalMemory()) / 8
	if maxMemory <= 0 {
		maxMemory = 256 << 20
	}
	maxFD := 512

	// 诊断节点只需要少量连接，限制总量避免被公网扫描占满
	partial := rcmgr.PartialLimitConfig{
		System: rcmgr.ResourceLimits{
			Conns:         rcmgr.LimitVal(256),
			ConnsInbound:  rcmgr.LimitVal(128),
			ConnsOutbound: rcmgr.LimitVal(128),
			Streams:       rcmgr.LimitVal(1024),
		},
	}
	limits := partial.Build(rcmgr.DefaultLimits.Scale(maxMemory, maxFD))

	return rcmgr.NewResourceManager(rcmgr.NewFixedLimiter(limits))
}
