package node

import (
	"time"

	logconfig "github.com/weisyn/upnptest/internal/config/log"
)

const (
	// DefaultListenPort 默认监听端口
	DefaultListenPort = 4001

	defaultProtocolVersion = "/upnp-test/1.0.0"
	defaultAgentVersion    = "upnp-test/0.1.0"

	defaultDialTimeout             = 15 * time.Second
	defaultInboundHandshakeTimeout = 30 * time.Second

	// === 连接管理 ===
	defaultLowWater    = 32
	defaultHighWater   = 96
	defaultGracePeriod = 20 * time.Second

	// === 网关映射 ===
	defaultDiscoveryTimeout = 10 * time.Second
	defaultLeaseDuration    = time.Hour
	defaultMappingDesc      = "upnp-test"

	// === 存活探测 ===
	defaultPingInterval = 15 * time.Second
	defaultPingTimeout  = 20 * time.Second

	defaultDiagnosticsAddr = "127.0.0.1:4080"
)

// DefaultOptions 返回默认节点配置
func DefaultOptions() *Options {
	return &Options{
		ListenPort:              DefaultListenPort,
		ProtocolVersion:         defaultProtocolVersion,
		AgentVersion:            defaultAgentVersion,
		DialTimeout:             Duration(defaultDialTimeout),
		InboundHandshakeTimeout: Duration(defaultInboundHandshakeTimeout),
		ConnManager: ConnManagerConfig{
			LowWater:    defaultLowWater,
			HighWater:   defaultHighWater,
			GracePeriod: Duration(defaultGracePeriod),
		},
		Gater:    GaterConfig{BlockedCIDRs: []string{}},
		Announce: AnnounceConfig{NoAnnounce: []string{}},
		Gateway: GatewayConfig{
			Enabled:          true,
			DiscoveryTimeout: Duration(defaultDiscoveryTimeout),
			LeaseDuration:    Duration(defaultLeaseDuration),
			Description:      defaultMappingDesc,
			EnableNATPMP:     false,
		},
		Ping: PingConfig{
			Interval: Duration(defaultPingInterval),
			Timeout:  Duration(defaultPingTimeout),
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: false,
			Addr:    defaultDiagnosticsAddr,
		},
		Log: logconfig.DefaultLogOptions(),
	}
}
