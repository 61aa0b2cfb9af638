// Package node 诊断节点配置
// JSON 文档覆盖默认值，命令行参数再覆盖文件值
package node

import (
	"encoding/json"
	"fmt"
	"time"

	logconfig "github.com/weisyn/upnptest/internal/config/log"
)

// Duration JSON 中以字符串表示的时长，例如 "15s"
type Duration time.Duration

// MarshalJSON 输出 time.Duration 的字符串形式
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 支持 "15s" 形式，也接受整数纳秒
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Std 转换为 time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Options 节点配置选项
type Options struct {
	// 监听端口，监听地址固定为 /ip4/0.0.0.0/tcp/<port>
	ListenPort int `json:"listen_port"`

	// 启动时拨号一次的目标 multiaddr，/p2p/<peer id> 可省略，为空不拨号
	Connect string `json:"connect"`

	// identify 中上报的版本信息
	ProtocolVersion string `json:"protocol_version"`
	AgentVersion    string `json:"agent_version"`

	DialTimeout             Duration `json:"dial_timeout"`
	InboundHandshakeTimeout Duration `json:"inbound_handshake_timeout"` // 入站连接完成握手的最长时间

	ConnManager ConnManagerConfig `json:"conn_manager"`
	Gater       GaterConfig       `json:"gater"`
	Announce    AnnounceConfig    `json:"announce"`
	Gateway     GatewayConfig     `json:"gateway"`
	Ping        PingConfig        `json:"ping"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`

	Log *logconfig.LogOptions `json:"log"`
}

// ConnManagerConfig 连接管理配置
type ConnManagerConfig struct {
	LowWater    int      `json:"low_water"`    // 连接管理低水位
	HighWater   int      `json:"high_water"`   // 连接管理高水位
	GracePeriod Duration `json:"grace_period"` // 新连接保护期
}

// GaterConfig 连接门控配置
type GaterConfig struct {
	BlockedCIDRs []string `json:"blocked_cidrs"` // 拒绝的远端网段，如 "10.0.0.0/8"
}

// AnnounceConfig 地址通告配置
type AnnounceConfig struct {
	NoAnnounce []string `json:"no_announce"` // 不通告的网段
}

// GatewayConfig 网关映射配置
type GatewayConfig struct {
	Enabled          bool     `json:"enabled"`
	DiscoveryTimeout Duration `json:"discovery_timeout"` // SSDP 发现超时
	LeaseDuration    Duration `json:"lease_duration"`    // 映射租期，0 表示网关上永久
	Description      string   `json:"description"`       // 映射描述
	EnableNATPMP     bool     `json:"enable_natpmp"`     // 未发现 IGD 时尝试 NAT-PMP
}

// PingConfig 存活探测配置
type PingConfig struct {
	Interval Duration `json:"interval"`
	Timeout  Duration `json:"timeout"`
}

// DiagnosticsConfig 诊断 HTTP 服务配置
type DiagnosticsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// ListenAddr 返回监听地址字符串
func (o *Options) ListenAddr() string {
	return fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.ListenPort)
}
