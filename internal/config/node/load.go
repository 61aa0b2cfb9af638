package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	mafilter "github.com/whyrusleeping/multiaddr-filter"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// Load 读取 JSON 配置文件并覆盖默认值；path 为空时返回默认配置
func Load(path string) (*Options, error) {
	opts := DefaultOptions()
	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(opts); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return opts, nil
}

// Validate 校验配置
// connect 只在语法上不做强制：格式错误的拨号目标在启动时报告，不阻止节点运行
func (o *Options) Validate() error {
	var problems []string

	if o.ListenPort < 0 || o.ListenPort > 65535 {
		problems = append(problems, fmt.Sprintf("listen_port %d out of range", o.ListenPort))
	}
	if o.DialTimeout <= 0 {
		problems = append(problems, "dial_timeout must be positive")
	}
	if o.InboundHandshakeTimeout <= 0 {
		problems = append(problems, "inbound_handshake_timeout must be positive")
	}
	if o.ConnManager.LowWater < 0 || o.ConnManager.HighWater < o.ConnManager.LowWater {
		problems = append(problems, fmt.Sprintf("conn_manager water marks invalid: low=%d high=%d",
			o.ConnManager.LowWater, o.ConnManager.HighWater))
	}
	for _, cidr := range o.Gater.BlockedCIDRs {
		if _, err := mafilter.NewMask(cidr); err != nil {
			problems = append(problems, fmt.Sprintf("gater.blocked_cidrs: %q: %v", cidr, err))
		}
	}
	for _, cidr := range o.Announce.NoAnnounce {
		if _, err := mafilter.NewMask(cidr); err != nil {
			problems = append(problems, fmt.Sprintf("announce.no_announce: %q: %v", cidr, err))
		}
	}
	if o.Gateway.Enabled && o.Gateway.DiscoveryTimeout <= 0 {
		problems = append(problems, "gateway.discovery_timeout must be positive")
	}
	if o.Gateway.LeaseDuration < 0 {
		problems = append(problems, "gateway.lease_duration must not be negative")
	}
	if o.Ping.Interval <= 0 || o.Ping.Timeout <= 0 {
		problems = append(problems, "ping.interval and ping.timeout must be positive")
	}
	if o.Diagnostics.Enabled && o.Diagnostics.Addr == "" {
		problems = append(problems, "diagnostics.addr required when diagnostics enabled")
	}
	if o.Log == nil {
		problems = append(problems, "log section missing")
	} else if err := o.Log.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
