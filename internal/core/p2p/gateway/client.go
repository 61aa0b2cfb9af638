package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/weisyn/upnptest/internal/core/p2p/events"
)

var (
	// ErrNoGateway 本地网络没有响应的 IGD / NAT-PMP 网关
	ErrNoGateway = errors.New("no port mapping gateway found")
	// ErrNotStarted 尚未调用 Start
	ErrNotStarted = errors.New("gateway mapper not started")
	// ErrAlreadyStarted 重复调用 Start
	ErrAlreadyStarted = errors.New("gateway mapper already started")
)

// Error 网关操作失败
type Error struct {
	Op      string // discover / external-ip / add-mapping / delete-mapping
	Gateway string
	Err     error
}

func (e *Error) Error() string {
	if e.Gateway == "" {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s via %s: %v", e.Op, e.Gateway, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client 已发现的端口映射网关
type Client interface {
	// Kind 网关类型，如 "upnp/WANIPConnection2"、"natpmp"
	Kind() string
	// ExternalIP 查询网关的外部 IP
	ExternalIP(ctx context.Context) (net.IP, error)
	// AddMapping 请求 TCP 端口映射，返回网关实际分配的外部端口与租期
	AddMapping(ctx context.Context, internalPort, externalPort int, lease time.Duration, description string) (int, time.Duration, error)
	// DeleteMapping 删除映射；UPnP 按外部端口删除，NAT-PMP 按内部端口删除
	DeleteMapping(ctx context.Context, mapping events.Mapping) error
}

// Discoverer 发现一种网关，找不到时返回 ErrNoGateway
type Discoverer interface {
	Name() string
	Discover(ctx context.Context) (Client, error)
}
