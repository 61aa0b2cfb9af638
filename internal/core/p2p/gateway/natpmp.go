package gateway

import (
	"context"
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/libp2p/go-netroute"

	"github.com/weisyn/upnptest/internal/core/p2p/events"
)

const natpmpKind = "natpmp"

// natpmpCaller *natpmp.Client 中用到的请求
type natpmpCaller interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// natpmpClient NAT-PMP 网关；库本身不支持 context，超时由客户端自身控制
type natpmpClient struct {
	gateway net.IP
	client  natpmpCaller
}

func (c *natpmpClient) Kind() string { return natpmpKind }

func (c *natpmpClient) ExternalIP(ctx context.Context) (net.IP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := c.client.GetExternalAddress()
	if err != nil {
		return nil, &Error{Op: "external-ip", Gateway: natpmpKind, Err: err}
	}
	ip := res.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
}

func (c *natpmpClient) AddMapping(ctx context.Context, internalPort, externalPort int, lease time.Duration, _ string) (int, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	res, err := c.client.AddPortMapping("tcp", internalPort, externalPort, int(lease/time.Second))
	if err != nil {
		return 0, 0, &Error{Op: "add-mapping", Gateway: natpmpKind, Err: err}
	}
	return int(res.MappedExternalPort), time.Duration(res.PortMappingLifetimeInSeconds) * time.Second, nil
}

// DeleteMapping 以内部端口发出生存期为 0 的映射请求即删除（RFC 6886 3.4），外部端口须为 0
func (c *natpmpClient) DeleteMapping(ctx context.Context, mapping events.Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.client.AddPortMapping("tcp", mapping.InternalPort, 0, 0); err != nil {
		return &Error{Op: "delete-mapping", Gateway: natpmpKind, Err: err}
	}
	return nil
}

// NATPMPDiscoverer 从系统路由表取默认网关并探测 NAT-PMP
type NATPMPDiscoverer struct {
	Timeout time.Duration
}

func (NATPMPDiscoverer) Name() string { return natpmpKind }

func (d NATPMPDiscoverer) Discover(ctx context.Context) (Client, error) {
	gw, err := defaultGateway()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}

	timeout := d.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	client := natpmp.NewClientWithTimeout(gw, timeout)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, fmt.Errorf("%w: natpmp at %s: %v", ErrNoGateway, gw, err)
	}
	return &natpmpClient{gateway: gw, client: client}, nil
}

// defaultGateway 默认 IPv4 路由的下一跳
func defaultGateway() (net.IP, error) {
	router, err := netroute.New()
	if err != nil {
		return nil, err
	}
	_, gw, _, err := router.Route(net.IPv4zero)
	if err != nil {
		return nil, err
	}
	if gw == nil || gw.To4() == nil {
		return nil, fmt.Errorf("default route has no IPv4 gateway")
	}
	return gw.To4(), nil
}
