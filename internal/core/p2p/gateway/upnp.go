package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/weisyn/upnptest/internal/core/p2p/events"
)

// igdService 三种 WAN 连接服务共有的方法
type igdService interface {
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
}

// upnpClient 通过 SOAP 调用 IGD 的 WAN 连接服务
type upnpClient struct {
	kind     string
	service  igdService
	location *url.URL
	localIP  net.IP
}

func (c *upnpClient) Kind() string { return c.kind }

func (c *upnpClient) ExternalIP(ctx context.Context) (net.IP, error) {
	s, err := c.service.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return nil, &Error{Op: "external-ip", Gateway: c.kind, Err: err}
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil, &Error{Op: "external-ip", Gateway: c.kind, Err: fmt.Errorf("unparsable address %q", s)}
	}
	return ip, nil
}

func (c *upnpClient) AddMapping(ctx context.Context, internalPort, externalPort int, lease time.Duration, description string) (int, time.Duration, error) {
	seconds := uint32(lease / time.Second)
	err := c.service.AddPortMappingCtx(ctx, "", uint16(externalPort), "TCP",
		uint16(internalPort), c.localIP.String(), true, description, seconds)
	if err != nil && seconds != 0 && onlyPermanentLeases(err) {
		// 725 OnlyPermanentLeasesSupported：改用永久租约
		seconds = 0
		err = c.service.AddPortMappingCtx(ctx, "", uint16(externalPort), "TCP",
			uint16(internalPort), c.localIP.String(), true, description, 0)
	}
	if err != nil {
		return 0, 0, &Error{Op: "add-mapping", Gateway: c.kind, Err: err}
	}
	return externalPort, time.Duration(seconds) * time.Second, nil
}

func (c *upnpClient) DeleteMapping(ctx context.Context, mapping events.Mapping) error {
	if err := c.service.DeletePortMappingCtx(ctx, "", uint16(mapping.ExternalPort), "TCP"); err != nil {
		return &Error{Op: "delete-mapping", Gateway: c.kind, Err: err}
	}
	return nil
}

func onlyPermanentLeases(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "725") || strings.Contains(msg, "OnlyPermanentLeasesSupported")
}

// UPnPDiscoverer 通过 SSDP 搜索 IGD，依次尝试 WANIPConnection2、WANIPConnection1、WANPPPConnection1
type UPnPDiscoverer struct{}

func (UPnPDiscoverer) Name() string { return "upnp" }

func (UPnPDiscoverer) Discover(ctx context.Context) (Client, error) {
	type candidate struct {
		kind     string
		service  igdService
		location *url.URL
	}
	var (
		candidates []candidate
		errs       []error
	)

	ip2, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range ip2 {
		candidates = append(candidates, candidate{"upnp/WANIPConnection2", c, c.Location})
	}
	ip1, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range ip1 {
		candidates = append(candidates, candidate{"upnp/WANIPConnection1", c, c.Location})
	}
	ppp, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range ppp {
		candidates = append(candidates, candidate{"upnp/WANPPPConnection1", c, c.Location})
	}

	// 只使用第一个可达的网关
	for _, c := range candidates {
		cl, err := newUPnPClient(c.kind, c.service, c.location)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return cl, nil
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoGateway, errors.Join(errs...))
	}
	return nil, ErrNoGateway
}

func newUPnPClient(kind string, svc igdService, location *url.URL) (*upnpClient, error) {
	localIP, err := localIPToward(location)
	if err != nil {
		return nil, &Error{Op: "discover", Gateway: kind, Err: err}
	}
	return &upnpClient{kind: kind, service: svc, location: location, localIP: localIP}, nil
}

// localIPToward 确定到达网关所用的本地地址，作为映射的 InternalClient
func localIPToward(location *url.URL) (net.IP, error) {
	if location == nil {
		return nil, errors.New("gateway location unknown")
	}
	host := location.Hostname()
	port := location.Port()
	if port == "" {
		port = "80"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return nil, fmt.Errorf("no IPv4 route to gateway %s", host)
	}
	return addr.IP.To4(), nil
}
