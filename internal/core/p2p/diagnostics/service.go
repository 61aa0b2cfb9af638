// Package diagnostics 诊断 HTTP 服务
//
// 只读暴露事件循环快照、连接列表、主机信息与 Prometheus 指标，
// 默认关闭，建议只绑定本地回环地址。
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lphost "github.com/libp2p/go-libp2p/core/host"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	logimpl "github.com/weisyn/upnptest/internal/core/infrastructure/log"
	"github.com/weisyn/upnptest/internal/core/p2p/node"
	logiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

// SnapshotSource 事件循环快照来源
type SnapshotSource interface {
	Snapshot() *node.Snapshot
}

// Params 诊断服务依赖
type Params struct {
	Addr      string
	Host      lphost.Host
	Snapshots SnapshotSource
	Stats     HostStats
	Gatherer  prometheus.Gatherer
	Logger    logiface.Logger
}

// Service 诊断服务
type Service struct {
	addr      string
	host      lphost.Host
	snapshots SnapshotSource
	stats     HostStats
	gatherer  prometheus.Gatherer
	logger    logiface.Logger
	router    *gin.Engine
	started   time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewService 创建诊断服务并注册路由
func NewService(p Params) *Service {
	if p.Logger == nil {
		p.Logger = logimpl.FromZap(zap.NewNop())
	}
	if p.Gatherer == nil {
		p.Gatherer = prometheus.NewRegistry()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Service{
		addr:      p.Addr,
		host:      p.Host,
		snapshots: p.Snapshots,
		stats:     p.Stats,
		gatherer:  p.Gatherer,
		logger:    p.Logger,
		router:    gin.New(),
		started:   time.Now(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler 路由处理器
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	debug := s.router.Group("/debug")
	debug.GET("/node", s.handleNode)
	debug.GET("/connections", s.handleConnections)
	debug.GET("/host", s.handleHost)

	pp := debug.Group("/pprof")
	pp.GET("/", gin.WrapF(pprof.Index))
	pp.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	pp.GET("/profile", gin.WrapF(pprof.Profile))
	pp.GET("/symbol", gin.WrapF(pprof.Symbol))
	pp.GET("/trace", gin.WrapF(pprof.Trace))
	pp.GET("/:profile", func(c *gin.Context) {
		pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})
}

// Start 绑定地址并在后台提供服务
func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	// 先创建 listener，绑定失败直接返回
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("diagnostics listen %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("诊断服务异常退出: %v", err)
		}
	}()
	s.logger.Infof("🩺 诊断服务已启动 http://%s", listener.Addr())
	return nil
}

// Stop 关闭服务
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr 实际监听地址，未启动时返回配置值
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Service) snapshot() *node.Snapshot {
	if s.snapshots == nil {
		return nil
	}
	return s.snapshots.Snapshot()
}

func (s *Service) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Truncate(time.Second).String(),
	}
	if snap := s.snapshot(); snap != nil {
		resp["peer_id"] = snap.PeerID
		resp["reachable"] = snap.Reachable
		resp["connections"] = len(snap.Connections)
		resp["events_processed"] = snap.EventsProcessed
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) handleNode(c *gin.Context) {
	snap := s.snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node loop not running"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Service) handleConnections(c *gin.Context) {
	snap := s.snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node loop not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(snap.Connections),
		"connections": snap.Connections,
	})
}

func (s *Service) handleHost(c *gin.Context) {
	if s.host == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "host not available"})
		return
	}
	addrs := make([]string, 0)
	for _, a := range s.host.Addrs() {
		addrs = append(addrs, a.String())
	}
	protocols := make([]string, 0)
	for _, p := range s.host.Mux().Protocols() {
		protocols = append(protocols, string(p))
	}
	resp := gin.H{
		"peer_id":   s.host.ID().String(),
		"addrs":     addrs,
		"protocols": protocols,
		"peers":     len(s.host.Network().Peers()),
	}
	if s.stats != nil {
		bw := s.stats.BandwidthTotals()
		rs := s.stats.ResourceStat()
		resp["bandwidth"] = gin.H{
			"total_in":  bw.TotalIn,
			"total_out": bw.TotalOut,
			"rate_in":   bw.RateIn,
			"rate_out":  bw.RateOut,
		}
		resp["resources"] = gin.H{
			"conns_inbound":    rs.NumConnsInbound,
			"conns_outbound":   rs.NumConnsOutbound,
			"streams_inbound":  rs.NumStreamsInbound,
			"streams_outbound": rs.NumStreamsOutbound,
			"memory":           rs.Memory,
		}
	}
	c.JSON(http.StatusOK, resp)
}
