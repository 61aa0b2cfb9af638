// Package p2p 诊断节点的依赖装配与生命周期
package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	lphost "github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	nodecfg "github.com/weisyn/upnptest/internal/config/node"
	logimpl "github.com/weisyn/upnptest/internal/core/infrastructure/log"
	"github.com/weisyn/upnptest/internal/core/p2p/diagnostics"
	"github.com/weisyn/upnptest/internal/core/p2p/gateway"
	p2phost "github.com/weisyn/upnptest/internal/core/p2p/host"
	"github.com/weisyn/upnptest/internal/core/p2p/identify"
	"github.com/weisyn/upnptest/internal/core/p2p/identity"
	"github.com/weisyn/upnptest/internal/core/p2p/liveness"
	"github.com/weisyn/upnptest/internal/core/p2p/node"
	"github.com/weisyn/upnptest/internal/core/p2p/transport"
	"github.com/weisyn/upnptest/pkg/interfaces/infrastructure/event"
	logiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

// ModuleInput P2P 模块依赖
type ModuleInput struct {
	fx.In

	Options  *nodecfg.Options
	Logger   logiface.Logger
	EventBus event.EventBus
}

// ModuleOutput P2P 模块输出
type ModuleOutput struct {
	fx.Out

	Identity    *identity.Identity
	Runtime     *p2phost.Runtime
	Stack       *transport.Stack
	Mapper      *gateway.Mapper // 网关关闭时为 nil
	Identify    *identify.Service
	Liveness    *liveness.Service
	Loop        *node.Loop
	Registry    *prometheus.Registry
	Diagnostics *diagnostics.Service // 诊断关闭时为 nil
}

// ProvideServices 生成身份并装配全部组件，不做任何网络操作
func ProvideServices(in ModuleInput) (ModuleOutput, error) {
	opts := in.Options
	logger := in.Logger

	id, err := identity.Generate(rand.Reader)
	if err != nil {
		return ModuleOutput{}, fmt.Errorf("生成节点身份失败: %w", err)
	}
	logger.Infof("🔑 本地节点身份 peer=%s", id.ID)

	registry := prometheus.NewRegistry()
	var libp2pReg prometheus.Registerer
	if opts.Diagnostics.Enabled {
		libp2pReg = registry
	}

	stack := transport.New(transport.Config{
		DialTimeout:             opts.DialTimeout.Std(),
		InboundHandshakeTimeout: opts.InboundHandshakeTimeout.Std(),
	}, in.EventBus, logimpl.NewModuleLogger(logger, "transport"))

	var mapper *gateway.Mapper
	var external p2phost.ExternalAddrSource
	if opts.Gateway.Enabled {
		mapper = gateway.New(gateway.Config{
			DiscoveryTimeout: opts.Gateway.DiscoveryTimeout.Std(),
			LeaseDuration:    opts.Gateway.LeaseDuration.Std(),
			Description:      opts.Gateway.Description,
			EnableNATPMP:     opts.Gateway.EnableNATPMP,
		}, logimpl.NewModuleLogger(logger, "gateway"))
		external = mapper
	}

	rt, err := p2phost.Build(p2phost.Params{
		Options:    opts,
		Identity:   id,
		Observer:   stack,
		External:   external,
		Registerer: libp2pReg,
		Logger:     logimpl.NewModuleLogger(logger, "host"),
	})
	if err != nil {
		return ModuleOutput{}, fmt.Errorf("构建 libp2p host 失败: %w", err)
	}
	h := rt.Host()
	stack.Attach(h)

	idSvc := identify.New(h, in.EventBus, identify.Config{
		ProtocolVersion: opts.ProtocolVersion,
		AgentVersion:    opts.AgentVersion,
	}, logimpl.NewModuleLogger(logger, "identify"))
	liveSvc := liveness.New(h, in.EventBus, liveness.Config{
		Interval: opts.Ping.Interval.Std(),
		Timeout:  opts.Ping.Timeout.Std(),
	}, logimpl.NewModuleLogger(logger, "liveness"))

	metrics, err := node.NewMetrics(registry)
	if err != nil {
		_ = rt.Close()
		return ModuleOutput{}, fmt.Errorf("注册节点指标失败: %w", err)
	}

	src := node.Sources{
		Transport: stack.Events(),
		Identify:  idSvc.Events(),
		Liveness:  liveSvc.Events(),
	}
	if mapper != nil {
		src.Gateway = mapper.Events()
	}
	loop := node.NewLoop(src, node.Options{
		LocalPeer:      id.ID,
		GatewayEnabled: mapper != nil,
		Metrics:        metrics,
		Logger:         logimpl.NewModuleLogger(logger, "node"),
	})

	var diag *diagnostics.Service
	if opts.Diagnostics.Enabled {
		if err := diagnostics.RegisterHostCollector(registry, rt); err != nil {
			_ = rt.Close()
			return ModuleOutput{}, fmt.Errorf("注册主机指标失败: %w", err)
		}
		diag = diagnostics.NewService(diagnostics.Params{
			Addr:      opts.Diagnostics.Addr,
			Host:      h,
			Snapshots: loop,
			Stats:     rt,
			Gatherer:  registry,
			Logger:    logimpl.NewModuleLogger(logger, "diagnostics"),
		})
	}

	return ModuleOutput{
		Identity:    id,
		Runtime:     rt,
		Stack:       stack,
		Mapper:      mapper,
		Identify:    idSvc,
		Liveness:    liveSvc,
		Loop:        loop,
		Registry:    registry,
		Diagnostics: diag,
	}, nil
}

// Module 返回 P2P 模块
func Module() fx.Option {
	return fx.Module("p2p",
		fx.Provide(ProvideServices),
		fx.Invoke(hookLifecycle),
	)
}

type lifecycleParams struct {
	fx.In

	Options     *nodecfg.Options
	Logger      logiface.Logger
	Runtime     *p2phost.Runtime
	Stack       *transport.Stack
	Mapper      *gateway.Mapper
	Identify    *identify.Service
	Liveness    *liveness.Service
	Loop        *node.Loop
	Diagnostics *diagnostics.Service
}

// hookLifecycle 启动顺序：协议模块 → 监听 → 网关 → 拨号 → 事件循环 → 诊断服务
func hookLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	loopStarted := false

	shutdown := func(ctx context.Context) error {
		cancelLoop()
		if loopStarted {
			select {
			case <-loopDone:
			case <-ctx.Done():
			}
		}

		if p.Diagnostics != nil {
			if err := p.Diagnostics.Stop(ctx); err != nil {
				logger.Warnf("关闭诊断服务失败: %v", err)
			}
		}
		_ = p.Identify.Close()
		_ = p.Liveness.Close()
		_ = p.Stack.Close()

		if p.Mapper != nil {
			releaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := p.Mapper.Close(releaseCtx); err != nil && !errors.Is(err, gateway.ErrNotStarted) {
				logger.Warnf("释放端口映射失败: %v", err)
			}
			cancel()
		}
		return p.Runtime.Close()
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) (err error) {
			logger.Info("🚀 P2P 诊断节点启动中")
			defer func() {
				if err != nil {
					_ = shutdown(ctx)
				}
			}()

			if err := p.Identify.Start(); err != nil {
				return fmt.Errorf("启动 identify 失败: %w", err)
			}
			if err := p.Liveness.Start(); err != nil {
				return fmt.Errorf("启动存活探测失败: %w", err)
			}

			listenAddr, err := transport.ParseListenAddr(p.Options.ListenAddr())
			if err != nil {
				return err
			}
			if err := p.Stack.Listen(listenAddr); err != nil {
				return err
			}

			if p.Mapper != nil {
				// 映射器生命周期跨越启动阶段，不能用 OnStart 的 ctx
				if err := p.Mapper.Start(context.Background(), boundPort(p.Runtime.Host(), p.Options.ListenPort)); err != nil {
					return fmt.Errorf("启动网关映射失败: %w", err)
				}
			}

			if p.Options.Connect != "" {
				if err := p.Stack.Dial(p.Options.Connect); err != nil {
					logger.Errorf("❌ 拨号目标无效 target=%s err=%v", p.Options.Connect, err)
				} else {
					logger.Infof("📞 正在拨号 target=%s", p.Options.Connect)
				}
			}

			loopStarted = true
			go func() {
				defer close(loopDone)
				if err := p.Loop.Run(loopCtx); err != nil && loopCtx.Err() == nil {
					logger.Errorf("事件循环异常退出: %v", err)
				}
			}()

			if p.Diagnostics != nil {
				if err := p.Diagnostics.Start(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("🛑 P2P 诊断节点停止中")
			return shutdown(ctx)
		},
	})
}

// boundPort 监听端口为 0 时从实际监听地址取端口
func boundPort(h lphost.Host, configured int) int {
	if configured != 0 {
		return configured
	}
	for _, a := range h.Network().ListenAddresses() {
		v, err := a.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		if port, err := strconv.Atoi(v); err == nil {
			return port
		}
	}
	return configured
}
