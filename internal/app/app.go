// Package app 组装 fx 应用：日志、事件总线与 P2P 模块
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logconfig "github.com/weisyn/upnptest/internal/config/log"
	nodecfg "github.com/weisyn/upnptest/internal/config/node"
	"github.com/weisyn/upnptest/internal/core/infrastructure/event"
	"github.com/weisyn/upnptest/internal/core/infrastructure/log"
	"github.com/weisyn/upnptest/internal/core/p2p"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 15 * time.Second
)

// Modules 按依赖顺序返回全部模块；opts 需已校验
func Modules(opts *nodecfg.Options) fx.Option {
	return fx.Options(
		fx.Supply(opts),
		fx.Provide(func(o *nodecfg.Options) *logconfig.LogOptions { return o.Log }),

		// 基础设施层
		log.Module(),
		event.Module(),

		// 网络层
		p2p.Module(),

		// fx 自身的生命周期日志只在 debug 级别输出
		fx.WithLogger(func(z *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: z.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
	)
}

// New 创建 fx 应用
func New(opts *nodecfg.Options, extra ...fx.Option) *fx.App {
	return fx.New(
		Modules(opts),
		fx.StartTimeout(startTimeout),
		fx.StopTimeout(stopTimeout),
		fx.Options(extra...),
	)
}

// Run 启动节点并阻塞直到收到 SIGINT/SIGTERM
func Run(opts *nodecfg.Options, extra ...fx.Option) error {
	app := New(opts, extra...)
	if err := app.Err(); err != nil {
		return fmt.Errorf("装配应用失败: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("启动应用失败: %w", err)
	}

	sig := WaitForSignal()
	fmt.Fprintf(os.Stderr, "\n收到信号 %s，正在退出...\n", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("停止应用失败: %w", err)
	}
	return nil
}

// WaitForSignal 等待退出信号
func WaitForSignal() os.Signal {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	return <-signals
}
