package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weisyn/upnptest/internal/app"
	"github.com/weisyn/upnptest/internal/app/version"
	nodecfg "github.com/weisyn/upnptest/internal/config/node"
)

// Flags 命令行参数
type Flags struct {
	Port            int
	Connect         string
	ConfigPath      string
	LogLevel        string
	LogFile         string
	DiagnosticsAddr string
	EnableNATPMP    bool
	NoGateway       bool
	NoBanner        bool
}

var flags Flags

var rootCmd = &cobra.Command{
	Use:   "upnp-test",
	Short: "UPnP/IGD 端口映射与 libp2p 连通性诊断节点",
	Long: `upnp-test 启动一个最小 libp2p 节点：
- 在所有网卡的指定 TCP 端口监听
- 通过 UPnP IGD（可选 NAT-PMP）申请端口映射并报告外部地址
- 可选地拨号一个对端，对所有连接执行 identify 与周期性 ping
- 逐条打印传输、网关、identify、存活探测事件`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := resolveOptions(cmd, flags)
		if err != nil {
			return err
		}
		if !flags.NoBanner {
			printBanner(opts)
		}
		return app.Run(opts)
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.IntVarP(&flags.Port, "port", "p", nodecfg.DefaultListenPort, "TCP 监听端口")
	f.StringVarP(&flags.Connect, "connect", "c", "", "启动后拨号的对端 multiaddr，可省略 /p2p/<peer id>")
	f.StringVar(&flags.ConfigPath, "config", "", "JSON 配置文件路径")
	f.StringVar(&flags.LogLevel, "log-level", "", "日志级别: debug|info|warn|error")
	f.StringVar(&flags.LogFile, "log-file", "", "JSON 日志文件路径（按大小轮转）")
	f.StringVar(&flags.DiagnosticsAddr, "diagnostics-addr", "", "启用诊断 HTTP 服务并绑定到该地址，如 127.0.0.1:4080")
	f.BoolVar(&flags.EnableNATPMP, "enable-natpmp", false, "未发现 IGD 时尝试 NAT-PMP")
	f.BoolVar(&flags.NoGateway, "no-gateway", false, "不做网关发现与端口映射")
	f.BoolVar(&flags.NoBanner, "no-banner", false, "不打印启动信息表")

	rootCmd.SetVersionTemplate(version.GetFullVersion() + "\n")
}

// resolveOptions 默认值 ← 配置文件 ← 显式设置的命令行参数
func resolveOptions(cmd *cobra.Command, fl Flags) (*nodecfg.Options, error) {
	opts, err := nodecfg.Load(fl.ConfigPath)
	if err != nil {
		return nil, err
	}
	if fl.ConfigPath == "" || opts.AgentVersion == "" {
		opts.AgentVersion = version.AgentVersion()
	}

	changed := cmd.Flags().Changed
	if changed("port") || fl.ConfigPath == "" {
		opts.ListenPort = fl.Port
	}
	if changed("connect") {
		opts.Connect = fl.Connect
	}
	if changed("log-level") {
		opts.Log.Level = fl.LogLevel
	}
	if changed("log-file") {
		opts.Log.FilePath = fl.LogFile
	}
	if changed("diagnostics-addr") {
		opts.Diagnostics.Enabled = fl.DiagnosticsAddr != ""
		opts.Diagnostics.Addr = fl.DiagnosticsAddr
	}
	if changed("enable-natpmp") {
		opts.Gateway.EnableNATPMP = fl.EnableNATPMP
	}
	if fl.NoGateway {
		opts.Gateway.Enabled = false
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}
