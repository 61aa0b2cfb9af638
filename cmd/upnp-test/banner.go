package main

import (
	"strconv"

	"github.com/pterm/pterm"

	"github.com/weisyn/upnptest/internal/app/version"
	nodecfg "github.com/weisyn/upnptest/internal/config/node"
)

// gatewayMode 启动信息表中的网关模式
func gatewayMode(opts *nodecfg.Options) string {
	switch {
	case !opts.Gateway.Enabled:
		return "disabled"
	case opts.Gateway.EnableNATPMP:
		return "upnp + nat-pmp"
	default:
		return "upnp"
	}
}

func bannerRows(opts *nodecfg.Options) pterm.TableData {
	target := opts.Connect
	if target == "" {
		target = "-"
	}
	diag := "-"
	if opts.Diagnostics.Enabled {
		diag = "http://" + opts.Diagnostics.Addr
	}
	return pterm.TableData{
		{"版本", version.Version},
		{"监听端口", strconv.Itoa(opts.ListenPort)},
		{"拨号目标", target},
		{"网关模式", gatewayMode(opts)},
		{"诊断服务", diag},
		{"日志级别", opts.Log.Level},
	}
}

func printBanner(opts *nodecfg.Options) {
	pterm.DefaultSection.Println("upnp-test")
	_ = pterm.DefaultTable.WithHasHeader(false).WithData(bannerRows(opts)).Render()
}
