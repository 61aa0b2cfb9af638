// Package version 构建版本信息，通过 ldflags 注入
package version

import (
	"fmt"
	"runtime"
	"time"
)

var (
	Version   = "v0.1.0"
	BuildTime = "unknown" // RFC3339
	GitCommit = "unknown"

	GoVersion = runtime.Version()
	GoArch    = runtime.GOARCH
	GoOS      = runtime.GOOS
)

// AgentVersion identify 中上报的默认 agent 版本
func AgentVersion() string {
	return "upnp-test/" + Version
}

// GetFullVersion 完整版本信息（用于 --version 输出）
func GetFullVersion() string {
	s := fmt.Sprintf("upnp-test %s", Version)
	if GitCommit != "unknown" {
		s += fmt.Sprintf(" (%s)", GitCommit)
	}
	if BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
			s += fmt.Sprintf("\n构建时间: %s", t.Format("2006-01-02 15:04:05 MST"))
		} else {
			s += fmt.Sprintf("\n构建时间: %s", BuildTime)
		}
	}
	s += fmt.Sprintf("\nGo版本: %s", GoVersion)
	s += fmt.Sprintf("\n平台: %s/%s", GoOS, GoArch)
	return s
}
