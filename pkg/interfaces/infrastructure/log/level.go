package log

import "strings"

// LogLevel 日志级别
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
	FatalLevel LogLevel = "fatal"
)

// ParseLevel 解析日志级别字符串（大小写不敏感），无法识别时返回 false
func ParseLevel(s string) (LogLevel, bool) {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel:
		return l, true
	case "warning":
		return WarnLevel, true
	default:
		return "", false
	}
}
