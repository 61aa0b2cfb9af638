package log

import (
	"go.uber.org/zap/zapcore"
)

// 日志配置默认值
const (
	// defaultLogLevel 默认日志级别
	// info 级别可以看到每一类网络事件，debug 级别额外输出过期事件丢弃、模块内部细节
	defaultLogLevel = "info"

	// defaultToConsole 诊断工具默认输出到控制台
	defaultToConsole = true

	// defaultFilePath 默认不写文件
	defaultFilePath = ""

	// === 日志轮转配置 ===

	// defaultMaxSize 单个日志文件最大大小(MB)
	defaultMaxSize = 50

	// defaultMaxBackups 最大备份文件数
	defaultMaxBackups = 5

	// defaultMaxAge 日志文件最大保留天数
	defaultMaxAge = 7

	// defaultCompress 默认压缩历史日志
	defaultCompress = true

	// === 调试配置 ===

	// defaultEnableCaller 控制台输出默认不带调用位置，事件日志一行一条
	defaultEnableCaller = false

	// defaultEnableStacktrace 默认不输出堆栈；事件循环之后的错误都是可恢复的
	defaultEnableStacktrace = false

	// === 多文件日志配置 ===

	// defaultSplitEventLog 写文件时是否把事件循环日志与模块日志分开
	defaultSplitEventLog = false

	// defaultEventLogFile 事件循环日志文件名
	defaultEventLogFile = "node-events.log"

	// defaultSystemLogFile 模块日志文件名
	defaultSystemLogFile = "node-system.log"
)

// 默认的日志级别映射
var defaultLevelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"panic": zapcore.PanicLevel,
	"fatal": zapcore.FatalLevel,
}
