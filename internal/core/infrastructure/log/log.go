// Package log 提供基于 zap 的日志实现
// 控制台输出人类可读的一行一事件格式，可选写入 lumberjack 轮转的 JSON 文件
package log

import (
	"fmt"
	"os"
	"path/filepath"

	logconfig "github.com/weisyn/upnptest/internal/config/log"
	logInterface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventModule 事件循环使用的 module 名称，拆分文件时写入事件日志
const EventModule = "node"

// Logger 是日志记录器的结构体，实现了log.Logger接口
type Logger struct {
	zapLogger *zap.Logger
	sugar     *zap.SugaredLogger
}

var _ logInterface.Logger = (*Logger)(nil)

// moduleRoutingCore 基于 module 字段的路由 Core
// module 为 node 的日志写入事件文件，其他模块写入系统文件，缺省时两边都写
type moduleRoutingCore struct {
	eventCore  zapcore.Core
	systemCore zapcore.Core
	// module 通过 With 绑定的模块名；With 之后字段已编码进子 core，Write 时看不到
	module string
}

// Enabled 实现 zapcore.Core 接口
func (c *moduleRoutingCore) Enabled(level zapcore.Level) bool {
	return c.eventCore.Enabled(level) || c.systemCore.Enabled(level)
}

// With 实现 zapcore.Core 接口
func (c *moduleRoutingCore) With(fields []zapcore.Field) zapcore.Core {
	module := c.module
	if m := moduleOf(fields); m != "" {
		module = m
	}
	return &moduleRoutingCore{
		eventCore:  c.eventCore.With(fields),
		systemCore: c.systemCore.With(fields),
		module:     module,
	}
}

// Check 实现 zapcore.Core 接口
func (c *moduleRoutingCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

// Write 实现 zapcore.Core 接口
func (c *moduleRoutingCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	module := c.module
	if m := moduleOf(fields); m != "" {
		module = m
	}

	switch {
	case module == EventModule:
		return c.eventCore.Write(entry, fields)
	case module != "":
		return c.systemCore.Write(entry, fields)
	default:
		var errs []error
		if err := c.eventCore.Write(entry, fields); err != nil {
			errs = append(errs, err)
		}
		if err := c.systemCore.Write(entry, fields); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("写入日志失败: %v", errs)
		}
		return nil
	}
}

// Sync 实现 zapcore.Core 接口
func (c *moduleRoutingCore) Sync() error {
	var errs []error
	if err := c.eventCore.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := c.systemCore.Sync(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("同步日志文件失败: %v", errs)
	}
	return nil
}

// moduleOf 从字段中取出 module 的值
func moduleOf(fields []zapcore.Field) string {
	for _, field := range fields {
		if field.Key != "module" {
			continue
		}
		// zap.String("module", "x") 会写入 field.String，不是 field.Interface
		switch field.Type {
		case zapcore.StringType:
			return field.String
		case zapcore.StringerType:
			if s, ok := field.Interface.(fmt.Stringer); ok && s != nil {
				return s.String()
			}
		default:
			if str, ok := field.Interface.(string); ok {
				return str
			}
		}
	}
	return ""
}

// createFileWriter 创建日志文件写入器
func createFileWriter(logPath string, config *logconfig.Config) (zapcore.WriteSyncer, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("创建日志目录失败 %s: %w", logDir, err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    config.GetMaxSize(),           // megabytes
		MaxBackups: config.GetMaxBackups(),        // 最多保留文件数
		MaxAge:     config.GetMaxAge(),            // days
		Compress:   config.IsCompressionEnabled(), // 是否压缩
	}), nil
}

// New 根据配置创建新的日志记录器
func New(config *logconfig.Config) (logInterface.Logger, error) {
	logger, err := newWithConsole(config, zapcore.Lock(os.Stdout))
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// newWithConsole 允许测试替换控制台输出
func newWithConsole(config *logconfig.Config, console zapcore.WriteSyncer) (*Logger, error) {
	level := zap.NewAtomicLevelAt(config.GetZapLevel())

	var cores []zapcore.Core

	if config.IsConsoleEnabled() {
		cores = append(cores, zapcore.NewCore(config.CreateConsoleEncoder(), console, level))
	}

	if outputPath := config.GetFilePath(); outputPath != "" {
		absPath, err := filepath.Abs(outputPath)
		if err != nil {
			return nil, fmt.Errorf("获取日志文件绝对路径失败: %w", err)
		}
		fileEncoder := config.CreateFileEncoder()

		if config.IsSplitEventLogEnabled() {
			logDir := filepath.Dir(absPath)
			eventWriter, err := createFileWriter(filepath.Join(logDir, config.GetEventLogFile()), config)
			if err != nil {
				return nil, err
			}
			systemWriter, err := createFileWriter(filepath.Join(logDir, config.GetSystemLogFile()), config)
			if err != nil {
				return nil, err
			}
			cores = append(cores, &moduleRoutingCore{
				eventCore:  zapcore.NewCore(fileEncoder, eventWriter, level),
				systemCore: zapcore.NewCore(fileEncoder, systemWriter, level),
			})
		} else {
			fileWriter, err := createFileWriter(absPath, config)
			if err != nil {
				return nil, err
			}
			cores = append(cores, zapcore.NewCore(fileEncoder, fileWriter, level))
		}
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("没有可用的日志输出")
	}

	zapOptions := []zap.Option{}
	if config.IsCallerEnabled() {
		zapOptions = append(zapOptions, zap.AddCaller())
		// 跳过一层日志封装，使调用位置指向真实业务代码位置（而非本文件）
		zapOptions = append(zapOptions, zap.AddCallerSkip(1))
	}
	if config.IsStacktraceEnabled() {
		zapOptions = append(zapOptions, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	zapLogger := zap.New(zapcore.NewTee(cores...), zapOptions...)
	return &Logger{
		zapLogger: zapLogger,
		sugar:     zapLogger.Sugar(),
	}, nil
}

// FromZap 包装已有的 zap logger（测试中配合 zaptest 使用）
func FromZap(z *zap.Logger) logInterface.Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{zapLogger: z, sugar: z.Sugar()}
}

// GetZapLogger 获取底层的zap日志记录器
func (l *Logger) GetZapLogger() *zap.Logger {
	return l.zapLogger
}

// Debug 记录调试级别的日志
func (l *Logger) Debug(msg string) {
	l.sugar.Debug(msg)
}

// Debugf 使用格式化字符串记录调试级别的日志
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info 记录信息级别的日志
func (l *Logger) Info(msg string) {
	l.sugar.Info(msg)
}

// Infof 使用格式化字符串记录信息级别的日志
func (l *Logger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn 记录警告级别的日志
func (l *Logger) Warn(msg string) {
	l.sugar.Warn(msg)
}

// Warnf 使用格式化字符串记录警告级别的日志
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error 记录错误级别的日志
func (l *Logger) Error(msg string) {
	l.sugar.Error(msg)
}

// Errorf 使用格式化字符串记录错误级别的日志
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Fatal 记录致命级别的日志，然后退出程序
func (l *Logger) Fatal(msg string) {
	l.sugar.Fatal(msg)
}

// Fatalf 使用格式化字符串记录致命级别的日志，然后退出程序
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.sugar.Fatalf(format, args...)
}

// With 返回一个带有额外字段的Logger
// 参数按键值对形式提供：key1, value1, key2, value2, ...
func (l *Logger) With(args ...interface{}) logInterface.Logger {
	z := l.zapLogger.With(toZapFields(args...)...)
	return &Logger{zapLogger: z, sugar: z.Sugar()}
}

// Sync 同步日志缓冲区到输出
func (l *Logger) Sync() error {
	return l.zapLogger.Sync()
}

// 将可变参数转换为zap字段，奇数个参数时丢弃最后一个
func toZapFields(args ...interface{}) []zap.Field {
	if len(args)%2 != 0 {
		args = args[:len(args)-1]
	}

	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
