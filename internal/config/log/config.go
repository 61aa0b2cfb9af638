package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// LogOptions 日志配置选项
type LogOptions struct {
	// === 基础配置 ===
	Level     string `json:"level"`      // 日志级别 (debug, info, warn, error, fatal)
	ToConsole bool   `json:"to_console"` // 是否输出到控制台
	FilePath  string `json:"file_path"`  // 日志文件路径，为空表示不写文件

	// === 基础轮转配置 ===
	MaxSize    int  `json:"max_size"`    // 单个日志文件最大大小(MB)
	MaxBackups int  `json:"max_backups"` // 最大备份文件数
	MaxAge     int  `json:"max_age"`     // 日志文件最大保留天数
	Compress   bool `json:"compress"`    // 是否压缩历史日志文件

	// === 调试配置 ===
	EnableCaller     bool `json:"enable_caller"`     // 是否启用调用者信息
	EnableStacktrace bool `json:"enable_stacktrace"` // 是否启用堆栈跟踪

	// === 多文件配置 ===
	SplitEventLog bool   `json:"split_event_log"` // 事件循环日志与模块日志分文件
	EventLogFile  string `json:"event_log_file"`
	SystemLogFile string `json:"system_log_file"`

	// === 内部配置（不对外暴露） ===
	LevelMap map[string]zapcore.Level `json:"-"` // 级别映射
}

// DefaultLogOptions 返回默认日志配置
func DefaultLogOptions() *LogOptions {
	return &LogOptions{
		Level:     defaultLogLevel,
		ToConsole: defaultToConsole,
		FilePath:  defaultFilePath,

		MaxSize:    defaultMaxSize,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAge,
		Compress:   defaultCompress,

		EnableCaller:     defaultEnableCaller,
		EnableStacktrace: defaultEnableStacktrace,

		SplitEventLog: defaultSplitEventLog,
		EventLogFile:  defaultEventLogFile,
		SystemLogFile: defaultSystemLogFile,

		LevelMap: defaultLevelMap,
	}
}

// Validate 校验日志配置
func (o *LogOptions) Validate() error {
	if _, ok := defaultLevelMap[strings.ToLower(o.Level)]; !ok {
		return fmt.Errorf("invalid log level %q", o.Level)
	}
	if !o.ToConsole && o.FilePath == "" {
		return fmt.Errorf("log output disabled: enable to_console or set file_path")
	}
	return nil
}

// Config 日志配置实现
type Config struct {
	options *LogOptions
}

// New 创建日志配置；opts 为 nil 时使用默认值，未设置的字段回退到默认值
func New(opts *LogOptions) *Config {
	merged := DefaultLogOptions()
	if opts != nil {
		applyUserLogOptions(merged, opts)
	}
	return &Config{options: merged}
}

// applyUserLogOptions 用用户配置覆盖默认值（零值字段保持默认）
func applyUserLogOptions(dst, src *LogOptions) {
	if src.Level != "" {
		dst.Level = strings.ToLower(src.Level)
	}
	dst.ToConsole = src.ToConsole
	dst.FilePath = src.FilePath
	if src.MaxSize > 0 {
		dst.MaxSize = src.MaxSize
	}
	if src.MaxBackups > 0 {
		dst.MaxBackups = src.MaxBackups
	}
	if src.MaxAge > 0 {
		dst.MaxAge = src.MaxAge
	}
	dst.Compress = src.Compress
	dst.EnableCaller = src.EnableCaller
	dst.EnableStacktrace = src.EnableStacktrace
	dst.SplitEventLog = src.SplitEventLog
	if src.EventLogFile != "" {
		dst.EventLogFile = src.EventLogFile
	}
	if src.SystemLogFile != "" {
		dst.SystemLogFile = src.SystemLogFile
	}
}

// GetOptions 获取完整的日志配置选项
func (c *Config) GetOptions() *LogOptions {
	return c.options
}

// === 基础配置访问方法 ===

// GetLevel 获取日志级别
func (c *Config) GetLevel() string {
	return c.options.Level
}

// GetZapLevel 获取zap日志级别
func (c *Config) GetZapLevel() zapcore.Level {
	if level, exists := c.options.LevelMap[c.options.Level]; exists {
		return level
	}
	return zapcore.InfoLevel
}

// IsConsoleEnabled 是否启用控制台输出
func (c *Config) IsConsoleEnabled() bool {
	return c.options.ToConsole
}

// GetFilePath 获取日志文件路径
func (c *Config) GetFilePath() string {
	return c.options.FilePath
}

// === 日志轮转配置访问方法 ===

// GetMaxSize 获取单个文件最大大小(MB)
func (c *Config) GetMaxSize() int {
	return c.options.MaxSize
}

// GetMaxBackups 获取最大备份文件数
func (c *Config) GetMaxBackups() int {
	return c.options.MaxBackups
}

// GetMaxAge 获取最大保留天数
func (c *Config) GetMaxAge() int {
	return c.options.MaxAge
}

// IsCompressionEnabled 是否启用压缩
func (c *Config) IsCompressionEnabled() bool {
	return c.options.Compress
}

// === 调试配置访问方法 ===

// IsCallerEnabled 是否启用调用者信息
func (c *Config) IsCallerEnabled() bool {
	return c.options.EnableCaller
}

// IsStacktraceEnabled 是否启用堆栈跟踪
func (c *Config) IsStacktraceEnabled() bool {
	return c.options.EnableStacktrace
}

// IsSplitEventLogEnabled 是否拆分事件日志
func (c *Config) IsSplitEventLogEnabled() bool {
	return c.options.SplitEventLog
}

// GetEventLogFile 事件日志文件名
func (c *Config) GetEventLogFile() string {
	return c.options.EventLogFile
}

// GetSystemLogFile 模块日志文件名
func (c *Config) GetSystemLogFile() string {
	return c.options.SystemLogFile
}

// === 编码器创建方法 ===

// CreateFileEncoder 创建文件编码器（JSON）
func (c *Config) CreateFileEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	})
}

// CreateConsoleEncoder 创建控制台编码器（人类可读，一行一事件）
func (c *Config) CreateConsoleEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05.000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
	})
}
