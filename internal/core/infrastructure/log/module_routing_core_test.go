package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferedRoutingCore() (*moduleRoutingCore, *bytes.Buffer, *bytes.Buffer) {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey: "message",
		LevelKey:   "level",
		TimeKey:    "ts",
	})

	var eventBuf, sysBuf bytes.Buffer
	core := &moduleRoutingCore{
		eventCore:  zapcore.NewCore(enc, zapcore.AddSync(&eventBuf), zapcore.DebugLevel),
		systemCore: zapcore.NewCore(enc, zapcore.AddSync(&sysBuf), zapcore.DebugLevel),
	}
	return core, &eventBuf, &sysBuf
}

func TestModuleRoutingCore_RoutesByModuleField(t *testing.T) {
	core, eventBuf, sysBuf := newBufferedRoutingCore()
	entry := zapcore.Entry{Message: "hello", Level: zapcore.InfoLevel}

	// node -> 事件文件
	require.NoError(t, core.Write(entry, []zapcore.Field{zap.String("module", EventModule)}))
	assert.NotZero(t, eventBuf.Len())
	assert.Zero(t, sysBuf.Len())
	eventBuf.Reset()

	// 其他模块 -> 系统文件
	require.NoError(t, core.Write(entry, []zapcore.Field{zap.String("module", "gateway")}))
	assert.Zero(t, eventBuf.Len())
	assert.NotZero(t, sysBuf.Len())
	sysBuf.Reset()

	// 缺省 -> 两边
	require.NoError(t, core.Write(entry, nil))
	assert.NotZero(t, eventBuf.Len())
	assert.NotZero(t, sysBuf.Len())
}

func TestModuleRoutingCore_ModuleBoundThroughWith(t *testing.T) {
	core, eventBuf, sysBuf := newBufferedRoutingCore()

	logger := zap.New(core).With(zap.String("module", EventModule))
	logger.Info("🔗 connection established")
	require.NoError(t, logger.Sync())

	assert.Contains(t, eventBuf.String(), "connection established")
	assert.Zero(t, sysBuf.Len())

	sysLogger := zap.New(core).With(zap.String("module", "identify"))
	sysLogger.Warn("identify failed")
	assert.Contains(t, sysBuf.String(), "identify failed")
	assert.NotContains(t, eventBuf.String(), "identify failed")
}
