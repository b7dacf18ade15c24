// Package logger holds the process wide zap logger. Output goes to stderr
// so that it never mixes with command output; the encoding is console
// unless SDTPROBE_LOG_FORMAT asks for json.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sdtprobe/sdtprobe/internal/config"
)

var (
	mu          sync.RWMutex
	log         *zap.Logger
	atomicLevel = zap.NewAtomicLevel()
)

func init() {
	atomicLevel.SetLevel(getLogLevel())
	log = New(zapcore.Lock(os.Stderr), config.LogFormat)
}

func getLogLevel() zapcore.Level {
	levelStr := os.Getenv("SDTPROBE_LOG_LEVEL")
	if levelStr == "" {
		levelStr = config.DefaultLogLevel
	}
	return parseLogLevel(levelStr)
}

// New builds a logger writing to w at the shared level. Any format other
// than "json" selects the console encoder.
func New(w zapcore.WriteSyncer, format string) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}
	core := zapcore.NewCore(encoder, w, atomicLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
}

// SetOutput replaces the process logger with one writing to w.
func SetOutput(w io.Writer, format string) {
	l := New(zapcore.Lock(zapcore.AddSync(w)), format)
	mu.Lock()
	old := log
	log = l
	mu.Unlock()
	_ = old.Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func Debug(msg string, fields ...zap.Field) {
	current().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	current().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	current().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	current().Error(msg, fields...)
}

// Named returns a child logger tagged with a component name. Callers of the
// returned logger are reported as-is.
func Named(component string) *zap.Logger {
	return current().WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

func Sync() {
	_ = current().Sync()
}

func SetLevel(levelStr string) {
	atomicLevel.SetLevel(parseLogLevel(levelStr))
}

// Level is the current level of the shared logger.
func Level() zapcore.Level {
	return atomicLevel.Level()
}

func parseLogLevel(levelStr string) zapcore.Level {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(levelStr)))
	if err != nil || level > zapcore.FatalLevel {
		return zapcore.InfoLevel
	}
	return level
}
