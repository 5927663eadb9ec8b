package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a centralized structured logger. Every entry carries the module it came from.
type Logger struct {
	z *zap.Logger
}

var level = zap.NewAtomicLevelAt(levelFromEnv())

// New creates a JSON logger writing to stdout.
func New() *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), level)
	return &Logger{z: zap.New(core)}
}

// SetLevel changes the level of every logger created by New. Unknown names fall back to INFO.
func SetLevel(name string) {
	level.SetLevel(parseLevel(name))
}

func levelFromEnv() zapcore.Level {
	return parseLevel(os.Getenv("LOG_LEVEL"))
}

func parseLevel(name string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// --- Convenient methods ---
func (l *Logger) Info(module, msg string, fields ...zap.Field) {
	l.z.Info(msg, append(fields, zap.String("module", module))...)
}

func (l *Logger) Debug(module, msg string, fields ...zap.Field) {
	l.z.Debug(msg, append(fields, zap.String("module", module))...)
}

func (l *Logger) Warn(module, msg string, fields ...zap.Field) {
	l.z.Warn(msg, append(fields, zap.String("module", module))...)
}

func (l *Logger) Error(module, msg string, err error, fields ...zap.Field) {
	l.z.Error(msg, append(fields, zap.String("module", module), zap.Error(err))...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}
