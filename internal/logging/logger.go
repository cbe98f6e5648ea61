package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 28
)

// Options configures NewLoggerWithOptions. A non-empty FilePath adds a
// rotating JSON file sink next to stderr.
type Options struct {
	Level      string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

// NewLoggerWithOptions returns a production logger that also writes to a
// size-rotated file when opts.FilePath is set.
func NewLoggerWithOptions(opts Options) (*zap.Logger, error) {
	if strings.TrimSpace(opts.FilePath) == "" {
		return NewLogger(opts.Level)
	}

	level := zap.NewAtomicLevelAt(parseLevel(opts.Level))
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	rotator := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    valueOrDefault(opts.MaxSizeMB, defaultMaxSizeMB),
		MaxBackups: valueOrDefault(opts.MaxBackups, defaultMaxBackups),
		MaxAge:     valueOrDefault(opts.MaxAgeDays, defaultMaxAgeDays),
		Compress:   true,
	}

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
		zapcore.NewCore(encoder, zapcore.AddSync(rotator), level),
	)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func valueOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
