// Package logging builds the zap logger shared by the reward binaries.
package logging

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level and the optional rolling file sink.
type Options struct {
	Service    string
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a JSON logger writing to stdout and, when Path is set, to a
// lumberjack-rotated file.
func New(opts Options) *zap.Logger {
	level := ParseLevel(opts.Level)
	encoder := zapcore.NewJSONEncoder(encoderConfig())

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
	}
	if opts.Path != "" {
		if dir := filepath.Dir(opts.Path); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		sink := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    nz(opts.MaxSizeMB, 100),
			MaxBackups: nz(opts.MaxBackups, 3),
			MaxAge:     nz(opts.MaxAgeDays, 7),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(sink), level))
	}

	zapOpts := []zap.Option{zap.AddCaller()}
	if level == zapcore.DebugLevel {
		zapOpts = append(zapOpts, zap.Development())
	}
	logger := zap.New(zapcore.NewTee(cores...), zapOpts...)
	if opts.Service != "" {
		logger = logger.With(zap.String("service", opts.Service))
	}
	return logger
}

// ParseLevel maps a level name onto zapcore, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339Nano),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func nz(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
