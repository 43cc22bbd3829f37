// ============================================================================
// runsh Logging - zap 日誌建構
// ============================================================================
//
// Package: internal/logging
// File: logging.go
// Purpose: Builds the process-wide zap logger. Output is stdout unless a log
//          path is configured, in which case lumberjack rotates the file.
//
// Level by run mode:
//   dev, beta    → debug
//   production   → warn
//   (other)      → info
//   an explicit level always wins
//
// ============================================================================

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日誌設定
type Config struct {
	Level   string `yaml:"level"`
	Path    string `yaml:"path"`
	RunMode string `yaml:"run_mode"`
}

// New 建立 logger
func New(cfg Config) (*zap.Logger, error) {
	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, err
	}

	var sink io.Writer = os.Stdout
	if cfg.Path != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    10, // MB
			MaxBackups: 10,
			MaxAge:     7, // 天
			LocalTime:  true,
		}
	}

	return NewWithWriter(zapcore.AddSync(sink), level), nil
}

// NewWithWriter builds a console-encoded logger on an arbitrary writer.
func NewWithWriter(ws zapcore.WriteSyncer, level zapcore.Level) *zap.Logger {
	// 本地時間 "2006-01-02 15:04:05.000"
	timeEncoder := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Local().Format("2006-01-02 15:04:05.000"))
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), ws, level)
	return zap.New(core, zap.AddCaller())
}

func resolveLevel(cfg Config) (zapcore.Level, error) {
	if cfg.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			return lvl, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		return lvl, nil
	}

	switch strings.ToLower(cfg.RunMode) {
	case "dev", "beta":
		return zapcore.DebugLevel, nil
	case "production":
		return zapcore.WarnLevel, nil
	}
	return zapcore.InfoLevel, nil
}
