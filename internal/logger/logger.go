package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	ServiceName string
	// IsDevelopment switches to a colored console encoder with caller information.
	IsDevelopment bool
	IsDebug       bool

	// Output receives the entries, stderr when nil. Stdout carries the probe report.
	Output zapcore.WriteSyncer
	// Cores receive every entry in addition to the output core.
	Cores []zapcore.Core
}

func NewLogger(config LoggerConfig) *zap.Logger {
	level := zapcore.InfoLevel
	if config.IsDebug {
		level = zapcore.DebugLevel
	}

	out := config.Output
	if out == nil {
		out = zapcore.Lock(os.Stderr)
	}

	opts := []zap.Option{
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}

	var encoder zapcore.Encoder
	if config.IsDevelopment {
		encoder = zapcore.NewConsoleEncoder(developmentEncoderConfig())
		opts = append(opts, zap.Development(), zap.AddCaller())
	} else {
		encoder = zapcore.NewJSONEncoder(GetEncoderConfig(zapcore.DefaultLineEnding))
		opts = append(opts, zap.Fields(
			zap.String("service", config.ServiceName),
			zap.Int("pid", os.Getpid()),
		))
	}

	cores := append([]zapcore.Core{zapcore.NewCore(encoder, out, level)}, config.Cores...)

	return zap.New(zapcore.NewTee(cores...), opts...)
}

func GetEncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    lineEnding,
	}
}

// developmentEncoderConfig reads well in a terminal next to the segment report.
func developmentEncoderConfig() zapcore.EncoderConfig {
	c := GetEncoderConfig(zapcore.DefaultLineEnding)
	c.EncodeLevel = zapcore.CapitalColorLevelEncoder
	c.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	c.CallerKey = "caller"
	c.EncodeCaller = zapcore.ShortCallerEncoder

	return c
}
