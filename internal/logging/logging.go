// Package logging builds the zap loggers used across adsmirror.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// FormatJSON emits one JSON object per line.
	FormatJSON = "json"

	// FormatConsole emits human readable lines.
	FormatConsole = "console"
)

type options struct {
	file       string
	format     string
	level      zapcore.Level
	maxBackups int
	maxSizeMB  int
}

// Option configures New.
type Option func(*options)

// WithLevel sets the minimum level. Unknown levels leave the default (info).
func WithLevel(level string) Option {
	return func(o *options) {
		var l zapcore.Level
		if err := l.Set(level); err == nil {
			o.level = l
		}
	}
}

// WithFormat selects FormatJSON or FormatConsole. Anything else means JSON.
func WithFormat(format string) Option {
	return func(o *options) {
		switch format {
		case FormatConsole:
			o.format = FormatConsole
		default:
			o.format = FormatJSON
		}
	}
}

// WithFile additionally writes logs to a size-rotated file.
func WithFile(path string, maxSizeMB int, maxBackups int) Option {
	return func(o *options) {
		o.file = path
		o.maxSizeMB = maxSizeMB
		o.maxBackups = maxBackups
	}
}

// New creates a logger writing to stderr and, when configured, a rotating file.
func New(opts ...Option) *zap.Logger {
	o := options{
		format:     FormatJSON,
		level:      zapcore.InfoLevel,
		maxBackups: 5,
		maxSizeMB:  10,
	}
	for _, opt := range opts {
		opt(&o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if o.format == FormatConsole {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if o.file != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.file,
			MaxSize:    o.maxSizeMB,
			MaxBackups: o.maxBackups,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), o.level)
	return zap.New(core)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
