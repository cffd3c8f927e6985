// Package logging builds the process logger and logs bus events with it.
package logging

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
//
// Defaults:
// - Level:  info
// - Format: console
// - Output: os.Stderr
// - File:   none; when set, logs are also written there with rotation
type Options struct {
	Level  string
	Format string
	Output io.Writer

	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a logger from o and installs it as zap's global logger.
func New(o Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if o.Level != "" {
		l, err := zapcore.ParseLevel(o.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	out := o.Output
	if out == nil {
		out = os.Stderr
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)

	var enc zapcore.Encoder
	switch o.Format {
	case "", "console":
		console := cfg
		console.ConsoleSeparator = " "
		console.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if out != os.Stderr && out != os.Stdout {
			console.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(console)
	case "json":
		enc = zapcore.NewJSONEncoder(cfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", o.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(out), level)}
	if o.File != "" {
		file := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    o.MaxSizeMB,
			MaxBackups: o.MaxBackups,
			MaxAge:     o.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), &rotating{file}, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

var colorRegexp = regexp.MustCompile(`\x1b\[[^m]+m([^ ]+)\x1b\[0m`)

// rotating writes to a lumberjack file without terminal colors.
type rotating struct{ l *lumberjack.Logger }

func (r *rotating) Write(p []byte) (int, error) {
	if _, err := r.l.Write(colorRegexp.ReplaceAll(p, []byte("$1"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (r *rotating) Sync() error { return nil }
