// Package spirelog builds the process-wide zap.Logger. It is grounded on
// the teacher's logging.go: JSON encoding by default, a configurable
// level, and an optional rotated file sink in place of Caddy's module-based
// writer system, since this program has a single fixed logging surface
// rather than a pluggable one.
package spirelog

import (
	"fmt"
	"os"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the destination and verbosity of the process logger.
type Config struct {
	Level string // debug|info|warn|error, default info

	// File, when non-empty, additionally writes JSON logs to a
	// timberjack-rotated file alongside stderr.
	File       string
	MaxSizeMB  int // default 100
	MaxBackups int // default 7
	MaxAgeDays int // default 28
}

// New builds a zap.Logger per cfg. Both the stderr and optional file sinks
// use the same JSON encoding so the stderr stream and the rotated file
// agree on format.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}

	if cfg.File != "" {
		rotator := &timberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 7),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("unrecognized log level %q", s)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
