// Package monitoring carries the process-wide logging and metrics plumbing.
//
// Logf is the package-level diagnostic logger used by glue code. Each
// spatial package additionally logs through a named Streams value with
// three levels: ops (actionable warnings, data loss), diag (lifecycle and
// tuning context) and trace (per-frame telemetry). UseLogger routes both
// through one zap logger.
package monitoring

import (
	"fmt"
	"log"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogConfig selects level, encoding and sinks for NewLogger.
type LogConfig struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	OutputPaths []string
}

// DefaultLogConfig is JSON at info level on stdout.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		OutputPaths: []string{"stdout"},
	}
}

// NewLogger builds a zap logger: console encoding in development, JSON
// otherwise.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = outputs
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableStacktrace = !cfg.Development
	return zc.Build()
}

var (
	streamsMu sync.Mutex
	streams   []*Streams
	base      *zap.Logger
)

// UseLogger routes Logf and every named stream through l. Passing nil mutes
// both.
func UseLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
		SetLogger(nil)
	} else {
		SetLogger(l.WithOptions(zap.AddCallerSkip(1)).Sugar().Infof)
	}

	streamsMu.Lock()
	base = l
	all := append([]*Streams(nil), streams...)
	streamsMu.Unlock()
	for _, s := range all {
		s.bind(l)
	}
}
