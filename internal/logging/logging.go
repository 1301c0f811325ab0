// Package logging builds the structured logger threaded through every
// constructor in this module: a zap core wrapped behind a logr.Logger so
// callers depend on the generic interface, not on zap directly.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Verbose enables debug-level output.
	Verbose bool
	// JSON switches to JSON-encoded output, for production deployments.
	JSON bool
}

// New builds a logr.Logger backed by zap.
func New(cfg Config) (logr.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Verbose {
		level = zapcore.DebugLevel
	}

	zapCfg := zap.NewProductionConfig()
	if !cfg.JSON {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "ts"

	zl, err := zapCfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// Discard returns a no-op logger, for tests.
func Discard() logr.Logger { return logr.Discard() }
