// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level and destinations. Empty OutputPaths means
// stderr.
type Options struct {
	Level       string
	Verbose     bool
	OutputPaths []string
}

// New builds a production JSON logger. Verbose forces debug level.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("logging: invalid level %q: %w", opts.Level, err)
		}
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
	}
	cfg.DisableStacktrace = level > zapcore.DebugLevel
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}
