package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerName is the root name every pipeline logger carries.
const LoggerName = "pipeline"

// NewSugaredLogger builds the process logger: development output at debug
// level when verbose, JSON at info level otherwise.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	// Per-record lines must not be sampled away.
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger (verbose=%t): %w", verbose, err)
	}
	return l.Named(LoggerName).Sugar(), nil
}
