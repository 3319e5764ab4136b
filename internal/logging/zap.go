package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Format is "text" or "json".
	Format string
	// Level is one of debug, info, warn, error.
	Level string
}

func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(opts.Level); err != nil && opts.Level != "" {
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if opts.Format != "json" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeCaller = nil
		cfg.Encoding = "console"
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = level != zapcore.DebugLevel

	return cfg.Build()
}
