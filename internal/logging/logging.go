// Package logging builds the zap loggers used across eyequant.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"eyequant/pkg/config"
)

// NewLoggerConfig returns the base configuration: console output with
// ISO8601 timestamps, colored levels and no stacktraces.
func NewLoggerConfig() zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// Config derives a zap configuration from the logging settings
func Config(cfg config.Logging) (zap.Config, error) {
	zc := NewLoggerConfig()

	if cfg.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return zap.Config{}, errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}

	switch cfg.Encoding {
	case "", "console":
	case "json":
		zc.Encoding = "json"
		// color codes do not belong in structured output
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return zap.Config{}, errors.Errorf("invalid log encoding %q", cfg.Encoding)
	}
	return zc, nil
}

// New builds a named logger from the logging settings
func New(name string, cfg config.Logging) (*zap.Logger, error) {
	zc, err := Config(cfg)
	if err != nil {
		return nil, err
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	return logger.Named(name), nil
}
