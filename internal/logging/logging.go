// Package logging builds the process root logger. Components receive named
// children from main; nothing in the tree uses a package-level logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a configured *zap.Logger. mode "dev" selects the console
// encoder with colored levels; anything else is production JSON with
// ISO-8601 timestamps. level accepts the usual zap names (debug, info,
// warn, error); empty keeps the profile default.
func New(level, mode string) (*zap.Logger, error) {
	var cfg zap.Config
	if mode == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// Nop is handed to constructors in tests that do not assert on log output.
func Nop() *zap.Logger { return zap.NewNop() }
