// Package logging centralizes zap.Logger construction for the cdpstep
// binary and its libraries, following the *zap.Logger threading pattern
// EdgeComet-jsbug's chrome package uses for its CDP event collector.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the CLI. verbose selects development config
// (human-readable, debug level, stack traces on warn+); otherwise a quiet
// production encoder writing to stderr at warn level is used so stdout
// stays reserved for the JSON report (see §6 of SPEC_FULL.md).
func New(verbose bool) *zap.Logger {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		l, err := cfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Nop returns a logger that discards everything, the default for library
// callers that embed cdpstep's packages without wanting its log output.
func Nop() *zap.Logger { return zap.NewNop() }
