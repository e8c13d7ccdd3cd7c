// Package logging builds the zap.Logger the rest of the driver logs
// through, in the same field-based style the retrieved TiDB br restore
// client uses its logger (log.Info("...", zap.String(...), zap.Uint64(...))):
// a short human message plus structured fields, never fmt.Sprintf'd into
// the message itself.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger writing to stderr in human-readable console encoding
// with caller info, at info level, or debug level when verbose is set.
func New(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		// zap.Config.Build only fails on a malformed encoder/sink name, both
		// fixed above; falling back to NewNop would hide every subsequent log
		// line, so panic instead of degrading silently.
		panic(err)
	}
	return logger
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}
