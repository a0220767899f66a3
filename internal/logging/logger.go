// Package logging builds the agent's zap logger.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns the structured logger the agent runs with. Logs are JSON
// with ISO8601 timestamps; debug level switches to a console encoder, the mode
// used when troubleshooting the agent interactively rather than shipping its
// output anywhere.
func NewLogger(level string) (*zap.Logger, error) {
	parsed := parseLevel(level)

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if parsed == zapcore.DebugLevel {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg.Build()
}

// parseLevel maps the configured level string onto a zap level. Unknown values
// fall back to info rather than failing agent startup.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
