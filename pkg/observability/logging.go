// Package observability builds the runtime's logger, Prometheus metrics and
// OpenTelemetry tracer.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/drewano/dodai-sub000/pkg/config"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is debug, info, warn or error. Anything else means info.
	Level string
	// Format is json or text. Empty means text.
	Format string
	// Output defaults to os.Stderr.
	Output    io.Writer
	AddSource bool
}

// LogConfigFrom maps settings onto a LogConfig.
func LogConfigFrom(cfg *config.LoggingConfig) LogConfig {
	if cfg == nil {
		return LogConfig{}
	}
	return LogConfig{Level: cfg.Level, Format: cfg.Format}
}

// NewLogger returns a slog logger with a JSON or text handler.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name onto slog levels.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
