// Package logger configures the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/nickyhof/rxbind/core"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Config holds logger configuration
type Config struct {
	Level     string // DEBUG, INFO, WARN, ERROR
	Format    string // json, text
	AddSource bool
	Output    io.Writer
}

// Init installs the global logger. Only the first call has an effect.
func Init(cfg Config) {
	once.Do(func() {
		logger = New(cfg)
		slog.SetDefault(logger)
	})
}

// New builds a logger without installing it
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Get returns the global logger, falling back to slog's default when Init
// was never called.
func Get() *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Discard returns a logger that drops every record
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog level, defaulting to INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// QueryLevel maps the verbosity requested by a query to a slog level.
// The second result is false for LogOff.
func QueryLevel(level core.LogLevel) (slog.Level, bool) {
	switch level {
	case core.LogError:
		return slog.LevelError, true
	case core.LogWarning:
		return slog.LevelWarn, true
	case core.LogInfo:
		return slog.LevelInfo, true
	case core.LogTrace:
		return slog.LevelDebug, true
	}
	return 0, false
}
