// Package logger builds the structured slog loggers used by every solarwatch command.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds the configuration for the logger.
type Config struct {
	// Output is the writer to send logs to (defaults to os.Stdout).
	Output io.Writer
	// Level is the minimum log level to output.
	Level slog.Level
	// Format is json (default) or text.
	Format Format
	// AddSource adds source code position to log records.
	AddSource bool
	// Service, when set, is attached to every record as "service".
	Service string
}

// DefaultConfig returns an Info level JSON config writing to stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Output: os.Stdout,
		Format: FormatJSON,
	}
}

// New creates a logger from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	log := slog.New(handler)
	if cfg.Service != "" {
		log = log.With(slog.String("service", cfg.Service))
	}
	return log
}

// NewDefault creates a logger with DefaultConfig.
func NewDefault() *slog.Logger {
	return New(DefaultConfig())
}

// NewWithLevel creates a JSON logger at level.
func NewWithLevel(level slog.Level) *slog.Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	return New(cfg)
}

// ParseLevel converts a string to a slog.Level. Matching ignores case and
// surrounding space. Unrecognized values yield slog.LevelInfo.
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

// ParseFormat converts a string to a Format, defaulting to FormatJSON.
func ParseFormat(format string) Format {
	if strings.EqualFold(strings.TrimSpace(format), string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}

// WithContext returns a logger that adds attrs to every record.
func WithContext(logger *slog.Logger, attrs ...slog.Attr) *slog.Logger {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return logger.With(args...)
}
