// Package logging builds the structured loggers shared by every component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects level, format and destination.
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // text or json
	Output    string `yaml:"output"` // stdout, stderr, or a file path
	Component string `yaml:"-"`
}

// ParseLevel maps a level name to slog. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New returns a logger for cfg. The returned closer releases the output
// file when Output names one; it is a no-op otherwise.
func New(cfg Config) (*slog.Logger, io.Closer) {
	var (
		output io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "stdout", "":
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			output = f
			closer = f
		}
	}
	return NewWithWriter(cfg, output), closer
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if cfg.Component != "" {
		logger = logger.With(slog.String("component", cfg.Component))
	}
	return logger
}

// FromEnv builds a stdout logger from LOG_LEVEL and LOG_FORMAT.
func FromEnv(component string) *slog.Logger {
	return NewWithWriter(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Component: component,
	}, os.Stdout)
}

// Component derives a child logger tagged with name.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("component", name))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
