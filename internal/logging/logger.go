package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Logger wraps slog.Logger with additional features.
type Logger struct {
	*slog.Logger
	sanitizer *Sanitizer
}

// Config configures the logger.
type Config struct {
	Level     string
	Format    string // auto, text, json
	Output    io.Writer
	AddSource bool
	NoColor   bool
	// Redact holds extra patterns to scrub from every record.
	Redact []string
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "auto",
		Output: os.Stderr,
	}
}

// New creates a new logger.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := ParseLevel(cfg.Level)
	sanitizer := NewSanitizer()
	for _, p := range cfg.Redact {
		// Patterns are checked when the configuration is validated.
		_ = sanitizer.AddPattern(p)
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, opts)
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	case "pretty":
		handler = newTintHandler(cfg, level)
	default: // auto
		if isTerminal(cfg.Output) {
			handler = newTintHandler(cfg, level)
		} else {
			handler = slog.NewJSONHandler(cfg.Output, opts)
		}
	}

	handler = NewSanitizingHandler(handler, sanitizer)

	return &Logger{
		Logger:    slog.New(handler),
		sanitizer: sanitizer,
	}
}

func newTintHandler(cfg Config, level slog.Level) slog.Handler {
	return tint.NewHandler(cfg.Output, &tint.Options{
		Level:      level,
		AddSource:  cfg.AddSource,
		TimeFormat: time.TimeOnly,
		NoColor:    cfg.NoColor || !isTerminal(cfg.Output),
	})
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sanitizer: NewSanitizer(),
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// WithProvider returns a logger tagged with the model provider.
func (l *Logger) WithProvider(provider string) *Logger {
	return l.With("provider", provider)
}

// With returns a logger with custom fields that keeps the sanitizer.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		sanitizer: l.sanitizer,
	}
}

// Sanitize redacts text that is stored or returned rather than logged.
func (l *Logger) Sanitize(input string) string {
	return l.sanitizer.Sanitize(input)
}
