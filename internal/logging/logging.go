// Package logging builds the zerolog loggers handed to every engine.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, text
	Path   string `mapstructure:"path" yaml:"path"`     // log directory; empty logs to stderr
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
	}
}

// Logger owns the root zerolog logger and its optional log file.
type Logger struct {
	zl   zerolog.Logger
	file *os.File
	mu   sync.Mutex
}

// New creates a Logger. When cfg.Path is set, output is appended to
// dispatch-YYYY-MM-DD.log inside that directory instead of stderr.
func New(cfg Config) (*Logger, error) {
	return newLogger(cfg, os.Stderr, time.Now())
}

func newLogger(cfg Config, stderr io.Writer, now time.Time) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	l := &Logger{}
	out := stderr
	if cfg.Path != "" {
		dir := expandPath(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		name := filepath.Join(dir, FileName(now))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		l.file = f
		out = f
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "text":
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    l.file != nil,
		}
	default:
		if l.file != nil {
			_ = l.file.Close()
		}
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	l.zl = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// FileName is the log file name used for the given day.
func FileName(day time.Time) string {
	return fmt.Sprintf("dispatch-%s.log", day.Format("2006-01-02"))
}

// Root returns the underlying logger.
func (l *Logger) Root() zerolog.Logger {
	return l.zl
}

// Component returns a child logger tagged with the component field.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zl.With().Str("component", name).Logger()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ParseLevel maps a level name onto a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
