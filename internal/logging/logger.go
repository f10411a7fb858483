// Package logging configures the process-wide zerolog logger for the evolution
// engine. It supports console or JSON output, optional file logging for
// persistent debugging, and per-component child loggers.
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
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config configures the logger behavior.
type Config struct {
	Level      string    // Minimum level to log (debug, info, warn, error)
	FilePath   string    // Optional file path for persistent logs
	Format     string    // "console" or "json"
	Colored    bool      // Enable colored console output
	ShowCaller bool      // Show file:line of caller
	Component  string    // Component name attached to every entry
	Output     io.Writer // Console destination; defaults to os.Stderr
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:   "info",
		Format:  FormatConsole,
		Colored: true,
	}
}

// VerboseConfig returns a configuration for verbose troubleshooting.
func VerboseConfig() *Config {
	return &Config{
		Level:      "debug",
		Format:     FormatConsole,
		Colored:    true,
		ShowCaller: true,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGER
// ═══════════════════════════════════════════════════════════════════════════════

// Logger owns a zerolog logger and the file handle behind it, if any.
type Logger struct {
	mu     sync.Mutex
	zl     zerolog.Logger
	level  zerolog.Level
	file   *os.File
	output io.Writer
}

// New creates a Logger from cfg. A file that cannot be opened is reported as
// an error; console logging still works on the returned Logger.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{level: ParseLevel(cfg.Level), output: out}

	var console io.Writer = out
	if cfg.Format != FormatJSON {
		console = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    !cfg.Colored,
			TimeFormat: "2006-01-02 15:04:05.000",
		}
	}

	writers := []io.Writer{console}
	var fileErr error
	if cfg.FilePath != "" {
		f, err := openLogFile(cfg.FilePath)
		if err != nil {
			fileErr = err
		} else {
			l.file = f
			// File output is always plain JSON lines.
			writers = append(writers, f)
		}
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(l.level).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	if cfg.ShowCaller {
		ctx = ctx.Caller()
	}
	l.zl = ctx.Logger()

	return l, fileErr
}

// Setup builds a Logger and installs it as the global zerolog logger used by
// every package through github.com/rs/zerolog/log.
func Setup(cfg *Config) (*Logger, error) {
	l, err := New(cfg)
	zerolog.SetGlobalLevel(l.level)
	log.Logger = l.zl
	return l, err
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Level returns the minimum level this logger writes.
func (l *Logger) Level() zerolog.Level {
	return l.level
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) zerolog.Logger {
	return l.zl.With().Str("component", name).Logger()
}

// Close closes any open file handles.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// SessionLogPath returns a timestamped log file path inside dir.
func SessionLogPath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("evolution_%s.log", now.Format("2006-01-02_15-04-05")))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// ParseLevel parses a level name, falling back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
