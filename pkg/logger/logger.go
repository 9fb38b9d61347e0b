package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// ParseLevel parses a level name. Unknown names select info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Config contains logger configuration.
type Config struct {
	Level    string    // debug, info, warn or error
	Console  bool      // write to Writer (stderr by default)
	Writer   io.Writer // console destination; stdout must never be used, it carries the protocol
	FilePath string    // optional log file, appended to
}

// Logger owns the outputs behind a *slog.Logger.
type Logger struct {
	*slog.Logger
	handler *log.Logger
	file    *os.File
}

// New creates a logger. Records go through a charmbracelet/log handler in
// logfmt so the console and the file carry identical lines.
func New(cfg Config) (*Logger, error) {
	var writers []io.Writer
	if cfg.Console {
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		writers = append(writers, w)
	}

	l := &Logger{}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = file
		writers = append(writers, file)
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	l.handler = log.NewWithOptions(out, log.Options{
		Level:           ParseLevel(cfg.Level),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.LogfmtFormatter,
	})
	l.Logger = slog.New(l.handler)
	return l, nil
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level string) {
	l.handler.SetLevel(ParseLevel(level))
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard returns a logger that drops everything. Used by tests and as the
// default for components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
