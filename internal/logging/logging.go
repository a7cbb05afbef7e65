// Package logging provides structured logging with slog for huproof.
//
// Loggers write text or JSON, carry a component name and an optional attempt
// id, and redact attributes whose keys name secret material (salts, salt
// keys, templates, bearer tokens) before they reach any output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file", or "both" (stderr and file).
	// Writer, when set, overrides Output.
	Output string
	Writer io.Writer

	// File rotation. MaxSize is in megabytes, MaxAge in days.
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	AddSource bool
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   DefaultLogPath(),
		MaxSize:    20,
		MaxAge:     14,
		MaxBackups: 3,
		Compress:   true,
		Component:  "huproof",
	}
}

// DefaultLogPath returns the platform log location for huproof.log.
func DefaultLogPath() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "huproof", "huproof.log")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		return filepath.Join(base, "huproof", "logs", "huproof.log")
	default:
		state := os.Getenv("XDG_STATE_HOME")
		if state == "" {
			state = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(state, "huproof", "huproof.log")
	}
}

// Logger wraps slog.Logger with the rotator that backs it, if any.
type Logger struct {
	*slog.Logger
	config  *Config
	rotator *FileRotator
	mu      *sync.Mutex
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the process-wide logger, creating it from DefaultConfig on
// first use.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		cfg := DefaultConfig()
		created, err := New(cfg)
		if err != nil {
			created = &Logger{Logger: slog.Default(), config: cfg, mu: &sync.Mutex{}}
		}
		defaultLogger = created
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger and slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New creates a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Logger{config: cfg, mu: &sync.Mutex{}}

	w, err := l.output()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// Discard returns a logger that drops everything. Useful as a default for
// optional logger fields.
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		config: &Config{},
		mu:     &sync.Mutex{},
	}
}

func (l *Logger) output() (io.Writer, error) {
	if l.config.Writer != nil {
		return l.config.Writer, nil
	}
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// sensitiveKeys are substrings of attribute keys whose values never reach
// the log. Template and feature values are biometric material.
var sensitiveKeys = []string{
	"password", "secret", "token", "key", "credential",
	"private", "auth", "cookie", "bearer",
	"salt", "template", "tmpl", "features",
}

func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func (l *Logger) derive(sl *slog.Logger) *Logger {
	return &Logger{Logger: sl, config: l.config, rotator: l.rotator, mu: l.mu}
}

// WithAttempt returns a logger tagged with a protocol attempt id.
func (l *Logger) WithAttempt(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("attempt_id", id)))
}

// WithComponent returns a logger with a different component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithContext returns a logger tagged with the attempt id carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := AttemptIDFromContext(ctx); id != "" {
		return l.WithAttempt(id)
	}
	return l
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

// NewAttemptID returns a fresh random attempt id.
func NewAttemptID() string {
	return uuid.NewString()
}

type contextKey int

const attemptIDKey contextKey = iota

// ContextWithAttemptID returns a context carrying the attempt id.
func ContextWithAttemptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, attemptIDKey, id)
}

// AttemptIDFromContext extracts the attempt id from ctx.
func AttemptIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(attemptIDKey).(string)
	return id
}

// Debug logs at debug level using the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at info level using the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at warn level using the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at error level using the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the name of a level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}
