package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for general informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

var slogLevels = map[LogLevel]slog.Level{
	DEBUG: slog.LevelDebug,
	INFO:  slog.LevelInfo,
	WARN:  slog.LevelWarn,
	ERROR: slog.LevelError,
}

// Format selects the handler used to render records.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Logger is a levelled printf-style logger on top of slog. Loggers derived
// with WithPrefix or With share the level of their parent.
type Logger struct {
	level  *slog.LevelVar
	slog   *slog.Logger
	prefix string
}

var (
	defaultLogger *Logger
	mu            sync.Mutex
)

// Init initializes the default logger from the environment.
// Environment variables:
//   - LOG_LEVEL: DEBUG, INFO, WARN, ERROR. Default: INFO
//   - LOG_FORMAT: text or json. Default: text
func Init() {
	level := ParseLevel(os.Getenv("LOG_LEVEL"))
	format := FormatText
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), string(FormatJSON)) {
		format = FormatJSON
	}
	SetDefault(New(level, os.Stdout, format, ""))
}

// ParseLevel maps a level name to a LogLevel, falling back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, format Format, prefix string) *Logger {
	lv := &slog.LevelVar{}
	lv.Set(slogLevels[level])

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if format == FormatJSON {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}

	l := &Logger{level: lv, slog: slog.New(h)}
	if prefix != "" {
		return l.WithPrefix(prefix)
	}
	return l
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Set(slogLevels[level])
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return DEBUG
	case lv <= slog.LevelInfo:
		return INFO
	case lv <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// IsLevelEnabled checks if a specific log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	return l.slog.Enabled(context.Background(), slogLevels[level])
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.IsLevelEnabled(level) {
		return
	}
	l.slog.Log(context.Background(), slogLevels[level], fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithPrefix creates a new logger tagged with a component name
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		level:  l.level,
		slog:   l.slog.With("component", prefix),
		prefix: prefix,
	}
}

// With returns a logger that attaches the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		level:  l.level,
		slog:   l.slog.With(args...),
		prefix: l.prefix,
	}
}

// Prefix returns the component name of the logger.
func (l *Logger) Prefix() string {
	return l.prefix
}

// Slog exposes the underlying slog.Logger for libraries that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Global convenience functions that use the default logger

// GetDefault returns the default logger instance
func GetDefault() *Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		Init()
		mu.Lock()
		l = defaultLogger
		mu.Unlock()
	}
	return l
}

// SetDefault replaces the default logger.
func SetDefault(l *Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return New(ERROR, io.Discard, FormatText, "")
}

// SetLevel sets the log level for the default logger
func SetLevel(level LogLevel) {
	GetDefault().SetLevel(level)
}

// IsDebugEnabled checks if debug logging is enabled
func IsDebugEnabled() bool {
	return GetDefault().IsLevelEnabled(DEBUG)
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	GetDefault().log(DEBUG, format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	GetDefault().log(INFO, format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	GetDefault().log(WARN, format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	GetDefault().log(ERROR, format, args...)
}

// WithPrefix creates a new logger with a prefix from the default logger
func WithPrefix(prefix string) *Logger {
	return GetDefault().WithPrefix(prefix)
}
