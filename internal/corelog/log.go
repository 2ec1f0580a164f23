// Package corelog is a thin package-level wrapper around log/slog, matching
// the teacher's core/log package: a small set of free functions backed by a
// swappable global logger, rather than threading a *slog.Logger through every
// call site.
package corelog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

var logger *slog.Logger
var currentWriter io.Writer = os.Stdout
var currentLevel slog.Level = slog.LevelInfo
var currentFormat = "text"

func init() {
	logger = slog.New(slog.NewTextHandler(currentWriter, &slog.HandlerOptions{Level: currentLevel}))
}

// Configure sets the writer, level and format ("text" or "json") for the
// global logger. Called once at process startup from the resolved Config.
func Configure(writer io.Writer, level slog.Level, format string) {
	currentWriter = writer
	currentLevel = level
	currentFormat = format
	rebuild()
}

func rebuild() {
	opts := &slog.HandlerOptions{Level: currentLevel}
	if currentFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(currentWriter, opts))
		return
	}
	logger = slog.New(slog.NewTextHandler(currentWriter, opts))
}

// ParseLevel maps the LOG_LEVEL config string to a slog.Level, defaulting to
// Info for unrecognized values.
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

// Info logs a message, optionally printf-formatted when args are passed.
func Info(format string, args ...any) {
	if len(args) > 0 {
		logger.Info(fmt.Sprintf(format, args...))
	} else {
		logger.Info(format)
	}
}

// InfoWith logs a message with structured key/value attributes.
func InfoWith(msg string, attrs ...any) { logger.Info(msg, attrs...) }

// Debug logs a debug-level message.
func Debug(format string, args ...any) {
	if len(args) > 0 {
		logger.Debug(fmt.Sprintf(format, args...))
	} else {
		logger.Debug(format)
	}
}

// DebugWith logs a debug message with structured attributes.
func DebugWith(msg string, attrs ...any) { logger.Debug(msg, attrs...) }

// Warn logs a warning message.
func Warn(format string, args ...any) {
	if len(args) > 0 {
		logger.Warn(fmt.Sprintf(format, args...))
	} else {
		logger.Warn(format)
	}
}

// WarnWith logs a warning with structured attributes.
func WarnWith(msg string, attrs ...any) { logger.Warn(msg, attrs...) }

// Error logs an error-level message.
func Error(format string, args ...any) {
	if len(args) > 0 {
		logger.Error(fmt.Sprintf(format, args...))
	} else {
		logger.Error(format)
	}
}

// ErrorWith logs an error with structured attributes.
func ErrorWith(msg string, attrs ...any) { logger.Error(msg, attrs...) }

// Timer tracks elapsed time for a named operation, used around git/container
// invocations to log their duration the way the teacher logs agent sessions.
type Timer struct {
	start time.Time
	name  string
}

// StartTimer begins timing an operation.
func StartTimer(name string) *Timer {
	return &Timer{start: time.Now(), name: name}
}

// LogElapsedWith logs elapsed time with a custom message and attributes.
func (t *Timer) LogElapsedWith(msg string, attrs ...any) {
	elapsed := time.Since(t.start)
	all := append([]any{"operation", t.name, "elapsed_ms", elapsed.Milliseconds()}, attrs...)
	logger.Info(msg, all...)
}
