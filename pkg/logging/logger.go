package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with application-specific functionality
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level
func New(level string) *Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)

	return &Logger{Logger: logger}
}

// Default returns a logger with default settings
func Default() *Logger {
	return New("info")
}

// WithConversation returns a child logger that stamps every record with the
// conversation id, so one teen's pipeline steps can be correlated across
// the api, worker, and escalation processes.
func (l *Logger) WithConversation(conversationID string) *Logger {
	if l == nil || l.Logger == nil {
		return Default().WithConversation(conversationID)
	}
	return &Logger{Logger: l.Logger.With("conversation_id", conversationID)}
}

// WithComponent returns a child logger labeled with a component name
// (e.g. "risk", "escalation", "arbiter").
func (l *Logger) WithComponent(component string) *Logger {
	if l == nil || l.Logger == nil {
		return Default().WithComponent(component)
	}
	return &Logger{Logger: l.Logger.With("component", component)}
}
