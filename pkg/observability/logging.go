package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger is a structured logger for browserpool components. Every record
// carries exactly one component key.
type Logger struct {
	*slog.Logger

	base      *slog.Logger
	component string
	attrs     []any
}

func newLogger(base *slog.Logger, component string, attrs []any) *Logger {
	logger := base.With(slog.String("component", component))
	if len(attrs) > 0 {
		logger = logger.With(attrs...)
	}
	return &Logger{Logger: logger, base: base, component: component, attrs: attrs}
}

func (l *Logger) with(attrs ...any) *Logger {
	merged := make([]any, 0, len(l.attrs)+len(attrs))
	merged = append(merged, l.attrs...)
	merged = append(merged, attrs...)
	return newLogger(l.base, l.component, merged)
}

// NewLogger creates a JSON logger writing to stderr.
func NewLogger(component string, level slog.Level) *Logger {
	return NewLoggerTo(os.Stderr, component, level)
}

// NewLoggerTo creates a JSON logger writing to w.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *Logger {
	if w == nil {
		w = io.Discard
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	base := slog.New(handler).With(slog.String("system", "browserpool"))
	return newLogger(base, component, nil)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewLoggerTo(io.Discard, "nop", slog.LevelError)
}

// ParseLevel maps a config string onto a slog level. Unknown values are info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Named returns a logger for a sub-component sharing the same handler. The
// component becomes "parent.child".
func (l *Logger) Named(component string) *Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	return newLogger(l.base, component, l.attrs)
}

// WithSession returns a logger with session-specific fields
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.with(slog.String("session_id", sessionID))
}

// WithConnection returns a logger with connection-specific fields
func (l *Logger) WithConnection(sessionID, connectionID string) *Logger {
	return l.with(
		slog.String("session_id", sessionID),
		slog.String("connection_id", connectionID),
	)
}

// CommandSent logs a command written to a worker
func (l *Logger) CommandSent(messageID, command string, payloadSize int) {
	l.Debug("command sent",
		slog.String("message_id", messageID),
		slog.String("command", command),
		slog.Int("payload_size", payloadSize),
	)
}

// CommandCompleted logs a command round trip
func (l *Logger) CommandCompleted(messageID, command string, elapsed time.Duration) {
	l.Debug("command completed",
		slog.String("message_id", messageID),
		slog.String("command", command),
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)
}

// CommandFailed logs a command that did not complete
func (l *Logger) CommandFailed(command string, err error) {
	l.Error("command failed",
		slog.String("command", command),
		slog.String("error", err.Error()),
	)
}

// Disconnected logs the end of a worker socket
func (l *Logger) Disconnected(reason string, pending int) {
	l.Warn("worker disconnect",
		slog.String("reason", reason),
		slog.Int("pending", pending),
	)
}
