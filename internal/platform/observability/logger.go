package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// Logger wraps slog.Logger and stamps records with the active trace
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger writing to stdout. Unknown levels fall back to
// info and unknown formats to json; config validation rejects both earlier.
func NewLogger(level, format string) *Logger {
	return NewLoggerWithWriter(os.Stdout, level, format)
}

// NewLoggerWithWriter creates a Logger writing to w
func NewLoggerWithWriter(w io.Writer, level, format string) *Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// NewNopLogger returns a Logger that discards everything
func NewNopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a config level name to a slog.Level
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// WithTrace returns a logger carrying trace_id and span_id when ctx holds a
// valid span
func (l *Logger) WithTrace(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l.Logger
	}

	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", name))}
}

func (l *Logger) LogError(ctx context.Context, msg string, err error, fields ...any) {
	l.WithTrace(ctx).Error(msg, append(fields, slog.Any("error", err))...)
}

func (l *Logger) LogWarn(ctx context.Context, msg string, fields ...any) {
	l.WithTrace(ctx).Warn(msg, fields...)
}

func (l *Logger) LogInfo(ctx context.Context, msg string, fields ...any) {
	l.WithTrace(ctx).Info(msg, fields...)
}

func (l *Logger) LogDebug(ctx context.Context, msg string, fields ...any) {
	l.WithTrace(ctx).Debug(msg, fields...)
}
