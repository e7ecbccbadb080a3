// Package logging provides the component-scoped, printf-style logger used
// throughout the research engine. It wraps log/slog so every component gets
// structured, leveled output without each call site formatting its own
// key-value pairs.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger is the printf-style logging surface components depend on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// componentLogger binds a component name to an underlying slog.Logger.
type componentLogger struct {
	component string
	base      *slog.Logger
}

var (
	mu        sync.RWMutex
	rootLog   = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	levelVar  = new(slog.LevelVar)
	configure sync.Once
)

// Config controls the process-wide logging sink. Set once at startup.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"
	Output io.Writer
}

// Configure installs the process-wide handler. Safe to call once during
// bootstrap; subsequent calls are ignored so component loggers created
// earlier keep working against a single consistent sink.
func Configure(cfg Config) {
	configure.Do(func() {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		levelVar.Set(parseLevel(cfg.Level))
		opts := &slog.HandlerOptions{Level: levelVar}

		var handler slog.Handler
		if cfg.Format == "json" {
			handler = slog.NewJSONHandler(out, opts)
		} else {
			handler = slog.NewTextHandler(out, opts)
		}

		mu.Lock()
		rootLog = slog.New(handler)
		mu.Unlock()
	})
}

func parseLevel(level string) slog.Level {
	switch level {
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

// NewComponentLogger returns a Logger tagged with the given component name.
func NewComponentLogger(component string) Logger {
	mu.RLock()
	base := rootLog
	mu.RUnlock()
	return &componentLogger{component: component, base: base}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args...) }

func (l *componentLogger) log(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.base.Log(context.Background(), level, msg, slog.String("component", l.component))
}

type ctxKey struct{}

// WithComponent attaches a component logger to ctx for retrieval by FromContext.
func WithComponent(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, or fallback when none is set.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if ctx == nil {
		return fallback
	}
	if logger, ok := ctx.Value(ctxKey{}).(Logger); ok && logger != nil {
		return logger
	}
	return fallback
}

// IsNil reports whether logger is a nil interface or a typed nil pointer.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	if cl, ok := logger.(*componentLogger); ok {
		return cl == nil
	}
	return false
}

// nopLogger discards every message.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// OrNop returns logger, or a no-op logger if logger is nil.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return nopLogger{}
	}
	return logger
}

// NewLatencyLogger returns a component logger dedicated to latency
// measurements for a named subsystem (e.g. "HTTP").
func NewLatencyLogger(subsystem string) Logger {
	return NewComponentLogger(subsystem + ".latency")
}
