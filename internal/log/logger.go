package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger is a slog.Logger that stamps every record with one component name.
// Deriving a logger for another component replaces the name rather than
// adding a second attribute.
type Logger struct {
	*slog.Logger
	component string
}

// Config holds logger configuration
type Config struct {
	Level     slog.Level
	Component string
	Handler   slog.Handler
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New creates a logger writing to config.Handler, or to a text handler on
// stdout at config.Level when none is given.
func New(config Config) *Logger {
	handler := config.Handler
	if handler == nil {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.Level})
	}
	if ch, ok := handler.(*componentHandler); ok {
		handler = ch.inner
	}
	return newLogger(handler, config.Component)
}

// FromSlog adopts an existing slog logger, keeping the component it was
// built with, if any.
func FromSlog(l *slog.Logger) *Logger {
	if ch, ok := l.Handler().(*componentHandler); ok {
		return &Logger{Logger: l, component: ch.component}
	}
	return &Logger{Logger: l}
}

func newLogger(inner slog.Handler, component string) *Logger {
	return &Logger{
		Logger:    slog.New(&componentHandler{inner: inner, component: component}),
		component: component,
	}
}

// With returns a logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), component: l.component}
}

// WithComponent returns a logger for another component, keeping attributes.
func (l *Logger) WithComponent(component string) *Logger {
	ch, ok := l.Logger.Handler().(*componentHandler)
	if !ok {
		return newLogger(l.Logger.Handler(), component)
	}
	return &Logger{
		Logger:    slog.New(&componentHandler{inner: ch.inner, component: component}),
		component: component,
	}
}

// Component returns the logger's component name
func (l *Logger) Component() string {
	return l.component
}

// SetDefault installs the logger as the process-wide slog default.
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}

// componentHandler adds the component attribute when a record is handled,
// so it appears once however the logger was derived.
type componentHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.component != "" {
		r = r.Clone()
		r.AddAttrs(slog.String(FieldComponent, h.component))
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{inner: h.inner.WithGroup(name), component: h.component}
}
