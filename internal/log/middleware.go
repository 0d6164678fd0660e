package log

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type loggerKey struct{}

// NewContext returns a copy of ctx carrying logger.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the request logger, or one over the slog default.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return FromSlog(slog.Default())
}

// enrich runs next with the context logger replaced by derive(logger).
func enrich(derive func(*http.Request, *Logger) *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := derive(r, FromContext(r.Context()))
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), logger)))
		})
	}
}

// Middleware puts logger in every request context.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return enrich(func(*http.Request, *Logger) *Logger { return logger })
}

// ComponentMiddleware switches the request logger to component.
func ComponentMiddleware(component string) func(http.Handler) http.Handler {
	return enrich(func(_ *http.Request, l *Logger) *Logger { return l.WithComponent(component) })
}

// RequestIDMiddleware tags the request logger with the id extracted from
// the request.
func RequestIDMiddleware(extractRequestID func(*http.Request) string) func(http.Handler) http.Handler {
	return enrich(func(r *http.Request, l *Logger) *Logger {
		return l.With(FieldRequestID, extractRequestID(r))
	})
}

// routeFields maps route variables to the log fields they identify.
var routeFields = []struct {
	variable string
	field    string
	numeric  bool
}{
	{"groupId", FieldGroupID, true},
	{"expenseId", FieldExpenseID, false},
	{"userId", FieldUserID, true},
}

// RouteMiddleware tags the request logger with the group, expense and user
// the matched route names. It must run inside a mux router so the route
// variables are set. Malformed numeric ids are left out; the handler
// rejects them.
func RouteMiddleware() func(http.Handler) http.Handler {
	return enrich(func(r *http.Request, l *Logger) *Logger {
		vars := mux.Vars(r)
		var args []any
		for _, rf := range routeFields {
			v, ok := vars[rf.variable]
			if !ok || v == "" {
				continue
			}
			if !rf.numeric {
				args = append(args, rf.field, v)
				continue
			}
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				args = append(args, rf.field, id)
			}
		}
		if len(args) == 0 {
			return l
		}
		return l.With(args...)
	})
}
