package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	return New(Config{
		Component: ComponentApp,
		Handler:   slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
}

func lastLine(t *testing.T, buf *bytes.Buffer) []byte {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	return lines[len(lines)-1]
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(lastLine(t, buf), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	return rec
}

func assertOneComponent(t *testing.T, buf *bytes.Buffer, want string) {
	t.Helper()
	line := lastLine(t, buf)
	if n := bytes.Count(line, []byte(`"`+FieldComponent+`"`)); n != 1 {
		t.Errorf("component keys = %d, want 1; line: %s", n, line)
	}
	if got := lastRecord(t, buf)[FieldComponent]; got != want {
		t.Errorf("component = %v, want %s", got, want)
	}
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	l := FromContext(context.Background())
	if l == nil || l.Logger == nil {
		t.Fatalf("FromContext() = %+v", l)
	}
}

func TestWithComponent_ReplacesName(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf).With(FieldGroupID, 7).WithComponent(ComponentLedger)

	l.InfoContext(context.Background(), "replaced")

	assertOneComponent(t, &buf, ComponentLedger)
	if lastRecord(t, &buf)[FieldGroupID] != float64(7) {
		t.Error("attributes were lost when switching component")
	}
}

func TestNew_UnwrapsComponentHandler(t *testing.T) {
	var buf bytes.Buffer
	outer := New(Config{Component: ComponentExpense, Handler: newBufferLogger(&buf).Handler()})

	outer.InfoContext(context.Background(), "nested")

	assertOneComponent(t, &buf, ComponentExpense)
	if got := FromSlog(outer.Logger).Component(); got != ComponentExpense {
		t.Errorf("FromSlog().Component() = %q", got)
	}
}

func TestMiddlewareChain_TagsRequestAndRoute(t *testing.T) {
	var buf bytes.Buffer
	r := mux.NewRouter()
	r.Use(Middleware(newBufferLogger(&buf)))
	r.Use(RouteMiddleware())
	r.Use(RequestIDMiddleware(func(*http.Request) string { return "req_1" }))
	r.Use(ComponentMiddleware(ComponentHTTP))
	handled := func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).InfoContext(r.Context(), "handled")
	}
	r.HandleFunc("/groups/{groupId}/members/{userId}", handled)
	r.HandleFunc("/expenses/{expenseId}", handled)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/groups/12/members/4", nil))

	rec := lastRecord(t, &buf)
	if rec[FieldRequestID] != "req_1" {
		t.Errorf("request id = %v", rec[FieldRequestID])
	}
	if rec[FieldGroupID] != float64(12) || rec[FieldUserID] != float64(4) {
		t.Errorf("route ids = %v / %v", rec[FieldGroupID], rec[FieldUserID])
	}
	assertOneComponent(t, &buf, ComponentHTTP)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/expenses/e-1", nil))
	rec = lastRecord(t, &buf)
	if rec[FieldExpenseID] != "e-1" {
		t.Errorf("expense id = %v", rec[FieldExpenseID])
	}
	if _, ok := rec[FieldGroupID]; ok {
		t.Error("group id logged for a route without one")
	}
}

func TestRouteMiddleware_SkipsMalformedIDs(t *testing.T) {
	var buf bytes.Buffer
	r := mux.NewRouter()
	r.Use(Middleware(newBufferLogger(&buf)))
	r.Use(RouteMiddleware())
	r.HandleFunc("/groups/{groupId}", func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).InfoContext(r.Context(), "handled")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/groups/abc", nil))

	if _, ok := lastRecord(t, &buf)[FieldGroupID]; ok {
		t.Error("malformed group id should not be logged")
	}
}

func TestStructuredLogger_LedgerMutationAndError(t *testing.T) {
	var buf bytes.Buffer
	sl := NewStructuredLogger(New(Config{
		Component: ComponentExpense,
		Handler:   slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}))
	ctx := context.Background()

	sl.LogLedgerMutation(ctx, OpCreate, 7, "exp-1", 3, 2)
	rec := lastRecord(t, &buf)
	if rec[FieldGroupID] != float64(7) || rec[FieldExpenseID] != "exp-1" || rec[FieldEdges] != float64(2) {
		t.Errorf("ledger record = %v", rec)
	}
	assertOneComponent(t, &buf, ComponentLedger)

	sl.LogError(ctx, "export failed", errors.New("quota"), ComponentSheets, OpExport, NewFields().WithLedger(7, "", 3))
	rec = lastRecord(t, &buf)
	if rec["level"] != "ERROR" || rec[FieldError] != "quota" || rec[FieldOperation] != OpExport {
		t.Errorf("error record = %v", rec)
	}
	if _, ok := rec[FieldExpenseID]; ok {
		t.Error("empty expense id should be omitted")
	}
	assertOneComponent(t, &buf, ComponentSheets)

	sl.LogError(ctx, "no fields", errors.New("boom"), ComponentHTTP, OpRead, nil)
	assertOneComponent(t, &buf, ComponentHTTP)
}

func TestStatusLevel(t *testing.T) {
	tests := []struct {
		status int
		want   slog.Level
	}{
		{200, slog.LevelInfo},
		{302, slog.LevelInfo},
		{404, slog.LevelWarn},
		{429, slog.LevelWarn},
		{500, slog.LevelError},
	}
	for _, tt := range tests {
		if got := statusLevel(tt.status); got != tt.want {
			t.Errorf("statusLevel(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}
