package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareReusesIncomingRequestID(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	t.Cleanup(func() { Setup("info", "json") })

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health?secret=1", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "abc123" || rec.Header().Get("X-Request-ID") != "abc123" {
		t.Fatalf("trace id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("access log is not JSON: %v (%s)", err, buf.String())
	}
	if line["trace_id"] != "abc123" || line["path"] != "/health" || line["status"] != float64(http.StatusTeapot) {
		t.Fatalf("access log = %v", line)
	}
	if strings.Contains(buf.String(), "secret=1") {
		t.Fatal("query string leaked into access log")
	}
}

func TestMiddlewareGeneratesRequestID(t *testing.T) {
	SetupWriter(&bytes.Buffer{}, "error", "text")
	t.Cleanup(func() { Setup("info", "json") })

	h := Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("X-Request-ID"); len(got) != 32 {
		t.Fatalf("generated id = %q, want 32 hex chars", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContextWithoutTraceID(t *testing.T) {
	if FromContext(context.Background()) != Logger {
		t.Fatal("expected package logger when no trace id is set")
	}
}
