package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLogLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewLogger_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workq.log")
	logger, closer, err := newLogger(LogConfig{Level: "info", Output: "file", Path: path})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible", slog.String("queue", "orders"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(b), "hidden") || !strings.Contains(string(b), `"queue":"orders"`) {
		t.Fatalf("log=%s", b)
	}

	if _, _, err := newLogger(LogConfig{Output: "file"}); err == nil {
		t.Fatalf("expected error for file sink without path")
	}
	if _, _, err := newLogger(LogConfig{Output: "syslog"}); err == nil {
		t.Fatalf("expected error for unknown sink")
	}
}

func TestAccessLog_RoutePattern(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return withAccessLog(logger, next) })
	r.Get("/queues/{name}/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("tea"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/queues/orders/stats", nil))

	var line struct {
		Msg    string `json:"msg"`
		Level  string `json:"level"`
		Route  string `json:"route"`
		Status int    `json:"status"`
		Bytes  int    `json:"bytes"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line.Msg != "ops_request" || line.Route != "/queues/{name}/stats" || line.Status != http.StatusTeapot || line.Bytes != 3 || line.Level != "INFO" {
		t.Fatalf("line=%+v", line)
	}
}
