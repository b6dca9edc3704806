package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// newLogger builds the JSON logger described by cfg. The closer is nil
// unless the sink is a file.
func newLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	lvl, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	w, closer, err := openLogSink(cfg.Output, cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), closer, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	if lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("invalid log level %q (use: debug|info|warn|error)", level)
}

func openLogSink(output, path string) (io.Writer, io.Closer, error) {
	out := strings.ToLower(strings.TrimSpace(output))
	if out == "file" {
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, nil, errors.New("log output file requires log.path")
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, f, nil
	}
	switch out {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	return nil, nil, fmt.Errorf("invalid log output %q (use: stdout|stderr|file)", output)
}

// withAccessLog logs one ops_request line per request. Health and metrics
// scrapes log at debug.
func withAccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		lvl := slog.LevelInfo
		if route == "/healthz" || route == "/metrics" {
			lvl = slog.LevelDebug
		}
		if rec.status >= http.StatusInternalServerError {
			lvl = slog.LevelWarn
		}
		logger.Log(r.Context(), lvl, "ops_request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Int64("bytes", rec.written),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// serveOnListener runs srv in the background and calls cancel if it stops
// for any reason other than Shutdown.
func serveOnListener(logger *slog.Logger, name string, srv *http.Server, ln net.Listener, cancel func()) {
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops_server_failed", slog.String("listener", name), slog.Any("err", err))
			cancel()
		}
	}()
}
