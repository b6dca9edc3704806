package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nuetzliches/workq/internal/queue"
)

type statsPayload struct {
	Queue    string         `json:"queue"`
	Total    int            `json:"total"`
	Errors   int            `json:"errors"`
	ByStatus map[string]int `json:"by_status"`
}

func newStatsPayload(name string, st queue.Stats) statsPayload {
	p := statsPayload{Queue: name, Total: st.Total, Errors: st.Errors, ByStatus: make(map[string]int, len(st.ByStatus))}
	for s, n := range st.ByStatus {
		p.ByStatus[s.String()] = n
	}
	return p
}

type opsServer struct {
	queueName string
	stats     *statsCache
	metrics   *queueMetrics
	logger    *slog.Logger
	tracer    trace.TracerProvider
}

func (s *opsServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return withAccessLog(s.logger, next) })
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())
	r.Get("/queues/{name}/stats", s.handleStats)
	return wrapTracingHandler(s.tracer, "workq.ops", r)
}

func (s *opsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.stats.get(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *opsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "name") != s.queueName {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown queue"})
		return
	}
	st, err := s.stats.get(r.Context())
	if err != nil {
		s.logger.Error("stats_failed", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, newStatsPayload(s.queueName, st))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthReporter maps sweep outcomes onto the gRPC health service. The
// queue name is registered as its own service next to the server-wide
// empty name.
type healthReporter struct {
	srv     *health.Server
	service string
}

func newHealthReporter(queueName string) *healthReporter {
	h := &healthReporter{srv: health.NewServer(), service: queueName}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(queueName, healthpb.HealthCheckResponse_SERVING)
	return h
}

func (h *healthReporter) observeSweep(r queue.SweepResult) {
	if r.Err != nil {
		h.srv.SetServingStatus(h.service, healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	h.srv.SetServingStatus(h.service, healthpb.HealthCheckResponse_SERVING)
}

func (h *healthReporter) shutdown() {
	h.srv.Shutdown()
}

func (h *healthReporter) register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// serveGRPC serves until ctx is done and then stops gracefully.
func serveGRPC(ctx context.Context, logger *slog.Logger, s *grpc.Server, ln net.Listener) {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()
	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("grpc_server_error", slog.Any("err", err))
		}
	}
}
