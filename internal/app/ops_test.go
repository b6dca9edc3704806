package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nuetzliches/workq/internal/queue"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := defaultConfig()
	cfg.Queue = "orders"
	cfg.Backend = backendSQLite
	cfg.DSN = filepath.Join(t.TempDir(), "workq.db")
	cfg.Log = LogConfig{Level: "error", Output: "stderr"}
	return cfg
}

func newTestSession(t *testing.T) *session {
	t.Helper()
	s, err := openSession(context.Background(), testConfig(t), true)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(s.close)
	return s
}

func sendForTest(t *testing.T, s *session, body string) queue.MessageID {
	t.Helper()
	p, err := s.producer()
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	id, err := p.Send(context.Background(), []byte(body), queue.AdditionalData{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return id
}

func newOpsForTest(t *testing.T, s *session) (*opsServer, *httptest.Server) {
	t.Helper()
	stats := newStatsCache(s.consumer.Stats, 0)
	ops := &opsServer{
		queueName: s.cfg.Queue,
		stats:     stats,
		metrics:   newQueueMetrics(s.cfg.Queue, stats),
		logger:    newDiscardLogger(),
		tracer:    s.tracer,
	}
	srv := httptest.NewServer(ops.router())
	t.Cleanup(srv.Close)
	return ops, srv
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestOpsRouter_HealthAndStats(t *testing.T) {
	s := newTestSession(t)
	sendForTest(t, s, "a")
	sendForTest(t, s, "b")
	_, srv := newOpsForTest(t, s)

	if code, body := getBody(t, srv.URL+"/healthz"); code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("healthz=%d %s", code, body)
	}

	code, body := getBody(t, srv.URL+"/queues/orders/stats")
	if code != http.StatusOK {
		t.Fatalf("stats status=%d body=%s", code, body)
	}
	var p statsPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if p.Queue != "orders" || p.Total != 2 || p.ByStatus["waiting"] != 2 {
		t.Fatalf("stats=%+v", p)
	}

	if code, _ := getBody(t, srv.URL+"/queues/other/stats"); code != http.StatusNotFound {
		t.Fatalf("unknown queue status=%d, want 404", code)
	}
}

func TestOpsRouter_Metrics(t *testing.T) {
	s := newTestSession(t)
	sendForTest(t, s, "a")
	ops, srv := newOpsForTest(t, s)
	ops.metrics.observeSweep(queue.SweepResult{Kind: queue.SweepClearExpired, Count: 3, Duration: time.Millisecond})

	code, body := getBody(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics status=%d", code)
	}
	for _, want := range []string{
		`workq_messages{queue="orders",status="waiting"} 1`,
		`workq_store_up{queue="orders"} 1`,
		`workq_swept_messages_total{kind="clear_expired",queue="orders"} 3`,
		`workq_sweeps_total{kind="clear_expired",queue="orders",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestOpsRouter_HealthUnavailable(t *testing.T) {
	failing := newStatsCache(func(context.Context) (queue.Stats, error) {
		return queue.Stats{}, errors.New("db down")
	}, 0)
	ops := &opsServer{queueName: "orders", stats: failing, metrics: newQueueMetrics("orders", failing), logger: newDiscardLogger()}
	srv := httptest.NewServer(ops.router())
	defer srv.Close()

	if code, _ := getBody(t, srv.URL+"/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("healthz=%d, want 503", code)
	}
	if _, body := getBody(t, srv.URL+"/metrics"); !strings.Contains(body, `workq_store_up{queue="orders"} 0`) {
		t.Fatalf("store_up not reported as 0")
	}
}

func TestStatsCache_TTL(t *testing.T) {
	calls := 0
	c := newStatsCache(func(context.Context) (queue.Stats, error) {
		calls++
		return queue.Stats{Total: calls}, nil
	}, time.Minute)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if st, _ := c.get(context.Background()); st.Total != 1 {
			t.Fatalf("total=%d, want cached 1", st.Total)
		}
	}
	now = now.Add(2 * time.Minute)
	if st, _ := c.get(context.Background()); st.Total != 2 || calls != 2 {
		t.Fatalf("total=%d calls=%d, want refresh", st.Total, calls)
	}
}

func TestQueueMetrics_ObserveReload(t *testing.T) {
	m := newQueueMetrics("orders", nil)
	m.observeReload(true)
	m.observeReload(false)
	m.observeReload(false)
	if got := testutil.ToFloat64(m.configReloadsTotal.WithLabelValues("error")); got != 2 {
		t.Fatalf("error reloads=%v, want 2", got)
	}
	m.observeSweep(queue.SweepResult{Kind: queue.SweepClearErrors, Err: errors.New("x")})
	if got := testutil.ToFloat64(m.sweepsTotal.WithLabelValues("clear_errors", "error")); got != 1 {
		t.Fatalf("failed sweeps=%v, want 1", got)
	}
}

func TestHealthReporter_FollowsSweeps(t *testing.T) {
	h := newHealthReporter("orders")
	defer h.shutdown()

	ln := bufconn.Listen(1 << 16)
	gs := grpc.NewServer()
	h.register(gs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveGRPC(ctx, newDiscardLogger(), gs, ln)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return ln.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "orders"})
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status=%v, want SERVING", got)
	}
	h.observeSweep(queue.SweepResult{Kind: queue.SweepResetHeartBeat, Err: errors.New("timeout")})
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status=%v, want NOT_SERVING", got)
	}
	h.observeSweep(queue.SweepResult{Kind: queue.SweepResetHeartBeat})
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status=%v, want SERVING after recovery", got)
	}
}
