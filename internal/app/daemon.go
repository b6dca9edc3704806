package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/nuetzliches/workq/internal/queue"
)

type daemonOptions struct {
	configPath string
	watch      bool
	create     bool
	pidFile    string
}

type session struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.TracerProvider
	store    queue.Store
	consumer *queue.Consumer
	closers  []func()
}

func (r *session) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// openSession builds the logger, tracer, store and consumer shared by every
// command. ensure creates the queue when it is missing.
func openSession(ctx context.Context, cfg Config, ensure bool) (*session, error) {
	logger, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger = logger.With(slog.String("queue", cfg.Queue), slog.String("backend", cfg.Backend))
	rt := &session{cfg: cfg, logger: logger}
	if logCloser != nil {
		rt.closers = append(rt.closers, func() { _ = logCloser.Close() })
	}

	tp, shutdown, err := initTracing(ctx, cfg.Tracing, func(err error) {
		logger.Warn("tracing_export_failed", slog.Any("err", err))
	})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.tracer = tp
	rt.closers = append(rt.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	})

	store, err := openStore(ctx, cfg)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { _ = store.Close() })

	if ensure {
		err = queue.EnsureQueue(ctx, store)
	} else {
		err = queue.Open(ctx, store)
	}
	if err != nil {
		rt.close()
		return nil, err
	}

	codec, err := buildCodec(cfg.Codec)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.consumer = queue.NewConsumer(store, rt.clientOptions(codec)...)
	return rt, nil
}

func (r *session) clientOptions(codec *queue.Codec) []queue.ClientOption {
	return []queue.ClientOption{
		queue.WithSerializer(codec),
		queue.WithLogger(r.logger),
		queue.WithTracerProvider(r.tracer),
	}
}

func (r *session) producer() (*queue.Producer, error) {
	codec, err := buildCodec(r.cfg.Codec)
	if err != nil {
		return nil, err
	}
	return queue.NewProducer(r.store, r.clientOptions(codec)...), nil
}

// runDaemon runs the maintenance sweeps with the ops HTTP surface and the
// gRPC health service until ctx is cancelled.
func runDaemon(ctx context.Context, cfg Config, opts daemonOptions) error {
	releasePID, err := claimPIDFile(opts.pidFile)
	if err != nil {
		return err
	}
	defer releasePID()

	rt, err := openSession(ctx, cfg, opts.create)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := newStatsCache(rt.consumer.Stats, cfg.Ops.StatsTTL.std())
	metrics := newQueueMetrics(cfg.Queue, stats)
	health := newHealthReporter(cfg.Queue)
	defer health.shutdown()

	mon := queue.NewMonitor(rt.consumer, cfg.Monitor.queueConfig())
	mon.OnSweep(metrics.observeSweep)
	mon.OnSweep(health.observeSweep)

	if cfg.Ops.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.Ops.HTTPAddr)
		if err != nil {
			return fmt.Errorf("ops listen: %w", err)
		}
		ops := &opsServer{queueName: cfg.Queue, stats: stats, metrics: metrics, logger: logger, tracer: rt.tracer}
		srv := &http.Server{Handler: ops.router(), ReadHeaderTimeout: 5 * time.Second}
		serveOnListener(logger, "ops", srv, ln, cancel)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("ops_listening", slog.String("addr", ln.Addr().String()))
	}

	if cfg.Ops.GRPCAddr != "" {
		ln, err := net.Listen("tcp", cfg.Ops.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs := grpc.NewServer()
		health.register(gs)
		go serveGRPC(ctx, logger, gs, ln)
		logger.Info("grpc_health_listening", slog.String("addr", ln.Addr().String()))
	}

	if opts.watch && opts.configPath != "" {
		running := cfg
		go watchConfig(ctx, opts.configPath, logger, func() {
			next, ok := reloadMonitor(opts.configPath, running, mon, logger)
			metrics.observeReload(ok)
			running = next
		})
	}

	logger.Info("monitor_started")
	err = mon.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("monitor_stopped")
	return nil
}
