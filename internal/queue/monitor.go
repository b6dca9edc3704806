package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type SweepKind string

const (
	SweepResetHeartBeat SweepKind = "reset_heartbeat"
	SweepClearExpired   SweepKind = "clear_expired"
	SweepClearErrors    SweepKind = "clear_errors"
)

// MonitorConfig sets the sweep cadence. A zero interval disables that
// sweep.
type MonitorConfig struct {
	ResetInterval   time.Duration `json:"reset_interval"`
	HeartBeatWindow time.Duration `json:"heartbeat_window"`
	ExpireInterval  time.Duration `json:"expire_interval"`
	ErrorInterval   time.Duration `json:"error_interval"`
	ErrorRetention  time.Duration `json:"error_retention"`
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ResetInterval:   time.Minute,
		HeartBeatWindow: 5 * time.Minute,
		ExpireInterval:  time.Minute,
		ErrorInterval:   time.Hour,
		ErrorRetention:  30 * 24 * time.Hour,
	}
}

func (c MonitorConfig) interval(kind SweepKind) time.Duration {
	switch kind {
	case SweepResetHeartBeat:
		return c.ResetInterval
	case SweepClearExpired:
		return c.ExpireInterval
	case SweepClearErrors:
		return c.ErrorInterval
	}
	return 0
}

type SweepResult struct {
	Kind     SweepKind
	Count    int
	Duration time.Duration
	Err      error
}

// Monitor runs the maintenance sweeps for one queue.
type Monitor struct {
	consumer *Consumer
	logger   *slog.Logger

	mu     sync.Mutex
	cfg    MonitorConfig
	reload chan struct{}
	hooks  []func(SweepResult)
}

func NewMonitor(c *Consumer, cfg MonitorConfig) *Monitor {
	return &Monitor{
		consumer: c,
		logger:   c.cfg.logger,
		cfg:      cfg,
		reload:   make(chan struct{}),
	}
}

// OnSweep registers fn to observe every completed sweep.
func (m *Monitor) OnSweep(fn func(SweepResult)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Monitor) Config() MonitorConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Update swaps the configuration; running loops pick it up immediately.
func (m *Monitor) Update(cfg MonitorConfig) {
	m.mu.Lock()
	m.cfg = cfg
	close(m.reload)
	m.reload = make(chan struct{})
	m.mu.Unlock()
	m.logger.Info("monitor_config_updated",
		slog.String("queue", m.consumer.store.Name()),
		slog.Duration("reset_interval", cfg.ResetInterval),
		slog.Duration("expire_interval", cfg.ExpireInterval),
		slog.Duration("error_interval", cfg.ErrorInterval),
	)
}

func (m *Monitor) snapshot() (MonitorConfig, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, m.reload
}

// Run blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range []SweepKind{SweepResetHeartBeat, SweepClearExpired, SweepClearErrors} {
		g.Go(func() error {
			m.loop(ctx, kind)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) loop(ctx context.Context, kind SweepKind) {
	for {
		cfg, reload := m.snapshot()
		interval := cfg.interval(kind)
		if interval <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				continue
			}
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-reload:
			t.Stop()
			continue
		case <-t.C:
		}
		m.Sweep(ctx, kind)
	}
}

// SweepOnce runs every enabled sweep a single time.
func (m *Monitor) SweepOnce(ctx context.Context) []SweepResult {
	cfg, _ := m.snapshot()
	var out []SweepResult
	for _, kind := range []SweepKind{SweepResetHeartBeat, SweepClearExpired, SweepClearErrors} {
		if cfg.interval(kind) <= 0 {
			continue
		}
		out = append(out, m.Sweep(ctx, kind))
	}
	return out
}

func (m *Monitor) Sweep(ctx context.Context, kind SweepKind) SweepResult {
	cfg, _ := m.snapshot()
	start := time.Now()
	res := SweepResult{Kind: kind}
	switch kind {
	case SweepResetHeartBeat:
		if !m.consumer.store.Options().EnableHeartBeat {
			break
		}
		reset, err := m.consumer.ResetHeartBeat(ctx, cfg.HeartBeatWindow)
		res.Count, res.Err = len(reset), err
		for _, r := range reset {
			m.logger.Warn("message_heartbeat_reset",
				slog.String("queue", m.consumer.store.Name()),
				slog.String("id", r.ID.String()),
				slog.Time("heartbeat", r.HeartBeat),
			)
		}
	case SweepClearExpired:
		if !m.consumer.store.Options().EnableMessageExpiration {
			break
		}
		res.Count, res.Err = m.consumer.ClearExpiredMessages(ctx)
	case SweepClearErrors:
		res.Count, res.Err = m.consumer.ClearErrorMessages(ctx, cfg.ErrorRetention)
	}
	res.Duration = time.Since(start)

	attrs := []any{
		slog.String("queue", m.consumer.store.Name()),
		slog.String("sweep", string(kind)),
		slog.Int("count", res.Count),
		slog.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		m.logger.Error("sweep_failed", append(attrs, slog.Any("err", res.Err))...)
	} else if res.Count > 0 {
		m.logger.Info("sweep_done", attrs...)
	}

	m.mu.Lock()
	hooks := append([]func(SweepResult){}, m.hooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(res)
	}
	return res
}
