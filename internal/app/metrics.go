package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/workq/internal/queue"
)

// statsCache serves queue statistics to scrapes and the ops API without
// hitting the store more than once per ttl.
type statsCache struct {
	load func(context.Context) (queue.Stats, error)
	ttl  time.Duration
	now  func() time.Time

	mu       sync.Mutex
	cached   queue.Stats
	cachedAt time.Time
	cachedOK bool
}

func newStatsCache(load func(context.Context) (queue.Stats, error), ttl time.Duration) *statsCache {
	return &statsCache{load: load, ttl: ttl, now: time.Now}
}

func (c *statsCache) get(ctx context.Context) (queue.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.cachedOK && c.ttl > 0 && now.Sub(c.cachedAt) < c.ttl {
		return c.cached, nil
	}
	st, err := c.load(ctx)
	if err != nil {
		return queue.Stats{}, err
	}
	c.cached, c.cachedAt, c.cachedOK = st, now, true
	return st, nil
}

type queueMetrics struct {
	registry *prometheus.Registry

	sweepsTotal        *prometheus.CounterVec
	sweptMessagesTotal *prometheus.CounterVec
	sweepDuration      *prometheus.HistogramVec
	configReloadsTotal *prometheus.CounterVec
}

func newQueueMetrics(queueName string, stats *statsCache) *queueMetrics {
	labels := prometheus.Labels{"queue": queueName}
	m := &queueMetrics{
		registry: prometheus.NewRegistry(),
		sweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workq_sweeps_total",
			Help:        "Maintenance sweeps by kind and result.",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
		sweptMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "workq_swept_messages_total",
			Help:        "Messages reset or deleted by maintenance sweeps.",
			ConstLabels: labels,
		}, []string{"kind"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "workq_sweep_duration_seconds",
			Help:        "Maintenance sweep latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"kind"}),
		configReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workq_config_reloads_total",
			Help: "Config file reloads by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sweepsTotal,
		m.sweptMessagesTotal,
		m.sweepDuration,
		m.configReloadsTotal,
	)
	if stats != nil {
		m.registry.MustRegister(newStatsCollector(queueName, stats))
	}
	return m
}

func (m *queueMetrics) observeSweep(r queue.SweepResult) {
	result := "ok"
	if r.Err != nil {
		result = "error"
	}
	kind := string(r.Kind)
	m.sweepsTotal.WithLabelValues(kind, result).Inc()
	m.sweepDuration.WithLabelValues(kind).Observe(r.Duration.Seconds())
	if r.Count > 0 {
		m.sweptMessagesTotal.WithLabelValues(kind).Add(float64(r.Count))
	}
}

func (m *queueMetrics) observeReload(ok bool) {
	if ok {
		m.configReloadsTotal.WithLabelValues("ok").Inc()
		return
	}
	m.configReloadsTotal.WithLabelValues("error").Inc()
}

func (m *queueMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// statsCollector reads queue depth on scrape.
type statsCollector struct {
	stats    *statsCache
	messages *prometheus.Desc
	total    *prometheus.Desc
	errors   *prometheus.Desc
	up       *prometheus.Desc
}

var scrapeStatuses = []queue.Status{queue.StatusWaiting, queue.StatusProcessing, queue.StatusError}

func newStatsCollector(queueName string, stats *statsCache) *statsCollector {
	labels := prometheus.Labels{"queue": queueName}
	return &statsCollector{
		stats:    stats,
		messages: prometheus.NewDesc("workq_messages", "Messages in the queue by status.", []string{"status"}, labels),
		total:    prometheus.NewDesc("workq_messages_total_current", "Messages currently stored in the queue.", nil, labels),
		errors:   prometheus.NewDesc("workq_error_messages", "Messages parked in the error table.", nil, labels),
		up:       prometheus.NewDesc("workq_store_up", "Whether the last stats read succeeded.", nil, labels),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.total
	ch <- c.errors
	ch <- c.up
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.stats.get(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for _, s := range scrapeStatuses {
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(st.ByStatus[s]), s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(st.Total))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, float64(st.Errors))
}
