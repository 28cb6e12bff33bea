package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// redisCollector reports queue depths straight from Redis at scrape time, so
// the gauges stay honest across server restarts.
type redisCollector struct {
	rdb    *redis.Client
	logger *slog.Logger

	queueDepthDesc *prometheus.Desc
}

func newRedisCollector(rdb *redis.Client, logger *slog.Logger) *redisCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCollector{
		rdb:    rdb,
		logger: logger,
		queueDepthDesc: prometheus.NewDesc(
			"mangaforge_queue_depth",
			"Current generation queue depth by queue state.",
			[]string{"queue"},
			nil,
		),
	}
}

func (c *redisCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
}

func (c *redisCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nowUnix := strconv.FormatInt(time.Now().UTC().Unix(), 10)

	pipe := c.rdb.Pipeline()
	pending := pipe.LLen(ctx, "mangaforge:q:pending")
	leased := pipe.SCard(ctx, "mangaforge:q:inprog")
	delayed := pipe.ZCard(ctx, "mangaforge:q:delayed")
	ready := pipe.ZCount(ctx, "mangaforge:q:delayed", "-inf", nowUnix)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus redis collector failed", "err", err)
		return
	}

	emitGauge(ch, c.queueDepthDesc, float64(pending.Val()), "pending")
	emitGauge(ch, c.queueDepthDesc, float64(leased.Val()), "in_progress")
	emitGauge(ch, c.queueDepthDesc, float64(delayed.Val()), "delayed")
	emitGauge(ch, c.queueDepthDesc, float64(ready.Val()), "delayed_ready")
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

// RegisterRedisCollector wires the queue-depth collector into the default
// registry. Safe to call once at startup.
func RegisterRedisCollector(rdb *redis.Client, logger *slog.Logger) {
	prometheus.MustRegister(newRedisCollector(rdb, logger))
}
