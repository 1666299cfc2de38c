// Package metrics exposes Prometheus metrics for the push services,
// gathered at scrape time from the live components.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SubscriptionCounter returns the number of stored push subscriptions.
type SubscriptionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// DeliveryStatsProvider exposes cumulative push delivery counters.
type DeliveryStatsProvider interface {
	DeliveryStats() (sent, failed, pruned int64)
}

// WorkerStatusProvider exposes the agent-side worker runtime status.
type WorkerStatusProvider interface {
	WorkerState() string
	CacheGenerations() int
}

// Collector is a prometheus.Collector that gathers push subsystem metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	subscriptions SubscriptionCounter
	deliveries    DeliveryStatsProvider
	worker        WorkerStatusProvider
	startTime     time.Time

	subscriptionsDesc *prometheus.Desc
	sentDesc          *prometheus.Desc
	failedDesc        *prometheus.Desc
	prunedDesc        *prometheus.Desc
	workerStateDesc   *prometheus.Desc
	generationsDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	subscriptions SubscriptionCounter,
	deliveries DeliveryStatsProvider,
	worker WorkerStatusProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		subscriptions: subscriptions,
		deliveries:    deliveries,
		worker:        worker,
		startTime:     startTime,

		subscriptionsDesc: prometheus.NewDesc(
			"shinline_subscriptions",
			"Number of stored push subscriptions",
			nil, nil,
		),
		sentDesc: prometheus.NewDesc(
			"shinline_push_sent_total",
			"Total push notifications delivered",
			nil, nil,
		),
		failedDesc: prometheus.NewDesc(
			"shinline_push_failed_total",
			"Total push delivery failures",
			nil, nil,
		),
		prunedDesc: prometheus.NewDesc(
			"shinline_subscriptions_pruned_total",
			"Total subscriptions pruned after the provider reported them gone",
			nil, nil,
		),
		workerStateDesc: prometheus.NewDesc(
			"shinline_worker_state",
			"Worker runtime lifecycle state (1 for the current state)",
			[]string{"state"}, nil,
		),
		generationsDesc: prometheus.NewDesc(
			"shinline_cache_generations",
			"Number of cache generations held by the worker runtime",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"shinline_uptime_seconds",
			"Seconds since process start",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.subscriptionsDesc
	ch <- c.sentDesc
	ch <- c.failedDesc
	ch <- c.prunedDesc
	ch <- c.workerStateDesc
	ch <- c.generationsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.subscriptions != nil {
		n, err := c.subscriptions.Count(ctx)
		if err != nil {
			slog.Warn("metrics: counting subscriptions failed", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.subscriptionsDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.deliveries != nil {
		sent, failed, pruned := c.deliveries.DeliveryStats()
		ch <- prometheus.MustNewConstMetric(c.sentDesc, prometheus.CounterValue, float64(sent))
		ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue, float64(failed))
		ch <- prometheus.MustNewConstMetric(c.prunedDesc, prometheus.CounterValue, float64(pruned))
	}

	if c.worker != nil {
		ch <- prometheus.MustNewConstMetric(c.workerStateDesc, prometheus.GaugeValue, 1, c.worker.WorkerState())
		ch <- prometheus.MustNewConstMetric(c.generationsDesc, prometheus.GaugeValue, float64(c.worker.CacheGenerations()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
