// Package metrics defines the Prometheus collectors of the engine. Every
// method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "matchengine"

// Metrics groups the engine's collectors.
type Metrics struct {
	orders           *prometheus.CounterVec
	trades           *prometheus.CounterVec
	cancels          *prometheus.CounterVec
	walErrors        *prometheus.CounterVec
	snapshotErrors   *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
	depthFlushes     prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	books            prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Processed orders by final status and reject reason.",
		}, []string{"status", "reason"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades produced by symbol.",
		}, []string{"symbol"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Cancel requests by outcome.",
		}, []string{"result"}),
		walErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_errors_total",
			Help:      "Failed WAL appends and rotations by symbol.",
		}, []string{"symbol"}),
		snapshotErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_errors_total",
			Help:      "Failed snapshot writes by symbol.",
		}, []string{"symbol"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time to write and force a snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		depthFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "depth_flushes_total",
			Help:      "Depth snapshots handed to the broadcaster.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_queue_depth",
			Help:      "Events waiting in each shard queue.",
		}, []string{"shard"}),
		books: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "books",
			Help:      "Symbols with a live book.",
		}),
	}
	reg.MustRegister(
		m.orders, m.trades, m.cancels, m.walErrors, m.snapshotErrors,
		m.snapshotDuration, m.depthFlushes, m.queueDepth, m.books,
	)
	return m
}

func (m *Metrics) ObserveOrder(status, reason string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) ObserveTrades(symbol string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.trades.WithLabelValues(symbol).Add(float64(n))
}

func (m *Metrics) ObserveCancel(ok bool) {
	if m == nil {
		return
	}
	result := "not_found"
	if ok {
		result = "canceled"
	}
	m.cancels.WithLabelValues(result).Inc()
}

func (m *Metrics) WALError(symbol string) {
	if m == nil {
		return
	}
	m.walErrors.WithLabelValues(symbol).Inc()
}

func (m *Metrics) SnapshotError(symbol string) {
	if m == nil {
		return
	}
	m.snapshotErrors.WithLabelValues(symbol).Inc()
}

func (m *Metrics) ObserveSnapshot(d time.Duration) {
	if m == nil {
		return
	}
	m.snapshotDuration.Observe(d.Seconds())
}

func (m *Metrics) DepthFlushed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.depthFlushes.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(shard, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(n))
}

func (m *Metrics) SetBooks(n int) {
	if m == nil {
		return
	}
	m.books.Set(float64(n))
}
