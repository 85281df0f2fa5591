package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for one registry instance
type Metrics struct {
	registry *prometheus.Registry

	Operations  *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Retries     *prometheus.CounterVec
	PoolWait    prometheus.Histogram
	PoolInUse   prometheus.Gauge
	PoolDropped prometheus.Counter
	IndexErrors *prometheus.CounterVec
	IndexDirty  prometheus.Gauge
	BreakerOpen prometheus.Gauge
}

// NewMetrics creates collectors registered on a private registry so that
// several instances (and tests) never collide on the default registerer.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of provider operations",
		}, []string{"op", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Provider operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_retries_total",
			Help:      "Transactions retried after a transient backend error",
		}, []string{"op"}),
		PoolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting for a pooled connection",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		PoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use",
			Help:      "Connections currently leased",
		}),
		PoolDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_dropped_total",
			Help:      "Connections discarded after failed validation",
		}),
		IndexErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_update_failures_total",
			Help:      "Search index updates that failed after commit",
		}, []string{"action"}),
		IndexDirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_dirty_entities",
			Help:      "Entities awaiting index reconciliation",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 when the backend circuit breaker is open",
		}),
	}
	m.registry.MustRegister(
		m.Operations, m.Duration, m.Retries,
		m.PoolWait, m.PoolInUse, m.PoolDropped,
		m.IndexErrors, m.IndexDirty, m.BreakerOpen,
	)
	return m
}

// Registry exposes the private registry for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one finished operation.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = KindOf(err).String()
	}
	m.Operations.WithLabelValues(op, status).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
